package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/progress"
	"github.com/projecteru2/agentvm/provision"
	"github.com/projecteru2/agentvm/types"
	"github.com/projecteru2/agentvm/utils"
)

// Request is one "ensure ready" invocation.
type Request struct {
	// Dir is the project directory; relative paths resolve against the
	// working directory.
	Dir string
	// Resources holds only the values the operator asked for.
	Resources types.Resources
	Reset     bool
	Policy    types.Policy
	Progress  progress.Tracker
}

// Ready describes a VM prepared for a payload.
type Ready struct {
	VM      string
	Workdir string
	Created bool
	// ProvisionErr is a runtime-stage failure. The VM is running and
	// usable; the caller decides whether to proceed.
	ProvisionErr error
	// Lingering holds restrictions an earlier session left on the running
	// VM that this request did not ask for. They stay until the VM stops.
	Lingering types.Policy
}

// EnsureReady makes the directory's VM exist, match the requested
// resources, run, be provisioned and carry the requested policy. The
// per-VM lock is held only while readying, not during the payload.
func (o *Orchestrator) EnsureReady(ctx context.Context, req Request) (*Ready, error) {
	ctx = utils.WithSession(ctx, uuid.NewString())
	logger := utils.Logger(ctx, "orchestrator.EnsureReady")

	name, dir, err := resolve(req.Dir)
	if err != nil {
		return nil, err
	}
	logger.Infof(ctx, "readying %s for %s", name, dir)

	release, err := o.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	vm, err := o.inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := o.precheck(ctx, vm, req); err != nil {
		return nil, err
	}

	if req.Reset && vm != nil {
		logger.Infof(ctx, "reset requested, discarding %s", name)
		o.teardown(ctx, name)
		vm = nil
	}

	ready := &Ready{VM: name, Workdir: dir}
	switch {
	case vm == nil:
		if vm, err = o.clone(ctx, name, dir, req.Resources); err != nil {
			return nil, err
		}
		ready.Created = true
	default:
		if vm, err = o.resize(ctx, vm, req.Resources); err != nil {
			return nil, err
		}
	}

	if stale, err := o.tracker.IsStale(ctx, name); err != nil {
		logger.Warnf(ctx, "check staleness of %s: %v", name, err)
	} else if stale {
		logger.Warnf(ctx, "%s was cloned from an older template, use --reset to re-clone", name)
	}

	started := !vm.Running()
	if started {
		if err := o.eng.Start(ctx, name); err != nil {
			return nil, err
		}
	}
	if err := o.registry.Touch(ctx, name, dir); err != nil {
		logger.Warnf(ctx, "record %s in registry: %v", name, err)
	}

	if _, err := o.pipeline.Run(ctx, name, dir, req.Progress, o.runtimeStages(dir)...); err != nil {
		if !provision.IsStageError(err) {
			return nil, err
		}
		logger.Warnf(ctx, "%v", err)
		ready.ProvisionErr = err
	}

	if err := o.enforcer.Apply(ctx, name, dir, req.Policy); err != nil {
		return nil, err
	}
	// A fresh boot carries no restrictions; a running VM may be serving
	// another session whose restrictions must stay.
	if !started {
		o.checkLingering(ctx, ready, dir, req.Policy)
	}
	return ready, nil
}

func (o *Orchestrator) checkLingering(ctx context.Context, ready *Ready, dir string, p types.Policy) {
	logger := utils.Logger(ctx, "orchestrator.EnsureReady")
	lingering, err := o.enforcer.Lingering(ctx, ready.VM, dir, p)
	if err != nil {
		logger.Warnf(ctx, "inspect restrictions on %s: %v", ready.VM, err)
		return
	}
	if lingering.Offline {
		logger.Warnf(ctx, "%s is still offline from an earlier session, `agent-vm stop` clears it", ready.VM)
	}
	if lingering.ReadOnly {
		logger.Warnf(ctx, "%s is still mounted read-only from an earlier session, `agent-vm stop` clears it", dir)
	}
	ready.Lingering = lingering
}

// precheck rejects a request before anything is changed: a missing
// template when one is needed, or a disk shrink.
func (o *Orchestrator) precheck(ctx context.Context, vm *types.VM, req Request) error {
	base := vm
	if vm == nil || req.Reset {
		tmpl, err := o.template(ctx)
		if err != nil {
			return err
		}
		base = tmpl
	}
	if d := req.Resources.Disk; d != 0 && d < base.Resources.Disk {
		return fmt.Errorf("%w: disk cannot shrink from %s to %s",
			ErrUsage, units.BytesSize(float64(base.Resources.Disk)), units.BytesSize(float64(d)))
	}
	return nil
}

// clone creates name from the template and records its version. Holds
// the template lock so a concurrent setup cannot replace the source.
func (o *Orchestrator) clone(ctx context.Context, name, dir string, res types.Resources) (*types.VM, error) {
	logger := utils.Logger(ctx, "orchestrator.clone")

	release, err := o.acquire(ctx, o.conf.Template.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	tmpl, err := o.template(ctx)
	if err != nil {
		return nil, err
	}
	if tmpl.Running() {
		logger.Warnf(ctx, "template %s is running, stopping it before clone", tmpl.Name)
		if err := o.eng.Stop(ctx, tmpl.Name); err != nil {
			return nil, err
		}
	}

	cfg := &types.VMConfig{Name: name, Resources: res, Mounts: o.mounts(dir)}
	if err := o.eng.Clone(ctx, tmpl.Name, cfg); err != nil {
		return nil, err
	}
	if err := o.tracker.RecordClone(ctx, name); err != nil {
		logger.Warnf(ctx, "%v", err)
	}
	return o.eng.Inspect(ctx, name)
}

// resize applies the requested resources that differ from vm's. A running
// VM is only stopped with the operator's consent; otherwise the current
// resources are kept.
func (o *Orchestrator) resize(ctx context.Context, vm *types.VM, res types.Resources) (*types.VM, error) {
	logger := utils.Logger(ctx, "orchestrator.resize")
	changes := res.Changes(vm.Resources)
	if changes.IsZero() {
		return vm, nil
	}

	if vm.Running() {
		question := fmt.Sprintf("%s is running. Stop it to apply %s?", vm.Name, describe(changes))
		ok, err := o.confirm.Confirm(ctx, question)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Warnf(ctx, "resize of %s declined, keeping current resources", vm.Name)
			return vm, nil
		}
		if err := o.eng.Stop(ctx, vm.Name); err != nil {
			return nil, err
		}
	}

	logger.Infof(ctx, "resizing %s: %s", vm.Name, describe(changes))
	if err := o.eng.Edit(ctx, vm.Name, changes, nil); err != nil {
		return nil, err
	}
	return o.eng.Inspect(ctx, vm.Name)
}

// mounts returns the project directory plus every shared directory that
// exists on the host, all writable.
func (o *Orchestrator) mounts(dir string) []types.Mount {
	mounts := []types.Mount{{Location: dir, Writable: true}}
	for _, shared := range o.conf.SharedDirs {
		if shared == dir {
			continue
		}
		if fi, err := os.Stat(shared); err != nil || !fi.IsDir() {
			continue
		}
		mounts = append(mounts, types.Mount{Location: shared, Writable: true})
	}
	return mounts
}

func (o *Orchestrator) runtimeStages(dir string) []provision.Stage {
	return []provision.Stage{
		{Label: provision.StageUserRuntime, Source: provision.File(o.conf.UserRuntimeScript())},
		{Label: provision.StageProject, Source: provision.File(config.ProjectRuntimeScript(dir))},
	}
}

func describe(r types.Resources) string {
	var s string
	add := func(part string) {
		if s != "" {
			s += ", "
		}
		s += part
	}
	if r.CPUs != 0 {
		add(fmt.Sprintf("%d cpus", r.CPUs))
	}
	if r.Memory != 0 {
		add(units.BytesSize(float64(r.Memory)) + " memory")
	}
	if r.Disk != 0 {
		add(units.BytesSize(float64(r.Disk)) + " disk")
	}
	return s
}

// IsUsage reports whether err is a usage error.
func IsUsage(err error) bool { return errors.Is(err, ErrUsage) }
