package orchestrator

import (
	"context"
	"time"

	"github.com/projecteru2/agentvm/naming"
	"github.com/projecteru2/agentvm/types"
	"github.com/projecteru2/agentvm/utils"
)

// Entry is one row of List.
type Entry struct {
	VM         *types.VM
	Template   bool
	Dir        string // empty when the registry has no row
	LastUsedAt time.Time
	Stale      bool
}

// List returns the template and every per-project VM the engine knows,
// joined with registry rows and staleness.
func (o *Orchestrator) List(ctx context.Context) ([]Entry, error) {
	logger := utils.Logger(ctx, "orchestrator.List")
	vms, err := o.eng.List(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := o.registry.List(ctx)
	if err != nil {
		logger.Warnf(ctx, "read registry: %v", err)
	}
	byName := make(map[string]int, len(recs))
	for i, rec := range recs {
		byName[rec.Name] = i
	}

	var out []Entry
	for _, vm := range vms {
		if !naming.IsManaged(vm.Name) {
			continue
		}
		e := Entry{VM: vm, Template: vm.Name == o.conf.Template.Name}
		if i, ok := byName[vm.Name]; ok {
			e.Dir = recs[i].Dir
			e.LastUsedAt = recs[i].LastUsedAt
		}
		if !e.Template {
			if e.Stale, err = o.tracker.IsStale(ctx, vm.Name); err != nil {
				logger.Warnf(ctx, "check staleness of %s: %v", vm.Name, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Status describes the directory's VM.
type Status struct {
	Name  string
	Dir   string
	State types.VMState
	VM    *types.VM // nil when absent

	TemplateExists bool
	BaseVersion    string
	CloneVersion   string
	Stale          bool
}

// Status reports the directory's VM state, resources and versions.
func (o *Orchestrator) Status(ctx context.Context, dir string) (*Status, error) {
	name, abs, err := resolve(dir)
	if err != nil {
		return nil, err
	}
	st := &Status{Name: name, Dir: abs, State: types.VMStateAbsent}

	if st.VM, err = o.inspect(ctx, name); err != nil {
		return nil, err
	}
	if st.VM != nil {
		st.State = st.VM.State
	}
	tmpl, err := o.inspect(ctx, o.conf.Template.Name)
	if err != nil {
		return nil, err
	}
	st.TemplateExists = tmpl != nil

	if st.BaseVersion, st.CloneVersion, err = o.tracker.Versions(ctx, name); err != nil {
		return nil, err
	}
	st.Stale = st.BaseVersion != "" && st.CloneVersion != "" && st.BaseVersion != st.CloneVersion
	return st, nil
}
