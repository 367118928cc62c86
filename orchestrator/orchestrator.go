// Package orchestrator drives the VM lifecycle: it turns a project
// directory plus a session configuration into a running, provisioned VM.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/console"
	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/lock"
	"github.com/projecteru2/agentvm/lock/flock"
	"github.com/projecteru2/agentvm/policy"
	"github.com/projecteru2/agentvm/provision"
	"github.com/projecteru2/agentvm/registry"
	"github.com/projecteru2/agentvm/tracker"
	"github.com/projecteru2/agentvm/types"
	"github.com/projecteru2/agentvm/utils"
)

var (
	// ErrTemplateMissing is returned when a project VM is needed but the
	// base template has not been built.
	ErrTemplateMissing = errors.New("base template not found, run `agent-vm setup` first")
	// ErrUsage is returned for requests rejected before any engine call.
	ErrUsage = errors.New("usage error")
	// ErrNoVM is returned by directory-scoped teardown when the directory has no VM.
	ErrNoVM = errors.New("no VM for this directory")
)

// Orchestrator ties the engine, version tracker, registry, provisioning
// pipeline and policy enforcer together.
type Orchestrator struct {
	conf     *config.Config
	eng      engine.Engine
	tracker  *tracker.Tracker
	registry *registry.Registry
	confirm  console.Confirmer
	pipeline *provision.Pipeline
	enforcer *policy.Enforcer
	lockFor  func(name string) lock.Locker
}

// New creates an Orchestrator. Stage output is written to out (nil means os.Stderr).
func New(conf *config.Config, eng engine.Engine, tr *tracker.Tracker, reg *registry.Registry, confirm console.Confirmer, out io.Writer) *Orchestrator {
	if out == nil {
		out = os.Stderr
	}
	if confirm == nil {
		confirm = console.Deny
	}
	return &Orchestrator{
		conf:     conf,
		eng:      eng,
		tracker:  tr,
		registry: reg,
		confirm:  confirm,
		pipeline: provision.New(eng, out, out),
		enforcer: policy.New(eng),
		lockFor: func(name string) lock.Locker {
			return flock.New(conf.LockFile(name))
		},
	}
}

// Engine exposes the underlying engine for payload execution.
func (o *Orchestrator) Engine() engine.Engine { return o.eng }

// TemplateName is the base template's VM name.
func (o *Orchestrator) TemplateName() string { return o.conf.Template.Name }

// acquire takes name's lifecycle lock, logging when another invocation
// holds it. The returned func releases it.
func (o *Orchestrator) acquire(ctx context.Context, name string) (func(), error) {
	l := o.lockFor(name)
	err := lock.Acquire(ctx, l, func() {
		utils.Logger(ctx, "orchestrator.acquire").Infof(ctx, "waiting for another agent-vm invocation on %s", name)
	})
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return func() { _ = l.Unlock(ctx) }, nil
}

// inspect returns the VM or nil when the engine does not know it.
func (o *Orchestrator) inspect(ctx context.Context, name string) (*types.VM, error) {
	vm, err := o.eng.Inspect(ctx, name)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	return vm, err
}

// template returns the base template or ErrTemplateMissing.
func (o *Orchestrator) template(ctx context.Context) (*types.VM, error) {
	vm, err := o.inspect(ctx, o.conf.Template.Name)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, ErrTemplateMissing
	}
	return vm, nil
}

// teardown stops and deletes name, best-effort, and forgets its records.
func (o *Orchestrator) teardown(ctx context.Context, name string) {
	logger := utils.Logger(ctx, "orchestrator.teardown")
	if err := o.eng.Stop(ctx, name); err != nil && !errors.Is(err, engine.ErrNotFound) {
		logger.Warnf(ctx, "stop %s: %v", name, err)
	}
	if err := o.eng.Delete(ctx, name, true); err != nil && !errors.Is(err, engine.ErrNotFound) {
		logger.Warnf(ctx, "delete %s: %v", name, err)
	}
	o.forget(ctx, name)
}

// forget drops name's clone token and registry row.
func (o *Orchestrator) forget(ctx context.Context, name string) {
	logger := utils.Logger(ctx, "orchestrator.forget")
	if err := o.tracker.Clear(ctx, name); err != nil {
		logger.Warnf(ctx, "clear version of %s: %v", name, err)
	}
	if err := o.registry.Remove(ctx, name); err != nil {
		logger.Warnf(ctx, "remove %s from registry: %v", name, err)
	}
}
