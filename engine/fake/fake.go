// Package fake is an in-memory engine.Engine for tests.
package fake

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/types"
)

var _ engine.Engine = (*Engine)(nil)

// ExecCall records one Exec invocation.
type ExecCall struct {
	VM      string
	Workdir string
	Argv    []string
	Stdin   string

	// Stdout is the caller's writer, so ExecFn can produce output. May be nil.
	Stdout io.Writer
}

// Engine keeps VMs in a map and records every mutating call as
// "<op> <name>" in Calls.
type Engine struct {
	mu sync.Mutex

	VMs   map[string]*types.VM
	Calls []string
	Execs []ExecCall

	// ExecFn decides the exit code of an Exec; nil means exit 0.
	ExecFn func(call ExecCall) (int, error)
	// Fail makes the named op ("clone", "start", ...) return the error.
	Fail map[string]error
	// Unavailable makes every call fail with engine.ErrUnavailable.
	Unavailable bool
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{VMs: make(map[string]*types.VM), Fail: make(map[string]error)}
}

// Put registers a VM directly, bypassing Create/Clone.
func (e *Engine) Put(vm types.VM) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := vm
	v.Mounts = slices.Clone(vm.Mounts)
	e.VMs[vm.Name] = &v
}

// Get returns a copy of the named VM, or nil.
func (e *Engine) Get(name string) *types.VM {
	e.mu.Lock()
	defer e.mu.Unlock()
	vm := e.VMs[name]
	if vm == nil {
		return nil
	}
	v := *vm
	return &v
}

// Count returns how many times op ran against name.
func (e *Engine) Count(op, name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.Calls {
		if c == op+" "+name {
			n++
		}
	}
	return n
}

// ResetCalls clears recorded calls and execs.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = nil
	e.Execs = nil
}

func (e *Engine) Type() string { return "fake" }

func (e *Engine) check(op, name string) error {
	if e.Unavailable {
		return engine.Wrap(op, name, engine.ErrUnavailable)
	}
	if err := e.Fail[op]; err != nil {
		return engine.Wrap(op, name, err)
	}
	return nil
}

func (e *Engine) record(op, name string) {
	e.Calls = append(e.Calls, op+" "+name)
}

func (e *Engine) Exists(_ context.Context, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("exists", name); err != nil {
		return false, err
	}
	return e.VMs[name] != nil, nil
}

func (e *Engine) IsRunning(_ context.Context, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("is-running", name); err != nil {
		return false, err
	}
	return e.VMs[name].Running(), nil
}

func (e *Engine) Inspect(_ context.Context, name string) (*types.VM, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("inspect", name); err != nil {
		return nil, err
	}
	vm := e.VMs[name]
	if vm == nil {
		return nil, engine.Wrap("inspect", name, engine.ErrNotFound)
	}
	v := *vm
	return &v, nil
}

func (e *Engine) List(_ context.Context) ([]*types.VM, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("list", ""); err != nil {
		return nil, err
	}
	var out []*types.VM
	for _, name := range slices.Sorted(maps.Keys(e.VMs)) {
		v := *e.VMs[name]
		out = append(out, &v)
	}
	return out, nil
}

func (e *Engine) Create(_ context.Context, cfg *types.VMConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("create", cfg.Name); err != nil {
		return err
	}
	e.record("create", cfg.Name)
	if e.VMs[cfg.Name] != nil {
		return engine.Wrap("create", cfg.Name, fmt.Errorf("already exists"))
	}
	e.VMs[cfg.Name] = &types.VM{Name: cfg.Name, State: types.VMStateStopped, Resources: cfg.Resources, Mounts: slices.Clone(cfg.Mounts)}
	return nil
}

func (e *Engine) Clone(_ context.Context, source string, cfg *types.VMConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("clone", cfg.Name); err != nil {
		return err
	}
	e.record("clone", cfg.Name)
	src := e.VMs[source]
	if src == nil {
		return engine.Wrap("clone", cfg.Name, engine.ErrNotFound)
	}
	if e.VMs[cfg.Name] != nil {
		return engine.Wrap("clone", cfg.Name, fmt.Errorf("already exists"))
	}
	if cfg.Resources.Disk != 0 && cfg.Resources.Disk < src.Resources.Disk {
		return engine.Wrap("clone", cfg.Name, fmt.Errorf("disk shrink not supported"))
	}
	e.VMs[cfg.Name] = &types.VM{
		Name:      cfg.Name,
		State:     types.VMStateStopped,
		Resources: cfg.Resources.Merge(src.Resources),
		Mounts:    slices.Clone(cfg.Mounts),
	}
	return nil
}

func (e *Engine) Edit(_ context.Context, name string, res types.Resources, mounts []types.Mount) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("edit", name); err != nil {
		return err
	}
	e.record("edit", name)
	vm := e.VMs[name]
	if vm == nil {
		return engine.Wrap("edit", name, engine.ErrNotFound)
	}
	if vm.Running() {
		return engine.Wrap("edit", name, engine.ErrRunning)
	}
	if res.Disk != 0 && res.Disk < vm.Resources.Disk {
		return engine.Wrap("edit", name, fmt.Errorf("disk shrink not supported"))
	}
	vm.Resources = res.Merge(vm.Resources)
	if mounts != nil {
		vm.Mounts = slices.Clone(mounts)
	}
	return nil
}

func (e *Engine) Start(_ context.Context, name string) error {
	return e.transition("start", name, types.VMStateRunning)
}

func (e *Engine) Stop(_ context.Context, name string) error {
	return e.transition("stop", name, types.VMStateStopped)
}

func (e *Engine) transition(op, name string, to types.VMState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(op, name); err != nil {
		return err
	}
	e.record(op, name)
	vm := e.VMs[name]
	if vm == nil {
		return engine.Wrap(op, name, engine.ErrNotFound)
	}
	vm.State = to
	return nil
}

func (e *Engine) Delete(_ context.Context, name string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("delete", name); err != nil {
		return err
	}
	e.record("delete", name)
	vm := e.VMs[name]
	if vm == nil {
		return engine.Wrap("delete", name, engine.ErrNotFound)
	}
	if vm.Running() && !force {
		return engine.Wrap("delete", name, engine.ErrRunning)
	}
	delete(e.VMs, name)
	return nil
}

func (e *Engine) Exec(_ context.Context, name string, req engine.ExecRequest) (int, error) {
	e.mu.Lock()
	if err := e.check("exec", name); err != nil {
		e.mu.Unlock()
		return -1, err
	}
	vm := e.VMs[name]
	if vm == nil {
		e.mu.Unlock()
		return -1, engine.Wrap("exec", name, engine.ErrNotFound)
	}
	if !vm.Running() {
		e.mu.Unlock()
		return -1, engine.Wrap("exec", name, fmt.Errorf("not running"))
	}
	call := ExecCall{VM: name, Workdir: req.Workdir, Argv: slices.Clone(req.Argv), Stdout: req.Stdout}
	if req.Stdin != nil {
		data, err := io.ReadAll(req.Stdin)
		if err != nil {
			e.mu.Unlock()
			return -1, err
		}
		call.Stdin = string(data)
	}
	e.Execs = append(e.Execs, call)
	fn := e.ExecFn
	e.mu.Unlock()

	if fn == nil {
		return 0, nil
	}
	return fn(call)
}

// ExecsMatching returns the recorded execs whose argv joined by spaces
// contains substr.
func (e *Engine) ExecsMatching(substr string) []ExecCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ExecCall
	for _, c := range e.Execs {
		if strings.Contains(strings.Join(c.Argv, " "), substr) {
			out = append(out, c)
		}
	}
	return out
}
