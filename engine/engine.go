package engine

import (
	"context"
	"io"

	"github.com/projecteru2/agentvm/types"
)

// Engine is the capability set the orchestrator needs from the underlying
// virtualization tool. Each backend (e.g. lima) implements this interface.
//
// Read-only queries never mutate state and return ErrUnavailable (wrapped)
// when the tool itself cannot be reached, never a false negative.
type Engine interface {
	Type() string

	Exists(ctx context.Context, name string) (bool, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	Inspect(ctx context.Context, name string) (*types.VM, error)
	List(ctx context.Context) ([]*types.VM, error)

	// Create provisions a fresh VM from a base image. Used for the template only.
	Create(ctx context.Context, cfg *types.VMConfig) error
	// Clone copies source into a new VM; resources in cfg override the
	// source's only at clone time.
	Clone(ctx context.Context, source string, cfg *types.VMConfig) error
	// Edit mutates a stopped VM. Fails with ErrRunning if the VM is up.
	// A nil mounts slice leaves mounts untouched.
	Edit(ctx context.Context, name string, res types.Resources, mounts []types.Mount) error

	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string, force bool) error

	// Exec runs argv inside the running guest and returns the guest's exit
	// code unchanged. err is non-nil only when the command could not be run.
	Exec(ctx context.Context, name string, req ExecRequest) (int, error)
}

// Executor is the exec-only subset of Engine used by guest-side components.
type Executor interface {
	Exec(ctx context.Context, name string, req ExecRequest) (int, error)
}

// ExecRequest describes one command run inside a guest.
type ExecRequest struct {
	Workdir string
	Argv    []string

	// Stdin is piped to the command when non-nil; otherwise the caller's
	// terminal is attached if Interactive is set.
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
	Interactive bool
}
