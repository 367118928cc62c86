package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/naming"
	"github.com/projecteru2/agentvm/utils"
)

// resolve maps a directory to its absolute path and VM name.
func resolve(dir string) (name, abs string, err error) {
	if abs, err = filepath.Abs(dir); err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	return naming.Name(abs), abs, nil
}

// Stop stops the directory's VM. Stopping a stopped VM is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, dir string) (string, error) {
	name, _, err := resolve(dir)
	if err != nil {
		return "", err
	}
	release, err := o.acquire(ctx, name)
	if err != nil {
		return name, err
	}
	defer release()

	vm, err := o.inspect(ctx, name)
	if err != nil {
		return name, err
	}
	if vm == nil {
		return name, fmt.Errorf("%w: %s", ErrNoVM, name)
	}
	if !vm.Running() {
		utils.Logger(ctx, "orchestrator.Stop").Infof(ctx, "%s already stopped", name)
		return name, nil
	}
	return name, o.eng.Stop(ctx, name)
}

// Destroy deletes the directory's VM and its records. Records are dropped
// even when the VM is already gone.
func (o *Orchestrator) Destroy(ctx context.Context, dir string) (string, error) {
	name, _, err := resolve(dir)
	if err != nil {
		return "", err
	}
	release, err := o.acquire(ctx, name)
	if err != nil {
		return name, err
	}
	defer release()

	return name, o.destroyOne(ctx, name)
}

func (o *Orchestrator) destroyOne(ctx context.Context, name string) error {
	err := o.eng.Delete(ctx, name, true)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	o.forget(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoVM, name)
	}
	return nil
}

// DestroyAll deletes every per-project VM, never the template, with up to
// PoolSize deletions in flight. It is best-effort: one failure does not
// stop the others. Returns the names that were deleted.
func (o *Orchestrator) DestroyAll(ctx context.Context) ([]string, error) {
	vms, err := o.eng.List(ctx)
	if err != nil {
		return nil, err
	}

	limit := o.conf.PoolSize
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	var (
		g       errgroup.Group
		mu      sync.Mutex
		deleted []string
		errs    []error
	)
	g.SetLimit(limit)
	for _, vm := range vms {
		if !naming.IsManaged(vm.Name) || vm.Name == o.conf.Template.Name {
			continue
		}
		name := vm.Name
		g.Go(func() error {
			err := o.destroyLocked(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				utils.Logger(ctx, "orchestrator.DestroyAll").Warnf(ctx, "destroy %s: %v", name, err)
				errs = append(errs, fmt.Errorf("destroy %s: %w", name, err))
				return nil
			}
			deleted = append(deleted, name)
			return nil
		})
	}
	_ = g.Wait()
	return deleted, errors.Join(errs...)
}

func (o *Orchestrator) destroyLocked(ctx context.Context, name string) error {
	release, err := o.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return o.destroyOne(ctx, name)
}
