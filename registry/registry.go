// Package registry remembers which project directory each VM serves.
package registry

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/gc"
	"github.com/projecteru2/agentvm/lock"
	"github.com/projecteru2/agentvm/lock/flock"
	"github.com/projecteru2/agentvm/storage"
	storejson "github.com/projecteru2/agentvm/storage/json"
	"github.com/projecteru2/agentvm/utils"
)

const gcModule = "registry"

// Record is the persisted row for one VM.
type Record struct {
	Name       string    `json:"name"`
	Dir        string    `json:"dir"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Index is the registry file's top-level structure.
type Index struct {
	Projects map[string]*Record `json:"projects"` // VM name → record
}

// Init implements storage.Initer.
func (idx *Index) Init() {
	if idx.Projects == nil {
		idx.Projects = make(map[string]*Record)
	}
}

// Registry is a flock-protected JSON index of project VMs.
type Registry struct {
	store  storage.Store[Index]
	locker lock.Locker
	now    func() time.Time
}

// New opens the registry at conf's registry paths.
func New(conf *config.Config) (*Registry, error) {
	if err := utils.EnsureDirs(filepath.Dir(conf.RegistryFile())); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	locker := flock.New(conf.RegistryLock())
	return &Registry{
		store:  storejson.New[Index](conf.RegistryFile(), locker),
		locker: locker,
		now:    time.Now,
	}, nil
}

// Touch records that vm serves dir and was used now.
func (r *Registry) Touch(ctx context.Context, vm, dir string) error {
	now := r.now().UTC()
	return r.store.Update(ctx, func(idx *Index) error {
		rec := idx.Projects[vm]
		if rec == nil {
			rec = &Record{Name: vm, CreatedAt: now}
			idx.Projects[vm] = rec
		}
		rec.Dir = dir
		rec.LastUsedAt = now
		return nil
	})
}

// Remove drops the rows of the given VMs; absent rows are ignored.
func (r *Registry) Remove(ctx context.Context, vms ...string) error {
	return r.store.Update(ctx, func(idx *Index) error {
		for _, vm := range vms {
			delete(idx.Projects, vm)
		}
		return nil
	})
}

// Get returns vm's row, or nil if it has none.
func (r *Registry) Get(ctx context.Context, vm string) (*Record, error) {
	var result *Record
	return result, r.store.With(ctx, func(idx *Index) error {
		if rec := idx.Projects[vm]; rec != nil {
			cp := *rec
			result = &cp
		}
		return nil
	})
}

// List returns all rows ordered by VM name.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	var result []*Record
	return result, r.store.With(ctx, func(idx *Index) error {
		for _, name := range slices.Sorted(maps.Keys(idx.Projects)) {
			cp := *idx.Projects[name]
			result = append(result, &cp)
		}
		return nil
	})
}

// RegisterGC adds the registry to o: rows whose VM is gone are dropped.
func (r *Registry) RegisterGC(o *gc.Orchestrator) {
	gc.Register(o, gc.Module[[]string]{
		Name:   gcModule,
		Locker: r.locker,
		ReadDB: func(_ context.Context) ([]string, error) {
			var names []string
			return names, r.store.Read(func(idx *Index) error {
				names = slices.Sorted(maps.Keys(idx.Projects))
				return nil
			})
		},
		Resolve: func(names []string, others map[string]any) []string {
			return gc.Orphans(names, others)
		},
		Collect: func(ctx context.Context, names []string) error {
			log.WithFunc("registry.GC").Infof(ctx, "dropping %d orphan rows", len(names))
			return r.store.Write(func(idx *Index) error {
				for _, name := range names {
					delete(idx.Projects, name)
				}
				return nil
			})
		},
	})
}
