package gc

import (
	"context"

	"github.com/projecteru2/agentvm/lock"
	"github.com/projecteru2/agentvm/utils"
)

// Module describes one store that participates in garbage collection.
// S is the module's snapshot type.
type Module[S any] struct {
	Name string

	// Locker coordinates with lifecycle operations. GC only proceeds when
	// every module's TryLock succeeds.
	Locker lock.Locker

	// ReadDB snapshots the module's state. Called with the lock held.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the IDs to delete, given this module's snapshot and
	// every module's snapshot keyed by Name.
	Resolve func(snap S, others map[string]any) []string

	// Collect deletes ids. Called with the lock held. Nil means the module
	// only contributes its snapshot.
	Collect func(ctx context.Context, ids []string) error
}

var _ runner = Module[struct{}]{}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	if m.Resolve == nil {
		return nil
	}
	s, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	if m.Collect == nil {
		return nil
	}
	return m.Collect(ctx, ids)
}

// VMsModule names the module whose snapshot is the LiveSet of VMs the
// engine currently knows. Records keyed by a VM outside it are orphans.
const VMsModule = "vms"

// LiveSet is the snapshot type of VMsModule.
type LiveSet map[string]struct{}

// Live extracts the VMsModule snapshot from others.
func Live(others map[string]any) (LiveSet, bool) {
	s, ok := others[VMsModule].(LiveSet)
	return s, ok
}

// Orphans returns the ids absent from the live set, or nil when the live
// snapshot is missing.
func Orphans(ids []string, others map[string]any) []string {
	live, ok := Live(others)
	if !ok {
		return nil
	}
	return utils.FilterUnreferenced(ids, live)
}
