// Package tracker records which base-template build each clone was made
// from, so stale clones can be reported.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/projecteru2/agentvm/gc"
	"github.com/projecteru2/agentvm/lock"
	"github.com/projecteru2/agentvm/storage"
)

// BaseKey is the store key of the template's token.
const BaseKey = "base"

// cloneKeyPrefix prefixes the store key of each clone's token.
const cloneKeyPrefix = "clone-"

// Tracker persists version tokens in a storage.KV.
//
// Staleness is advisory: nothing here blocks an operation.
type Tracker struct {
	kv  storage.KV
	now func() time.Time
}

// New creates a Tracker over kv.
func New(kv storage.KV) *Tracker {
	return &Tracker{kv: kv, now: time.Now}
}

// CloneKey is the store key holding vm's clone-time token.
func CloneKey(vm string) string { return cloneKeyPrefix + vm }

// RecordBase writes a fresh template token. Call only once the template
// is fully provisioned and stopped.
func (t *Tracker) RecordBase(ctx context.Context) (string, error) {
	token := t.now().UTC().Format(time.RFC3339Nano)
	if err := t.kv.Set(ctx, BaseKey, token); err != nil {
		return "", fmt.Errorf("record base version: %w", err)
	}
	return token, nil
}

// ClearBase forgets the template token, e.g. when the template is deleted.
func (t *Tracker) ClearBase(ctx context.Context) error {
	return t.kv.Delete(ctx, BaseKey)
}

// RecordClone snapshots the current template token for vm. With no
// template token recorded, any previous clone token is dropped so the VM
// reads as "unknown" rather than carrying a token from an earlier clone.
func (t *Tracker) RecordClone(ctx context.Context, vm string) error {
	base, ok, err := t.kv.Get(ctx, BaseKey)
	if err != nil {
		return fmt.Errorf("read base version: %w", err)
	}
	if !ok {
		return t.kv.Delete(ctx, CloneKey(vm))
	}
	if err := t.kv.Set(ctx, CloneKey(vm), base); err != nil {
		return fmt.Errorf("record clone version of %s: %w", vm, err)
	}
	return nil
}

// Clear forgets vm's clone token.
func (t *Tracker) Clear(ctx context.Context, vm string) error {
	return t.kv.Delete(ctx, CloneKey(vm))
}

// Versions returns both tokens; empty strings mean "not recorded".
func (t *Tracker) Versions(ctx context.Context, vm string) (base, clone string, err error) {
	if base, _, err = t.kv.Get(ctx, BaseKey); err != nil {
		return "", "", fmt.Errorf("read base version: %w", err)
	}
	if clone, _, err = t.kv.Get(ctx, CloneKey(vm)); err != nil {
		return "", "", fmt.Errorf("read clone version of %s: %w", vm, err)
	}
	return base, clone, nil
}

// IsStale is true iff both tokens exist and differ. A missing token is
// "unknown", never stale.
func (t *Tracker) IsStale(ctx context.Context, vm string) (bool, error) {
	base, clone, err := t.Versions(ctx, vm)
	if err != nil {
		return false, err
	}
	return base != "" && clone != "" && base != clone, nil
}

// TrackedClones lists the VMs holding a clone token.
func (t *Tracker) TrackedClones(ctx context.Context) ([]string, error) {
	keys, err := t.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var vms []string
	for _, k := range keys {
		if vm, ok := strings.CutPrefix(k, cloneKeyPrefix); ok && vm != "" {
			vms = append(vms, vm)
		}
	}
	return vms, nil
}

// RegisterGC adds the clone tokens to o: tokens whose VM is gone are
// cleared. locker serializes token collection between processes.
func (t *Tracker) RegisterGC(o *gc.Orchestrator, locker lock.Locker) {
	gc.Register(o, gc.Module[[]string]{
		Name:   "versions",
		Locker: locker,
		ReadDB: t.TrackedClones,
		Resolve: func(vms []string, others map[string]any) []string {
			return gc.Orphans(vms, others)
		},
		Collect: func(ctx context.Context, vms []string) error {
			var errs []error
			for _, vm := range vms {
				if err := t.Clear(ctx, vm); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	})
}
