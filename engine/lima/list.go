package lima

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/types"
)

// instance is the subset of `limactl list --json` we consume.
type instance struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Dir    string `json:"dir"`
	CPUs   int    `json:"cpus"`
	Memory int64  `json:"memory"`
	Disk   int64  `json:"disk"`
	Config *struct {
		Mounts []types.Mount `json:"mounts"`
	} `json:"config,omitempty"`
}

func (i *instance) toVM() *types.VM {
	vm := &types.VM{
		Name:  i.Name,
		State: parseStatus(i.Status),
		Resources: types.Resources{
			CPUs:   i.CPUs,
			Memory: i.Memory,
			Disk:   i.Disk,
		},
		Dir: i.Dir,
	}
	if i.Config != nil {
		vm.Mounts = i.Config.Mounts
	}
	if i.Dir != "" {
		if fi, err := os.Stat(filepath.Join(i.Dir, "lima.yaml")); err == nil {
			vm.CreatedAt = fi.ModTime()
		}
	}
	return vm
}

func parseStatus(s string) types.VMState {
	switch s {
	case "Running":
		return types.VMStateRunning
	case "Stopped":
		return types.VMStateStopped
	default:
		return types.VMStateBroken
	}
}

// parseList decodes limactl's newline-delimited JSON output.
func parseList(r io.Reader) ([]*types.VM, error) {
	dec := json.NewDecoder(r)
	var out []*types.VM
	for {
		var inst instance
		err := dec.Decode(&inst)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode limactl list: %w", err)
		}
		out = append(out, inst.toVM())
	}
}

// List returns every instance limactl knows about, managed or not.
func (l *Lima) List(ctx context.Context) ([]*types.VM, error) {
	var stdout bytes.Buffer
	if err := l.run(ctx, "list", "", &stdout, "list", "--json"); err != nil {
		return nil, err
	}
	return parseList(&stdout)
}

// Inspect returns the named instance or engine.ErrNotFound.
func (l *Lima) Inspect(ctx context.Context, name string) (*types.VM, error) {
	vms, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.Name == name {
			return vm, nil
		}
	}
	return nil, engine.Wrap("inspect", name, engine.ErrNotFound)
}

func (l *Lima) Exists(ctx context.Context, name string) (bool, error) {
	_, err := l.Inspect(ctx, name)
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (l *Lima) IsRunning(ctx context.Context, name string) (bool, error) {
	vm, err := l.Inspect(ctx, name)
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return vm.Running(), nil
}
