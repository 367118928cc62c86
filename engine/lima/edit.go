package lima

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/types"
)

// gib renders bytes in the GiB float limactl's --memory/--disk expect.
func gib(b int64) string {
	return strconv.FormatFloat(float64(b)/(1<<30), 'f', -1, 64)
}

// editFlags translates specified resources and mounts into limactl
// edit/clone flags. Unspecified fields produce no flag.
func editFlags(res types.Resources, mounts []types.Mount) ([]string, error) {
	var flags []string
	if res.CPUs > 0 {
		flags = append(flags, "--cpus="+strconv.Itoa(res.CPUs))
	}
	if res.Memory > 0 {
		flags = append(flags, "--memory="+gib(res.Memory))
	}
	if res.Disk > 0 {
		flags = append(flags, "--disk="+gib(res.Disk))
	}
	if mounts != nil {
		data, err := json.Marshal(mounts)
		if err != nil {
			return nil, fmt.Errorf("encode mounts: %w", err)
		}
		flags = append(flags, "--set", ".mounts = "+string(data))
	}
	return flags, nil
}

// cloneCmdArgs returns the limactl arguments to clone source into cfg.Name.
func cloneCmdArgs(source string, cfg *types.VMConfig) ([]string, error) {
	flags, err := editFlags(cfg.Resources, cfg.Mounts)
	if err != nil {
		return nil, err
	}
	return append([]string{"clone", "--tty=false", source, cfg.Name}, flags...), nil
}

// editCmdArgs returns the limactl arguments to edit name, or nil when there
// is nothing to change. limactl opens an editor when given no flags.
func editCmdArgs(name string, res types.Resources, mounts []types.Mount) ([]string, error) {
	flags, err := editFlags(res, mounts)
	if err != nil || len(flags) == 0 {
		return nil, err
	}
	return append([]string{"edit", "--tty=false", name}, flags...), nil
}

// Clone copies a stopped source instance.
func (l *Lima) Clone(ctx context.Context, source string, cfg *types.VMConfig) error {
	args, err := cloneCmdArgs(source, cfg)
	if err != nil {
		return engine.Wrap("clone", cfg.Name, err)
	}
	log.WithFunc("lima.Clone").Infof(ctx, "cloning %s from %s", cfg.Name, source)
	return l.run(ctx, "clone", cfg.Name, nil, args...)
}

// Edit changes resources and/or mounts of a stopped instance.
func (l *Lima) Edit(ctx context.Context, name string, res types.Resources, mounts []types.Mount) error {
	running, err := l.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running {
		return engine.Wrap("edit", name, engine.ErrRunning)
	}
	args, err := editCmdArgs(name, res, mounts)
	if err != nil {
		return engine.Wrap("edit", name, err)
	}
	if args == nil {
		return nil
	}
	return l.run(ctx, "edit", name, nil, args...)
}
