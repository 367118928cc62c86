package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/console"
	"github.com/projecteru2/agentvm/engine/lima"
	"github.com/projecteru2/agentvm/orchestrator"
	"github.com/projecteru2/agentvm/registry"
	"github.com/projecteru2/agentvm/storage/file"
	"github.com/projecteru2/agentvm/tracker"
	"github.com/projecteru2/agentvm/types"
)

// Session flag names, registered on the root command.
const (
	FlagDisk     = "disk"
	FlagMemory   = "memory"
	FlagCPUs     = "cpus"
	FlagReset    = "reset"
	FlagOffline  = "offline"
	FlagReadOnly = "readonly"
	FlagYes      = "yes"
)

// ExitUsage is the exit code for rejected invocations.
const ExitUsage = 2

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitOrchestrator wires the lima engine, file-backed version tracker and
// project registry into an Orchestrator.
func InitOrchestrator(conf *config.Config, confirm console.Confirmer) (*orchestrator.Orchestrator, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	eng, err := lima.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	reg, err := registry.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	tr := tracker.New(file.New(conf.VersionDir()))
	return orchestrator.New(conf, eng, tr, reg, confirm, os.Stderr), nil
}

// AddSessionFlags registers the flags that shape a readied VM.
func AddSessionFlags(fs *pflag.FlagSet) {
	fs.String(FlagDisk, "", "disk size (GiB if no unit, e.g. 80 or 80G)")
	fs.String(FlagMemory, "", "memory size (GiB if no unit, e.g. 16 or 512M)")
	fs.Int(FlagCPUs, 0, "number of CPUs")
	fs.Bool(FlagReset, false, "discard the project VM and re-clone it from the template")
	fs.Bool(FlagOffline, false, "deny outbound traffic except loopback and private ranges")
	fs.Bool(FlagReadOnly, false, "remount the project directory read-only in the VM")
	fs.BoolP(FlagYes, "y", false, "answer yes to confirmation prompts")
}

// ParseSize parses a size flag. A bare number means GiB.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		s += "G"
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return n, nil
}

// ResourcesFromFlags returns only the resources given on the command line.
func ResourcesFromFlags(fs *pflag.FlagSet) (types.Resources, error) {
	var res types.Resources
	diskStr, _ := fs.GetString(FlagDisk)
	memStr, _ := fs.GetString(FlagMemory)
	cpus, _ := fs.GetInt(FlagCPUs)

	var err error
	if res.Disk, err = ParseSize(diskStr); err != nil {
		return res, fmt.Errorf("%w: invalid --disk %q: %w", orchestrator.ErrUsage, diskStr, err)
	}
	if res.Memory, err = ParseSize(memStr); err != nil {
		return res, fmt.Errorf("%w: invalid --memory %q: %w", orchestrator.ErrUsage, memStr, err)
	}
	if cpus < 0 {
		return res, fmt.Errorf("%w: invalid --cpus %d", orchestrator.ErrUsage, cpus)
	}
	res.CPUs = cpus
	return res, nil
}

// RequestFromFlags builds an orchestrator request for dir from session flags.
func RequestFromFlags(fs *pflag.FlagSet, dir string) (orchestrator.Request, error) {
	res, err := ResourcesFromFlags(fs)
	if err != nil {
		return orchestrator.Request{}, err
	}
	reset, _ := fs.GetBool(FlagReset)
	offline, _ := fs.GetBool(FlagOffline)
	readOnly, _ := fs.GetBool(FlagReadOnly)
	return orchestrator.Request{
		Dir:       dir,
		Resources: res,
		Reset:     reset,
		Policy:    types.Policy{Offline: offline, ReadOnly: readOnly},
	}, nil
}

// ConfirmerFromFlags returns Allow under --yes, otherwise a terminal prompt.
func ConfirmerFromFlags(fs *pflag.FlagSet) console.Confirmer {
	if yes, _ := fs.GetBool(FlagYes); yes {
		return console.Allow
	}
	return console.NewPrompt(os.Stdin, os.Stderr)
}

// ExitCodeError carries a guest exit code out of a handler.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string { return fmt.Sprintf("exit code %d", e.Code) }

// ExitCode maps a handler error to the process exit code.
func ExitCode(err error) int {
	var ec *ExitCodeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ec):
		return ec.Code
	case orchestrator.IsUsage(err):
		return ExitUsage
	default:
		return 1
	}
}

// FormatSize renders a byte count the way list and status print it.
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	return units.BytesSize(float64(bytes))
}
