// Package lima implements engine.Engine on top of the limactl CLI.
package lima

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/utils"
)

const typ = "lima"

var _ engine.Engine = (*Lima)(nil)

// Lima drives VMs through limactl subprocesses. It keeps no state of its
// own; every query goes to limactl.
type Lima struct {
	conf        *config.Config
	binary      string
	stopTimeout time.Duration
}

// New creates a Lima backend.
func New(conf *config.Config) (*Lima, error) {
	if err := utils.EnsureDirs(conf.RunDir()); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	binary := conf.Engine.Binary
	if binary == "" {
		binary = "limactl"
	}
	timeout := time.Duration(conf.Engine.StopTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Lima{conf: conf, binary: binary, stopTimeout: timeout}, nil
}

func (l *Lima) Type() string { return typ }

// run executes one limactl invocation. stdout may be nil.
// A failure to launch limactl at all maps to engine.ErrUnavailable.
func (l *Lima) run(ctx context.Context, op, vm string, stdout io.Writer, args ...string) error {
	log.WithFunc("lima.run").Debugf(ctx, "%s %s", l.binary, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, l.binary, args...) //nolint:gosec // binary comes from operator config
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return engine.Wrap(op, vm, classify(ctx, err, stderr.String()))
	}
	return nil
}

func classify(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("limactl exit code %d: %s", exitErr.ExitCode(), lastLine(stderr))
	}
	return fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
}

// lastLine keeps the fatal message limactl prints last.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
