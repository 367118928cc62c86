package lima

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/projecteru2/agentvm/engine"
)

// shellCmdArgs returns the limactl arguments to run argv in name.
// limactl quotes each argv element for the guest shell.
func shellCmdArgs(name, workdir string, argv []string) []string {
	args := []string{"shell"}
	if workdir != "" {
		args = append(args, "--workdir="+workdir)
	}
	args = append(args, name)
	return append(args, argv...)
}

// Exec runs argv in the guest and returns its exit code.
func (l *Lima) Exec(ctx context.Context, name string, req engine.ExecRequest) (int, error) {
	running, err := l.IsRunning(ctx, name)
	if err != nil {
		return -1, err
	}
	if !running {
		return -1, engine.Wrap("exec", name, fmt.Errorf("not running"))
	}

	cmd := exec.CommandContext(ctx, l.binary, shellCmdArgs(name, req.Workdir, req.Argv)...) //nolint:gosec // binary comes from operator config
	cmd.Stdin, cmd.Stdout, cmd.Stderr = req.Stdin, req.Stdout, req.Stderr
	if req.Interactive {
		if cmd.Stdin == nil {
			cmd.Stdin = os.Stdin
		}
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
	}

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, engine.Wrap("exec", name, fmt.Errorf("%w: %w", engine.ErrUnavailable, err))
}
