package lima

import (
	"context"
	"errors"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/utils"
)

// stopPollInterval is how often a forced stop is checked for completion.
const stopPollInterval = 500 * time.Millisecond

func (l *Lima) Start(ctx context.Context, name string) error {
	log.WithFunc("lima.Start").Infof(ctx, "starting %s", name)
	return l.run(ctx, "start", name, nil, "start", "--tty=false", name)
}

// Stop asks the guest to shut down and falls back to a forced stop when the
// graceful one fails or overruns the configured timeout.
func (l *Lima) Stop(ctx context.Context, name string) error {
	logger := log.WithFunc("lima.Stop")

	gctx, cancel := context.WithTimeout(ctx, l.stopTimeout)
	err := l.run(gctx, "stop", name, nil, "stop", name)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, engine.ErrUnavailable) {
		return err
	}
	logger.Warnf(ctx, "graceful stop of %s failed: %v, forcing", name, err)

	if err := l.run(ctx, "stop", name, nil, "stop", "--force", name); err != nil {
		return err
	}
	return utils.WaitFor(ctx, l.stopTimeout, stopPollInterval, func() (bool, error) {
		running, err := l.IsRunning(ctx, name)
		return !running, err
	})
}

// Delete removes the instance. Without force a running instance is refused.
func (l *Lima) Delete(ctx context.Context, name string, force bool) error {
	vm, err := l.Inspect(ctx, name)
	if err != nil {
		return err
	}
	if vm.Running() && !force {
		return engine.Wrap("delete", name, engine.ErrRunning)
	}
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	log.WithFunc("lima.Delete").Infof(ctx, "deleting %s", name)
	return l.run(ctx, "delete", name, nil, append(args, name)...)
}
