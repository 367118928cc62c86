// Package provision runs ordered customization scripts inside a guest.
package provision

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/progress"
	provisionProgress "github.com/projecteru2/agentvm/progress/provision"
	"github.com/projecteru2/agentvm/utils"
)

// Stage labels.
const (
	StageBase        = "base-install"
	StageUserGlobal  = "user-provision"
	StageUserRuntime = "user-runtime"
	StageProject     = "project-runtime"
)

//go:embed base.sh
var baseScript []byte

// loginShell reads the script from stdin in a login shell so profile-level
// setup (PATH etc.) is honoured.
var loginShell = []string{"bash", "-l", "-s"}

// Source produces a stage's script. ok is false when the script does not
// exist, which skips the stage.
type Source interface {
	Open() (r io.ReadCloser, ok bool, err error)
}

// File is a script on the host filesystem; a missing file is not an error.
type File string

func (f File) Open() (io.ReadCloser, bool, error) {
	fh, err := os.Open(string(f)) //nolint:gosec // operator-owned script path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open %s: %w", string(f), err)
	}
	return fh, true, nil
}

// Script is an in-memory script.
type Script []byte

func (s Script) Open() (io.ReadCloser, bool, error) {
	return io.NopCloser(bytes.NewReader(s)), true, nil
}

// BaseScript is the fixed package-install script for template builds.
func BaseScript() Script { return Script(baseScript) }

// Stage is one labelled script.
type Stage struct {
	Label  string
	Source Source
}

// Result reports how a stage went.
type Result struct {
	Label    string
	Skipped  bool
	ExitCode int
	Duration time.Duration
}

// StageError identifies the failing stage and VM.
type StageError struct {
	Stage    string
	VM       string
	ExitCode int   // guest exit code; -1 if the script never ran
	Err      error // non-nil when the script could not be run
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision stage %s on VM %s: %v", e.Stage, e.VM, e.Err)
	}
	return fmt.Sprintf("provision stage %s on VM %s: exit code %d", e.Stage, e.VM, e.ExitCode)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsStageError reports whether err came from a failing stage.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// Pipeline runs stages in order against one guest, stopping at the first
// failure. A failing stage leaves the VM as it is.
type Pipeline struct {
	exec   engine.Executor
	stdout io.Writer
	stderr io.Writer
}

// New creates a Pipeline; stage output goes to stdout/stderr (nil discards).
func New(exec engine.Executor, stdout, stderr io.Writer) *Pipeline {
	return &Pipeline{exec: exec, stdout: stdout, stderr: stderr}
}

// Run executes stages on vm with workdir as the working directory.
// The returned results cover every stage attempted, including the failing one.
func (p *Pipeline) Run(ctx context.Context, vm, workdir string, tracker progress.Tracker, stages ...Stage) ([]Result, error) {
	logger := utils.Logger(ctx, "provision.Run")
	if tracker == nil {
		tracker = progress.Nop
	}
	results := make([]Result, 0, len(stages))
	for i, st := range stages {
		ev := provisionProgress.Event{Phase: provisionProgress.PhaseStage, VM: vm, Stage: st.Label, Index: i, Total: len(stages)}
		tracker.OnEvent(ev)

		res, err := p.runStage(ctx, vm, workdir, st)
		results = append(results, res)
		switch {
		case err != nil:
			ev.Phase = provisionProgress.PhaseFailed
			tracker.OnEvent(ev)
			return results, err
		case res.Skipped:
			logger.Debugf(ctx, "stage %s on %s: no script, skipped", st.Label, vm)
			ev.Phase = provisionProgress.PhaseSkip
			tracker.OnEvent(ev)
		default:
			ev.Phase = provisionProgress.PhaseDone
			tracker.OnEvent(ev)
		}
	}
	return results, nil
}

func (p *Pipeline) runStage(ctx context.Context, vm, workdir string, st Stage) (Result, error) {
	res := Result{Label: st.Label, ExitCode: -1}
	script, ok, err := st.Source.Open()
	if err != nil {
		return res, &StageError{Stage: st.Label, VM: vm, ExitCode: -1, Err: err}
	}
	if !ok {
		res.Skipped = true
		res.ExitCode = 0
		return res, nil
	}
	defer script.Close() //nolint:errcheck

	start := time.Now()
	code, err := p.exec.Exec(ctx, vm, engine.ExecRequest{
		Workdir: workdir,
		Argv:    loginShell,
		Stdin:   script,
		Stdout:  p.stdout,
		Stderr:  p.stderr,
	})
	res.Duration = time.Since(start)
	if err != nil {
		return res, &StageError{Stage: st.Label, VM: vm, ExitCode: -1, Err: err}
	}
	res.ExitCode = code
	if code != 0 {
		return res, &StageError{Stage: st.Label, VM: vm, ExitCode: code}
	}
	return res, nil
}
