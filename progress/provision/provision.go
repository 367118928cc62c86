package provision

// Phase represents a step in a provisioning pipeline run.
type Phase int

const (
	PhaseStage   Phase = iota // Stage script started.
	PhaseSkip                 // Stage has no script; skipped.
	PhaseDone                 // Stage exited zero.
	PhaseFailed               // Stage exited non-zero or could not run.
)

// Event describes a single provisioning progress update.
type Event struct {
	Phase Phase
	VM    string
	Stage string
	Index int // 0-based position of the stage in the run
	Total int
}
