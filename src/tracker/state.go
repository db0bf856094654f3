package tracker

import "tryon-relay/src/job"

// State is the tracker's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateQueued
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the tracker is parked on a finished job.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func stateFor(k job.Kind) State {
	switch k {
	case job.KindQueued:
		return StateQueued
	case job.KindRunning:
		return StateRunning
	case job.KindCompleted:
		return StateCompleted
	case job.KindFailed:
		return StateFailed
	default:
		return StateCancelled
	}
}

// Snapshot is the view handed to the UI collaborator.
type Snapshot struct {
	State     State
	Handle    job.Handle
	Status    job.Status
	Message   string
	Artifacts []job.ArtifactRef
	Summary   job.SummaryKind
	// Loading is true while a submission, a tracked job or a cancel call is in flight.
	Loading bool
	// Err is the last surfaced failure (submission or cancel call).
	Err error
}

func (s Snapshot) clone() Snapshot {
	if s.Artifacts != nil {
		s.Artifacts = append([]job.ArtifactRef(nil), s.Artifacts...)
	}
	return s
}

// Notifier receives every state or progress change. It is called with the
// tracker lock held and must not call back into the Tracker.
type Notifier interface {
	Notify(Snapshot)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Snapshot)

func (f NotifierFunc) Notify(s Snapshot) { f(s) }
