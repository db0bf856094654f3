package job

import "fmt"

// Handle is the endpoint-assigned identifier of an asynchronously tracked job.
type Handle string

// Kind identifies the variant carried by a Status.
type Kind int

const (
	KindQueued Kind = iota
	KindRunning
	KindCompleted
	KindFailed
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindQueued:
		return "queued"
	case KindRunning:
		return "running"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can follow this kind.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCancelled
}

// Status is the tagged job status reported by an endpoint. Only the fields
// belonging to Kind are meaningful.
type Status struct {
	Kind Kind

	// Raw is the endpoint's own status word (e.g. "IN_QUEUE"), kept for
	// diagnostics.
	Raw string

	// Queued / Running
	QueuePosition   int
	ProgressPercent int
	ExecutionTimeMS int64

	// Completed
	Images []ArtifactRef
	// ImagesReported counts output entries before filtering for displayable ones.
	ImagesReported int

	// Failed / Cancelled
	Error   string
	Details []string
}

func (s Status) Terminal() bool { return s.Kind.Terminal() }

func (s Status) String() string {
	switch s.Kind {
	case KindRunning:
		return fmt.Sprintf("running(%d%%)", s.ProgressPercent)
	case KindCompleted:
		return fmt.Sprintf("completed(%d images)", len(s.Images))
	default:
		return s.Kind.String()
	}
}

func Queued(position int) Status {
	return Status{Kind: KindQueued, Raw: "IN_QUEUE", QueuePosition: position}
}

func Running(progress int) Status {
	return Status{Kind: KindRunning, Raw: "IN_PROGRESS", ProgressPercent: progress}
}

func Completed(images ...ArtifactRef) Status {
	return Status{Kind: KindCompleted, Raw: "COMPLETED", Images: images, ImagesReported: len(images)}
}

func Failed(summary string) Status {
	return Status{Kind: KindFailed, Raw: "FAILED", Error: summary}
}

func Cancelled() Status {
	return Status{Kind: KindCancelled, Raw: "CANCELLED"}
}

// Outcome is the result of a submission: either the endpoint answered with a
// terminal status directly, or it accepted the job for asynchronous tracking.
type Outcome struct {
	Status Status
	// Handle is empty for an immediately terminal outcome.
	Handle Handle
}

// Accepted reports whether the outcome must be tracked through its handle.
func (o Outcome) Accepted() bool {
	return o.Handle != "" && !o.Status.Terminal()
}
