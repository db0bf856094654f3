package job

import (
	"fmt"
	"strings"
)

// SummaryKind classifies the user-facing outcome of a terminal status.
type SummaryKind int

const (
	SummaryImages SummaryKind = iota
	SummaryNoDisplayableOutput
	SummaryJobFailed
	SummaryJobCancelled
)

// Summary is the informational result shown once a job reached a terminal
// status. None of its kinds is an error.
type Summary struct {
	Kind    SummaryKind
	Message string
	Images  []ArtifactRef
}

// Summarize builds the completion text for a terminal status.
func Summarize(s Status) Summary {
	switch s.Kind {
	case KindCompleted:
		if len(s.Images) > 0 {
			return Summary{
				Kind:    SummaryImages,
				Message: fmt.Sprintf("Job completed! Displaying %d image(s).", len(s.Images)),
				Images:  s.Images,
			}
		}
		if s.ImagesReported > 0 {
			return Summary{Kind: SummaryNoDisplayableOutput, Message: "Job completed, but the workflow produced no displayable images."}
		}
		return Summary{Kind: SummaryNoDisplayableOutput, Message: "Job completed, but the workflow produced no images."}
	case KindFailed, KindCancelled:
		kind := SummaryJobFailed
		if s.Kind == KindCancelled {
			kind = SummaryJobCancelled
		}
		return Summary{Kind: kind, Message: FailureText(s)}
	default:
		return Summary{Kind: SummaryJobCancelled, Message: FailureText(s)}
	}
}

// FailureText renders the endpoint's diagnostic for a failed, cancelled or
// otherwise non-completed status.
func FailureText(s Status) string {
	title := strings.TrimSpace(s.Error)
	if title == "" {
		title = "Job failed or was cancelled"
	}
	details := fmt.Sprintf("Status: %s.", rawOrKind(s))
	if len(s.Details) > 0 {
		details = strings.Join(s.Details, "\n")
	}
	return title + "\n\n" + details
}

// ProgressText is the in-flight message for a non-terminal status.
func ProgressText(s Status) string {
	switch s.Kind {
	case KindQueued:
		if s.QueuePosition > 0 {
			return fmt.Sprintf("Job is in queue, waiting for a worker... (position %d)", s.QueuePosition)
		}
		return "Job is in queue, waiting for a worker..."
	case KindRunning:
		if s.ProgressPercent > 0 {
			return fmt.Sprintf("Job in progress... (%d%%)", s.ProgressPercent)
		}
		return fmt.Sprintf("Job in progress... (Execution time: %dms)", s.ExecutionTimeMS)
	default:
		return Summarize(s).Message
	}
}

func rawOrKind(s Status) string {
	if s.Raw != "" {
		return s.Raw
	}
	return strings.ToUpper(s.Kind.String())
}
