package job

import (
	"errors"
	"fmt"
)

// ErrNoActiveJob is returned when an operation needs a tracked job and there is none.
var ErrNoActiveJob = errors.New("no active job")

// SubmissionError reports a failed submit call: network failure, a non-success
// HTTP status or a malformed response body. It is fatal to that attempt only.
type SubmissionError struct {
	Detail string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil && e.Detail == "" {
		return "submission failed: " + e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("submission failed: %s: %v", e.Detail, e.Err)
	}
	return "submission failed: " + e.Detail
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientError reports a failed poll or cancel call. The tracker logs it and
// lets the next tick retry; it never changes job state by itself.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// CaptureUnavailableError reports that a selected region could not be
// rasterized, e.g. because the content is protected.
type CaptureUnavailableError struct {
	Err error
}

func (e *CaptureUnavailableError) Error() string {
	return "capture unavailable: " + e.Err.Error()
}

func (e *CaptureUnavailableError) Unwrap() error { return e.Err }

// HTTPStatusError carries a non-success response from an endpoint.
type HTTPStatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Status, e.Body)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
