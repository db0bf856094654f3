// Package submit packages the two input images with the job template and
// dispatches them to the configured endpoint in a single request.
package submit

import (
	"context"

	"github.com/rs/zerolog"

	"tryon-relay/src/job"
	"tryon-relay/src/jobgraph"
)

// Backend sends one prepared request to an endpoint.
type Backend interface {
	Submit(ctx context.Context, req job.Request) (job.Outcome, error)
}

// Submitter is stateless apart from its backend and template bindings.
type Submitter struct {
	backend  Backend
	bindings jobgraph.Bindings
	logger   zerolog.Logger
}

type Option func(*Submitter)

// WithBindings sets the nodes that receive the attachment names.
func WithBindings(b jobgraph.Bindings) Option {
	return func(s *Submitter) { s.bindings = b }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

func New(backend Backend, opts ...Option) *Submitter {
	s := &Submitter{backend: backend, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit builds a request from a deep copy of template and dispatches it.
// Every failure is returned as a *job.SubmissionError; nothing is retried.
func (s *Submitter) Submit(ctx context.Context, person, cloth []byte, template jobgraph.Graph) (job.Outcome, error) {
	if len(person) == 0 || len(cloth) == 0 {
		return job.Outcome{}, &job.SubmissionError{Detail: "both a person and a clothing image are required"}
	}
	req, err := job.NewRequest(template, s.bindings, person, cloth)
	if err != nil {
		return job.Outcome{}, &job.SubmissionError{Detail: "prepare workflow", Err: err}
	}

	out, err := s.backend.Submit(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Msg("submission failed")
		return job.Outcome{}, &job.SubmissionError{Err: err}
	}
	s.logger.Info().
		Str("handle", string(out.Handle)).
		Stringer("status", out.Status).
		Msg("submission accepted")
	return out, nil
}
