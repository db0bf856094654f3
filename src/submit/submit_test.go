package submit

import (
	"context"
	"errors"
	"testing"

	"tryon-relay/src/job"
	"tryon-relay/src/jobgraph"
)

type fakeBackend struct {
	calls int
	last  job.Request
	out   job.Outcome
	err   error
}

func (f *fakeBackend) Submit(_ context.Context, req job.Request) (job.Outcome, error) {
	f.calls++
	f.last = req
	return f.out, f.err
}

func TestSubmitAccepted(t *testing.T) {
	backend := &fakeBackend{out: job.Outcome{Handle: "job-1", Status: job.Queued(0)}}
	s := New(backend, WithBindings(jobgraph.Bindings{PersonNode: "1", ClothNode: "2"}))

	tmpl := jobgraph.Default()
	out, err := s.Submit(context.Background(), []byte("p"), []byte("c"), tmpl)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Accepted() || out.Handle != "job-1" {
		t.Errorf("outcome = %+v", out)
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls)
	}
	if len(backend.last.Attachments) != 2 {
		t.Errorf("attachments = %d", len(backend.last.Attachments))
	}

	// The request carries its own copy of the template.
	_ = backend.last.Template.SetImage("1", "changed.png")
	if img, _ := tmpl.Image("1"); img != job.PersonImageName {
		t.Errorf("template mutated through request: %q", img)
	}
}

func TestSubmitWrapsBackendErrors(t *testing.T) {
	cause := &job.HTTPStatusError{Code: 400, Status: "400 Bad Request", Body: "invalid input"}
	backend := &fakeBackend{err: cause}
	s := New(backend)

	_, err := s.Submit(context.Background(), []byte("p"), []byte("c"), jobgraph.Default())
	var subErr *job.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %T %v, want SubmissionError", err, err)
	}
	var httpErr *job.HTTPStatusError
	if !errors.As(err, &httpErr) || httpErr.Body != "invalid input" {
		t.Errorf("http error not preserved: %v", err)
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, submit must not retry", backend.calls)
	}
}

func TestSubmitRequiresBothImages(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend)

	_, err := s.Submit(context.Background(), nil, []byte("c"), jobgraph.Default())
	var subErr *job.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v", err)
	}
	if backend.calls != 0 {
		t.Error("backend must not be called without images")
	}
}

func TestSubmitBadBinding(t *testing.T) {
	s := New(&fakeBackend{}, WithBindings(jobgraph.Bindings{PersonNode: "missing"}))
	_, err := s.Submit(context.Background(), []byte("p"), []byte("c"), jobgraph.Default())
	var subErr *job.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v", err)
	}
}
