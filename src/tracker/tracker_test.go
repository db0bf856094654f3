package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tryon-relay/src/job"
	"tryon-relay/src/jobgraph"
)

const waitFor = 2 * time.Second

// fakeTicker fires only when the test says so.
type fakeTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()               { f.once.Do(func() { close(f.stopped) }) }

func (f *fakeTicker) isStopped() bool {
	select {
	case <-f.stopped:
		return true
	default:
		return false
	}
}

type tickers struct {
	mu  sync.Mutex
	all []*fakeTicker
	new chan *fakeTicker
}

func newTickers() *tickers {
	return &tickers{new: make(chan *fakeTicker, 8)}
}

func (ts *tickers) factory(time.Duration) Ticker {
	ft := &fakeTicker{c: make(chan time.Time), stopped: make(chan struct{})}
	ts.mu.Lock()
	ts.all = append(ts.all, ft)
	ts.mu.Unlock()
	ts.new <- ft
	return ft
}

func (ts *tickers) active() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, ft := range ts.all {
		if !ft.isStopped() {
			n++
		}
	}
	return n
}

func (ts *tickers) next(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case ft := <-ts.new:
		return ft
	case <-time.After(waitFor):
		t.Fatal("no ticker created")
		return nil
	}
}

// tick delivers one tick, failing if the poll loop is not listening.
func tick(t *testing.T, ft *fakeTicker) {
	t.Helper()
	select {
	case ft.c <- time.Now():
	case <-time.After(waitFor):
		t.Fatal("poll loop did not accept tick")
	}
}

type reply struct {
	status job.Status
	err    error
}

// fakeBackend answers each Status call from a queue of replies.
type fakeBackend struct {
	mu          sync.Mutex
	statusCalls int
	cancelCalls int
	replies     chan reply
	called      chan struct{}

	cancelStatus job.Status
	cancelErr    error
	// onCancel runs at the start of Cancel.
	onCancel func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{replies: make(chan reply, 8), called: make(chan struct{}, 8)}
}

func (f *fakeBackend) Status(ctx context.Context, _ job.Handle) (job.Status, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	f.called <- struct{}{}
	select {
	case r := <-f.replies:
		return r.status, r.err
	case <-ctx.Done():
		return job.Status{}, ctx.Err()
	}
}

func (f *fakeBackend) Cancel(context.Context, job.Handle) (job.Status, error) {
	if f.onCancel != nil {
		f.onCancel()
	}
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	return f.cancelStatus, f.cancelErr
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeBackend) waitCalled(t *testing.T) {
	t.Helper()
	select {
	case <-f.called:
	case <-time.After(waitFor):
		t.Fatal("status was not requested")
	}
}

type fakeSubmitter struct {
	out job.Outcome
	err error
}

func (f *fakeSubmitter) Submit(context.Context, []byte, []byte, jobgraph.Graph) (job.Outcome, error) {
	return f.out, f.err
}

// recorder keeps every snapshot the tracker publishes.
type recorder struct {
	ch chan Snapshot
}

func newRecorder() *recorder { return &recorder{ch: make(chan Snapshot, 64)} }

func (r *recorder) Notify(s Snapshot) { r.ch <- s }

// waitState drains snapshots until one in state want arrives.
func (r *recorder) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-r.ch:
			if s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
			return Snapshot{}
		}
	}
}

func (r *recorder) waitMessage(t *testing.T, want string) Snapshot {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-r.ch:
			if s.Message == want {
				return s
			}
		case <-deadline:
			t.Fatalf("never saw message %q", want)
			return Snapshot{}
		}
	}
}

func newTestTracker(sub Submitter, b Backend, ts *tickers, rec *recorder) *Tracker {
	return New(sub, b, Options{NewTicker: ts.factory, Notifier: rec})
}

func accepted(h job.Handle) *fakeSubmitter {
	return &fakeSubmitter{out: job.Outcome{Handle: h, Status: job.Queued(0)}}
}

func TestQueuedToCompletedByPolling(t *testing.T) {
	backend := newFakeBackend()
	ts := newTickers()
	rec := newRecorder()
	tr := newTestTracker(accepted("job-1"), backend, ts, rec)
	defer tr.Close()

	if err := tr.Submit(context.Background(), []byte("p"), []byte("c")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := tr.Snapshot()
	if snap.State != StateQueued || snap.Handle != "job-1" || !snap.Loading {
		t.Fatalf("after submit: %+v", snap)
	}
	ft := ts.next(t)

	running := job.Running(0)
	running.ExecutionTimeMS = 500
	backend.replies <- reply{status: running}
	tick(t, ft)
	s := rec.waitState(t, StateRunning)
	if s.Message != "Job in progress... (Execution time: 500ms)" {
		t.Errorf("running message = %q", s.Message)
	}

	art, _ := job.DecodeInline("base64", "AAAA")
	backend.replies <- reply{status: job.Completed(art)}
	tick(t, ft)
	s = rec.waitState(t, StateCompleted)
	if len(s.Artifacts) != 1 || s.Loading || s.Handle != "" {
		t.Errorf("completed snapshot = %+v", s)
	}
	if !ft.isStopped() {
		t.Error("ticker still running after completion")
	}
	if ts.active() != 0 {
		t.Errorf("active tickers = %d", ts.active())
	}
	if n := backend.calls(); n != 2 {
		t.Errorf("status calls = %d, want 2", n)
	}
}

func TestImmediateCompletionWithoutImages(t *testing.T) {
	sub := &fakeSubmitter{out: job.Outcome{Status: job.Completed()}}
	ts := newTickers()
	rec := newRecorder()
	tr := newTestTracker(sub, newFakeBackend(), ts, rec)
	defer tr.Close()

	if err := tr.Submit(context.Background(), []byte("p"), []byte("c")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s := tr.Snapshot()
	if s.State != StateCompleted || len(s.Artifacts) != 0 || s.Err != nil {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Summary != job.SummaryNoDisplayableOutput || s.Message == "" {
		t.Errorf("summary = %v %q", s.Summary, s.Message)
	}
	if len(ts.all) != 0 {
		t.Error("no ticker should be created for a synchronous result")
	}
}

func TestSubmissionErrorReturnsToIdle(t *testing.T) {
	cause := &job.SubmissionError{Err: &job.HTTPStatusError{Code: 500, Status: "500 Internal Server Error", Body: "boom"}}
	tr := newTestTracker(&fakeSubmitter{err: cause}, newFakeBackend(), newTickers(), newRecorder())
	defer tr.Close()

	err := tr.Submit(context.Background(), []byte("p"), []byte("c"))
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}
	s := tr.Snapshot()
	if s.State != StateIdle || s.Loading || s.Err == nil {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Message != "Error: "+cause.Error() {
		t.Errorf("message = %q", s.Message)
	}
}

func TestFailedPollKeepsPolling(t *testing.T) {
	backend := newFakeBackend()
	ts := newTickers()
	rec := newRecorder()
	tr := newTestTracker(accepted("job-1"), backend, ts, rec)
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	ft := ts.next(t)

	backend.replies <- reply{err: &job.HTTPStatusError{Code: 502, Status: "502 Bad Gateway"}}
	tick(t, ft)
	backend.waitCalled(t)

	backend.replies <- reply{status: job.Failed("out of memory")}
	tick(t, ft)
	s := rec.waitState(t, StateFailed)
	if s.Message != "out of memory\n\nStatus: FAILED." {
		t.Errorf("message = %q", s.Message)
	}
	if !ft.isStopped() {
		t.Error("ticker not stopped")
	}
}

func TestTickDuringPollIsSkipped(t *testing.T) {
	backend := newFakeBackend()
	ts := newTickers()
	tr := newTestTracker(accepted("job-1"), backend, ts, newRecorder())
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	ft := ts.next(t)

	tick(t, ft)
	backend.waitCalled(t)
	// The first poll has not been answered yet.
	tick(t, ft)
	tick(t, ft)
	if n := backend.calls(); n != 1 {
		t.Fatalf("overlapping polls: %d", n)
	}

	backend.replies <- reply{status: job.Running(10)}
	deadline := time.Now().Add(waitFor)
	for tr.Snapshot().State != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	tick(t, ft)
	backend.waitCalled(t)
	if n := backend.calls(); n != 2 {
		t.Errorf("status calls = %d, want 2", n)
	}
}

func TestResubmitStopsOldTicker(t *testing.T) {
	backend := newFakeBackend()
	ts := newTickers()
	sub := accepted("job-1")
	tr := newTestTracker(sub, backend, ts, newRecorder())
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	first := ts.next(t)

	sub.out.Handle = "job-2"
	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	second := ts.next(t)

	if !first.isStopped() {
		t.Error("previous ticker leaked")
	}
	if second.isStopped() {
		t.Error("new ticker stopped")
	}
	if ts.active() != 1 {
		t.Errorf("active tickers = %d, want 1", ts.active())
	}
	if h := tr.Snapshot().Handle; h != "job-2" {
		t.Errorf("handle = %q", h)
	}
}

func TestCancelStopsTickerBeforeCall(t *testing.T) {
	backend := newFakeBackend()
	ts := newTickers()
	rec := newRecorder()
	tr := newTestTracker(accepted("job-1"), backend, ts, rec)
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	ft := ts.next(t)
	backend.replies <- reply{status: job.Running(40)}
	tick(t, ft)
	rec.waitState(t, StateRunning)

	stoppedFirst := false
	backend.onCancel = func() { stoppedFirst = ft.isStopped() }
	backend.cancelStatus = job.Cancelled()

	if err := tr.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !stoppedFirst {
		t.Error("ticker must stop before the cancel call")
	}
	s := tr.Snapshot()
	if s.State != StateCancelled || s.Loading || s.Handle != "" {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Summary != job.SummaryJobCancelled {
		t.Errorf("summary = %v", s.Summary)
	}
}

func TestCancelReportsCompletedWhenJobFinished(t *testing.T) {
	backend := newFakeBackend()
	backend.cancelStatus = job.Completed(job.ArtifactRef{Data: []byte{1}, MIME: "image/png"})
	ts := newTickers()
	tr := newTestTracker(accepted("job-1"), backend, ts, newRecorder())
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	_ = tr.Cancel(context.Background())

	s := tr.Snapshot()
	if s.State != StateCompleted || len(s.Artifacts) != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCancelNonTerminalAnswerIsCancelled(t *testing.T) {
	backend := newFakeBackend()
	backend.cancelStatus = job.Running(0)
	tr := newTestTracker(accepted("job-1"), backend, newTickers(), newRecorder())
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	_ = tr.Cancel(context.Background())

	s := tr.Snapshot()
	if s.State != StateCancelled || s.Loading {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Message != "Job failed or was cancelled\n\nStatus: IN_PROGRESS." {
		t.Errorf("message = %q", s.Message)
	}
}

func TestCancelNetworkErrorClearsLoading(t *testing.T) {
	backend := newFakeBackend()
	backend.cancelErr = errors.New("connection reset")
	ts := newTickers()
	tr := newTestTracker(accepted("job-1"), backend, ts, newRecorder())
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	ft := ts.next(t)

	err := tr.Cancel(context.Background())
	if !job.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	s := tr.Snapshot()
	if s.Loading || s.Handle != "" {
		t.Errorf("stuck after failed cancel: %+v", s)
	}
	if s.Message != "Error cancelling job: connection reset" {
		t.Errorf("message = %q", s.Message)
	}
	if !ft.isStopped() {
		t.Error("ticker still running")
	}
}

func TestCancelWithoutJobIsNoop(t *testing.T) {
	backend := newFakeBackend()
	tr := newTestTracker(accepted("job-1"), backend, newTickers(), newRecorder())
	defer tr.Close()

	if err := tr.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if backend.cancelCalls != 0 {
		t.Error("cancel must not reach the endpoint without a job")
	}
	if s := tr.Snapshot(); s.State != StateIdle {
		t.Errorf("state = %s", s.State)
	}
}

func TestNoPollsAfterTerminal(t *testing.T) {
	backend := newFakeBackend()
	ts := newTickers()
	rec := newRecorder()
	tr := newTestTracker(accepted("job-1"), backend, ts, rec)
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	ft := ts.next(t)
	backend.replies <- reply{status: job.Cancelled()}
	tick(t, ft)
	rec.waitState(t, StateCancelled)

	tr.loops.Wait()
	select {
	case ft.c <- time.Now():
		t.Fatal("tick accepted after terminal status")
	case <-time.After(20 * time.Millisecond):
	}
	if n := backend.calls(); n != 1 {
		t.Errorf("status calls = %d", n)
	}
}

func TestCloseStopsCallbacks(t *testing.T) {
	backend := newFakeBackend()
	ts := newTickers()
	rec := newRecorder()
	tr := newTestTracker(accepted("job-1"), backend, ts, rec)

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	ft := ts.next(t)
	tick(t, ft)
	backend.waitCalled(t)

	tr.Close()
	if !ft.isStopped() {
		t.Error("ticker not stopped on close")
	}
	for len(rec.ch) > 0 {
		<-rec.ch
	}
	backend.replies <- reply{status: job.Completed()}
	time.Sleep(20 * time.Millisecond)
	if len(rec.ch) != 0 {
		t.Error("notification after Close")
	}
	if err := tr.Submit(context.Background(), []byte("p"), []byte("c")); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close = %v", err)
	}
}

// fakeStreamer hands out a channel the test feeds directly.
type fakeStreamer struct {
	ch  chan job.Status
	err error
}

func (f *fakeStreamer) Watch(context.Context, job.Handle) (<-chan job.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

func TestStreamUpdates(t *testing.T) {
	stream := &fakeStreamer{ch: make(chan job.Status)}
	ts := newTickers()
	rec := newRecorder()
	tr := New(accepted("p-1"), newFakeBackend(), Options{
		Transport: TransportStream,
		Streamer:  stream,
		NewTicker: ts.factory,
		Notifier:  rec,
	})
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	stream.ch <- job.Running(50)
	s := rec.waitState(t, StateRunning)
	if s.Message != "Job in progress... (50%)" {
		t.Errorf("message = %q", s.Message)
	}
	stream.ch <- job.Completed(job.ArtifactRef{Filename: "out.png", Type: "output"})
	s = rec.waitState(t, StateCompleted)
	if len(s.Artifacts) != 1 {
		t.Errorf("artifacts = %d", len(s.Artifacts))
	}
	if len(ts.all) != 0 {
		t.Error("streaming must not start a poll ticker")
	}
}

func TestStreamFallsBackToPolling(t *testing.T) {
	stream := &fakeStreamer{ch: make(chan job.Status)}
	backend := newFakeBackend()
	ts := newTickers()
	rec := newRecorder()
	tr := New(accepted("p-1"), backend, Options{
		Transport: TransportStream,
		Streamer:  stream,
		NewTicker: ts.factory,
		Notifier:  rec,
	})
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	close(stream.ch)
	ft := ts.next(t)

	backend.replies <- reply{status: job.Failed("node error")}
	tick(t, ft)
	rec.waitState(t, StateFailed)
}

func TestStreamUnavailableFallsBackToPolling(t *testing.T) {
	stream := &fakeStreamer{err: errors.New("dial refused")}
	ts := newTickers()
	tr := New(accepted("p-1"), newFakeBackend(), Options{
		Transport: TransportStream,
		Streamer:  stream,
		NewTicker: ts.factory,
	})
	defer tr.Close()

	_ = tr.Submit(context.Background(), []byte("p"), []byte("c"))
	if ft := ts.next(t); ft.isStopped() {
		t.Error("fallback ticker stopped")
	}
}
