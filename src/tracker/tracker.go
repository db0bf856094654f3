// Package tracker owns the lifecycle of a submitted job: it drives status
// polling or a push stream until the job reaches a terminal state, and
// handles user cancellation.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tryon-relay/src/job"
	"tryon-relay/src/jobgraph"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 3 * time.Second

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("tracker closed")
	// ErrSuperseded is returned by Submit when a newer submission or Close
	// took over before the endpoint answered.
	ErrSuperseded = errors.New("submission superseded")
)

// Submitter dispatches a new job.
type Submitter interface {
	Submit(ctx context.Context, person, cloth []byte, template jobgraph.Graph) (job.Outcome, error)
}

// Backend answers status and cancel calls for a tracked handle.
type Backend interface {
	Status(ctx context.Context, h job.Handle) (job.Status, error)
	Cancel(ctx context.Context, h job.Handle) (job.Status, error)
}

// Streamer pushes status updates for a handle. The channel is closed when
// the subscription ends.
type Streamer interface {
	Watch(ctx context.Context, h job.Handle) (<-chan job.Status, error)
}

// Transport selects how a tracked job is followed.
type Transport int

const (
	TransportPoll Transport = iota
	TransportStream
)

// Options configures a Tracker.
type Options struct {
	Template  jobgraph.Graph
	Interval  time.Duration
	Transport Transport
	// Streamer is required for TransportStream.
	Streamer  Streamer
	Notifier  Notifier
	Logger    *zerolog.Logger
	NewTicker TickerFunc
}

// Tracker is the job state machine. All methods are safe for concurrent use.
type Tracker struct {
	submitter Submitter
	backend   Backend
	streamer  Streamer
	template  jobgraph.Graph
	interval  time.Duration
	transport Transport
	newTicker TickerFunc
	notifier  Notifier
	logger    zerolog.Logger

	mu     sync.Mutex
	snap   Snapshot
	gen    uint64
	watch  *watch
	closed bool
	loops  sync.WaitGroup
}

// watch is the single polling timer or stream subscription of one job.
type watch struct {
	handle   job.Handle
	ctx      context.Context
	cancel   context.CancelFunc
	ticker   Ticker
	stopOnce sync.Once
}

func (w *watch) stop() {
	w.stopOnce.Do(func() {
		if w.ticker != nil {
			w.ticker.Stop()
		}
		w.cancel()
	})
}

// New creates an idle tracker.
func New(submitter Submitter, backend Backend, opts Options) *Tracker {
	t := &Tracker{
		submitter: submitter,
		backend:   backend,
		streamer:  opts.Streamer,
		template:  opts.Template,
		interval:  opts.Interval,
		transport: opts.Transport,
		newTicker: opts.NewTicker,
		notifier:  opts.Notifier,
		logger:    zerolog.Nop(),
		snap:      Snapshot{State: StateIdle, Message: "Ready to generate!"},
	}
	if t.template == nil {
		t.template = jobgraph.Default()
	}
	if t.interval <= 0 {
		t.interval = DefaultInterval
	}
	if t.newTicker == nil {
		t.newTicker = newRealTicker
	}
	if opts.Logger != nil {
		t.logger = *opts.Logger
	}
	t.logger = t.logger.With().Str("component", "tracker").Logger()
	return t
}

// Snapshot returns the current view.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.clone()
}

// Submit resets the tracker, dispatches a new job and takes ownership of its
// handle. Any previous watch is stopped before the new one starts.
func (t *Tracker) Submit(ctx context.Context, person, cloth []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.stopWatchLocked()
	t.gen++
	gen := t.gen
	t.snap = Snapshot{State: StateSubmitting, Loading: true, Message: "Preparing images and workflow..."}
	t.notifyLocked()
	t.mu.Unlock()

	out, err := t.submitter.Submit(ctx, person, cloth, t.template)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.gen != gen {
		return ErrSuperseded
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("submission failed")
		t.snap = Snapshot{State: StateIdle, Message: "Error: " + err.Error(), Err: err}
		t.notifyLocked()
		return err
	}
	if !out.Accepted() {
		t.finishLocked(out.Status)
		return nil
	}
	t.startWatchLocked(out.Handle, out.Status)
	return nil
}

// Cancel aborts the tracked job. Without a tracked, non-terminal handle it
// is a no-op. The watch is stopped before the cancel call is issued, and
// the endpoint's answer goes through the normal completion path.
func (t *Tracker) Cancel(ctx context.Context) error {
	t.mu.Lock()
	w := t.watch
	if w == nil || t.closed {
		t.mu.Unlock()
		return nil
	}
	gen := t.gen
	t.stopWatchLocked()
	t.snap.State = StateCancelled
	t.snap.Message = "Attempting to cancel job..."
	t.notifyLocked()
	t.mu.Unlock()

	st, err := t.backend.Cancel(ctx, w.handle)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.gen != gen {
		return nil
	}
	if err != nil {
		terr := &job.TransientError{Op: "cancel job", Err: err}
		t.logger.Error().Err(err).Str("handle", string(w.handle)).Msg("cancel request failed")
		t.snap.State = StateCancelled
		t.snap.Handle = ""
		t.snap.Loading = false
		t.snap.Message = "Error cancelling job: " + err.Error()
		t.snap.Err = terr
		t.notifyLocked()
		return terr
	}
	if !st.Terminal() {
		st = job.Status{Kind: job.KindCancelled, Raw: st.Raw, Error: st.Error, Details: st.Details}
	}
	t.finishLocked(st)
	return nil
}

// Close stops any watch and waits for its goroutine. No notification is
// delivered after Close returns.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.stopWatchLocked()
	t.mu.Unlock()
	t.loops.Wait()
}

func (t *Tracker) startWatchLocked(h job.Handle, st job.Status) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{handle: h, ctx: ctx, cancel: cancel}
	t.watch = w
	t.snap.Handle = h
	t.progressLocked(st)

	if t.transport == TransportStream && t.streamer != nil {
		t.loops.Add(1)
		go t.streamLoop(w)
		return
	}
	t.startPollingLocked(w)
}

func (t *Tracker) startPollingLocked(w *watch) {
	w.ticker = t.newTicker(t.interval)
	t.loops.Add(1)
	go t.pollLoop(w)
}

func (t *Tracker) stopWatchLocked() {
	if t.watch != nil {
		t.watch.stop()
		t.watch = nil
	}
}

type pollResult struct {
	status job.Status
	err    error
}

// pollLoop checks the job's status on every tick. A tick that arrives while
// the previous poll is still in flight is skipped.
func (t *Tracker) pollLoop(w *watch) {
	defer t.loops.Done()
	results := make(chan pollResult, 1)
	inFlight := false
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.ticker.C():
			if inFlight {
				t.logger.Debug().Str("handle", string(w.handle)).Msg("poll still in flight, skipping tick")
				continue
			}
			inFlight = true
			go func() {
				st, err := t.backend.Status(w.ctx, w.handle)
				results <- pollResult{status: st, err: err}
			}()
		case r := <-results:
			inFlight = false
			if r.err != nil {
				if w.ctx.Err() == nil {
					err := &job.TransientError{Op: "poll status", Err: r.err}
					t.logger.Warn().Err(err).Str("handle", string(w.handle)).Msg("polling failed, will retry")
				}
				continue
			}
			t.apply(w, r.status)
		}
	}
}

// streamLoop applies pushed updates. If the stream ends before a terminal
// status, the job is followed by polling instead.
func (t *Tracker) streamLoop(w *watch) {
	defer t.loops.Done()
	updates, err := t.streamer.Watch(w.ctx, w.handle)
	if err != nil {
		t.logger.Warn().Err(err).Str("handle", string(w.handle)).Msg("stream unavailable, falling back to polling")
		t.fallbackToPolling(w)
		return
	}
	for {
		select {
		case <-w.ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				if w.ctx.Err() != nil {
					return
				}
				t.logger.Warn().Str("handle", string(w.handle)).Msg("stream closed before job finished, falling back to polling")
				t.fallbackToPolling(w)
				return
			}
			t.apply(w, st)
		}
	}
}

func (t *Tracker) fallbackToPolling(w *watch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watch != w {
		return
	}
	t.startPollingLocked(w)
}

// apply records a status for w unless w has been replaced or stopped.
func (t *Tracker) apply(w *watch, st job.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watch != w {
		return
	}
	if st.Terminal() {
		t.finishLocked(st)
		return
	}
	t.progressLocked(st)
}

func (t *Tracker) progressLocked(st job.Status) {
	t.snap.State = stateFor(st.Kind)
	t.snap.Status = st
	t.snap.Loading = true
	t.snap.Message = job.ProgressText(st)
	t.notifyLocked()
}

// finishLocked parks the tracker on a terminal status and releases the watch.
func (t *Tracker) finishLocked(st job.Status) {
	t.stopWatchLocked()
	sum := job.Summarize(st)
	t.snap = Snapshot{
		State:     stateFor(st.Kind),
		Status:    st,
		Message:   sum.Message,
		Artifacts: sum.Images,
		Summary:   sum.Kind,
	}
	t.logger.Info().Stringer("state", t.snap.State).Int("images", len(sum.Images)).Msg("job finished")
	t.notifyLocked()
}

func (t *Tracker) notifyLocked() {
	if t.notifier == nil || t.closed {
		return
	}
	t.notifier.Notify(t.snap.clone())
}
