package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tryon-relay/src/job"
)

// Target is the input slot a capture is meant for.
type Target int

const (
	TargetPerson Target = iota
	TargetCloth
)

func (t Target) String() string {
	switch t {
	case TargetPerson:
		return "person"
	case TargetCloth:
		return "cloth"
	default:
		return "unknown"
	}
}

// ParseTarget accepts "person" or "cloth".
func ParseTarget(s string) (Target, error) {
	switch s {
	case "person":
		return TargetPerson, nil
	case "cloth", "clothing":
		return TargetCloth, nil
	default:
		return 0, fmt.Errorf("unknown capture target %q", s)
	}
}

// CaptureSession is the requester's single pending capture.
type CaptureSession struct {
	Target  Target
	Started time.Time
}

// Sink receives a consumed capture.
type Sink interface {
	Deliver(target Target, image []byte)
}

type SinkFunc func(Target, []byte)

func (f SinkFunc) Deliver(t Target, image []byte) { f(t, image) }

// Requester is the UI side of the relay. It holds at most one pending
// session; starting another replaces it.
type Requester struct {
	name   string
	d      *Dispatcher
	sink   Sink
	logger zerolog.Logger

	mu      sync.Mutex
	session *CaptureSession

	closeOnce sync.Once
	done      chan struct{}
}

type RequesterOption func(*Requester)

func WithRequesterLogger(l zerolog.Logger) RequesterOption {
	return func(r *Requester) { r.logger = l }
}

// NewRequester registers name with d and starts its message loop.
func NewRequester(d *Dispatcher, name string, sink Sink, opts ...RequesterOption) (*Requester, error) {
	inbox, err := d.Register(name, RoleRequester, 8)
	if err != nil {
		return nil, err
	}
	r := &Requester{
		name:   name,
		d:      d,
		sink:   sink,
		logger: zerolog.Nop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "requester").Str("endpoint", name).Logger()
	go r.loop(inbox)
	return r, nil
}

// StartCapture records target as pending and asks for a capture session.
func (r *Requester) StartCapture(target Target) error {
	r.mu.Lock()
	if r.session != nil {
		r.logger.Info().Stringer("previous", r.session.Target).Stringer("target", target).Msg("replacing pending capture")
	}
	session := &CaptureSession{Target: target, Started: time.Now()}
	r.session = session
	r.mu.Unlock()

	if err := r.d.Send(Envelope{From: r.name, Message: StartCapture{}}); err != nil {
		r.mu.Lock()
		if r.session == session {
			r.session = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}
	r.logger.Debug().Stringer("target", target).Msg("capture requested")
	return nil
}

// Pending returns the pending session, if any.
func (r *Requester) Pending() (CaptureSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return CaptureSession{}, false
	}
	return *r.session, true
}

// Close deregisters the requester and waits for its loop. The sink is not
// called after Close returns.
func (r *Requester) Close() {
	r.closeOnce.Do(func() {
		r.d.Unregister(r.name)
	})
	<-r.done
}

func (r *Requester) loop(inbox <-chan Envelope) {
	defer close(r.done)
	for env := range inbox {
		switch m := env.Message.(type) {
		case CaptureReady:
			r.consume(m)
		case CaptureSuperseded:
			r.mu.Lock()
			if r.session != nil {
				r.logger.Info().Stringer("target", r.session.Target).Str("by", env.From).Msg("pending capture superseded")
				r.session = nil
			}
			r.mu.Unlock()
		default:
			r.logger.Debug().Str("type", env.Message.Type()).Msg("ignoring message")
		}
	}
}

func (r *Requester) consume(m CaptureReady) {
	r.mu.Lock()
	session := r.session
	if session == nil {
		r.mu.Unlock()
		r.logger.Debug().Msg("capture arrived without a pending target, ignoring")
		return
	}
	data, mime, err := job.DecodeDataURL(m.DataURL)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn().Err(err).Msg("malformed capture payload")
		return
	}
	r.session = nil
	r.mu.Unlock()

	r.logger.Info().Stringer("target", session.Target).Str("mime", mime).Int("bytes", len(data)).Msg("capture delivered")
	r.sink.Deliver(session.Target, data)
}
