// Package panel is the controller behind the try-on screen: two input slots,
// generate and stop actions, and the status text shown to the user.
package panel

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"tryon-relay/src/job"
	"tryon-relay/src/relay"
	"tryon-relay/src/tracker"
)

// MissingInputMessage is shown when Generate runs with an empty slot.
const MissingInputMessage = "Please upload both a person and a clothing image."

var ErrMissingInput = errors.New("both a person and a clothing image are required")

// Runner is the job side the panel drives.
type Runner interface {
	Submit(ctx context.Context, person, cloth []byte) error
	Cancel(ctx context.Context) error
	Snapshot() tracker.Snapshot
}

// Frame is everything the view renders.
type Frame struct {
	State     tracker.State
	Message   string
	Loading   bool
	Artifacts []job.ArtifactRef
	HasPerson bool
	HasCloth  bool
	Capturing bool
	Err       error
}

// View renders frames. Render is called from several goroutines, one frame
// at a time, and must not call back into the Panel.
type View interface {
	Render(Frame)
}

type ViewFunc func(Frame)

func (f ViewFunc) Render(fr Frame) { f(fr) }

type Panel struct {
	view   View
	logger zerolog.Logger

	mu        sync.Mutex
	runner    Runner
	requester *relay.Requester
	person    []byte
	cloth     []byte
	frame     Frame
	renderMu  sync.Mutex
}

type Option func(*Panel)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Panel) { p.logger = l }
}

func New(view View, opts ...Option) *Panel {
	p := &Panel{
		view:   view,
		logger: zerolog.Nop(),
		frame:  Frame{Message: "Ready to generate!"},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "panel").Logger()
	return p
}

// Attach connects the job runner. The runner's notifier should be the panel.
func (p *Panel) Attach(r Runner) {
	p.mu.Lock()
	p.runner = r
	p.mu.Unlock()
}

// ConnectRelay registers the panel as a capture requester named name.
func (p *Panel) ConnectRelay(d *relay.Dispatcher, name string) error {
	req, err := relay.NewRequester(d, name, p, relay.WithRequesterLogger(p.logger))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.requester = req
	p.mu.Unlock()
	return nil
}

// SetInput fills a slot. An empty image clears it.
func (p *Panel) SetInput(target relay.Target, image []byte) {
	p.mu.Lock()
	switch target {
	case relay.TargetPerson:
		p.person = image
	case relay.TargetCloth:
		p.cloth = image
	}
	p.frame.Capturing = false
	fr := p.frameLocked()
	p.mu.Unlock()
	p.logger.Debug().Stringer("target", target).Int("bytes", len(image)).Msg("input set")
	p.render(fr)
}

// Deliver receives captures from the relay.
func (p *Panel) Deliver(target relay.Target, image []byte) {
	p.SetInput(target, image)
}

// Input returns the image in a slot.
func (p *Panel) Input(target relay.Target) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target == relay.TargetPerson {
		return p.person
	}
	return p.cloth
}

// Capture asks the capture surface for a region for target.
func (p *Panel) Capture(target relay.Target) error {
	p.mu.Lock()
	req := p.requester
	p.mu.Unlock()
	if req == nil {
		return relay.ErrNoSurface
	}
	if err := req.StartCapture(target); err != nil {
		p.setMessage("Capture unavailable: "+err.Error(), false)
		return err
	}
	p.mu.Lock()
	p.frame.Capturing = true
	p.frame.Message = "Select an area of the screen for the " + target.String() + " image."
	fr := p.frameLocked()
	p.mu.Unlock()
	p.render(fr)
	return nil
}

// Generate submits both slots. With a slot empty it only updates the message.
func (p *Panel) Generate(ctx context.Context) error {
	p.mu.Lock()
	runner := p.runner
	person, cloth := p.person, p.cloth
	p.mu.Unlock()

	if len(person) == 0 || len(cloth) == 0 {
		p.setMessage(MissingInputMessage, false)
		return ErrMissingInput
	}
	if runner == nil {
		return errors.New("panel: no job runner attached")
	}
	return runner.Submit(ctx, person, cloth)
}

// Stop cancels the running job, if any.
func (p *Panel) Stop(ctx context.Context) error {
	p.mu.Lock()
	runner := p.runner
	p.mu.Unlock()
	if runner == nil {
		return nil
	}
	return runner.Cancel(ctx)
}

// Notify receives tracker snapshots.
func (p *Panel) Notify(s tracker.Snapshot) {
	p.mu.Lock()
	p.frame.State = s.State
	p.frame.Message = s.Message
	p.frame.Loading = s.Loading
	p.frame.Artifacts = s.Artifacts
	p.frame.Err = s.Err
	fr := p.frameLocked()
	p.mu.Unlock()
	p.render(fr)
}

// Frame returns the last rendered state.
func (p *Panel) Frame() Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameLocked()
}

// Close deregisters from the relay. No capture is delivered afterwards.
func (p *Panel) Close() {
	p.mu.Lock()
	req := p.requester
	p.requester = nil
	p.mu.Unlock()
	if req != nil {
		req.Close()
	}
}

func (p *Panel) setMessage(msg string, loading bool) {
	p.mu.Lock()
	p.frame.Message = msg
	p.frame.Loading = loading
	fr := p.frameLocked()
	p.mu.Unlock()
	p.render(fr)
}

func (p *Panel) frameLocked() Frame {
	fr := p.frame
	fr.HasPerson = len(p.person) > 0
	fr.HasCloth = len(p.cloth) > 0
	if fr.Artifacts != nil {
		fr.Artifacts = append([]job.ArtifactRef(nil), fr.Artifacts...)
	}
	return fr
}

func (p *Panel) render(fr Frame) {
	if p.view == nil {
		return
	}
	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	p.view.Render(fr)
}
