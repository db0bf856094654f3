package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tryon-relay/src/job"
	"tryon-relay/src/screenshot"
)

// DefaultSettleDelay lets the display repaint after the affordance is removed
// so it does not end up in the capture.
const DefaultSettleDelay = 100 * time.Millisecond

// Rasterizer renders a screen region as an encoded image.
type Rasterizer interface {
	Rasterize(ctx context.Context, region screenshot.Region) ([]byte, error)
}

// Surface is the capture side of the relay.
type Surface struct {
	name       string
	d          *Dispatcher
	selector   Selector
	rasterizer Rasterizer
	settle     time.Duration
	logger     zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

type SurfaceOption func(*Surface)

func WithSettleDelay(d time.Duration) SurfaceOption {
	return func(s *Surface) { s.settle = d }
}

func WithSurfaceLogger(l zerolog.Logger) SurfaceOption {
	return func(s *Surface) { s.logger = l }
}

// NewSurface registers name as the active capture surface.
func NewSurface(d *Dispatcher, name string, selector Selector, rasterizer Rasterizer, opts ...SurfaceOption) (*Surface, error) {
	inbox, err := d.Register(name, RoleSurface, 4)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Surface{
		name:       name,
		d:          d,
		selector:   selector,
		rasterizer: rasterizer,
		settle:     DefaultSettleDelay,
		logger:     zerolog.Nop(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "surface").Str("endpoint", name).Logger()
	go s.loop(inbox)
	return s, nil
}

// Close aborts a session in progress, deregisters and waits for the loop.
func (s *Surface) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.d.Unregister(s.name)
	})
	<-s.done
}

func (s *Surface) loop(inbox <-chan Envelope) {
	defer close(s.done)
	for env := range inbox {
		switch env.Message.(type) {
		case BeginCaptureSession:
			s.capture(env.From)
		default:
			s.logger.Debug().Str("type", env.Message.Type()).Msg("ignoring message")
		}
	}
}

func (s *Surface) capture(requester string) {
	region, err := s.selector.Select(s.ctx)
	if err != nil {
		if errors.Is(err, ErrSelectionAbandoned) {
			s.logger.Info().Str("requester", requester).Msg("selection abandoned")
		} else {
			s.logger.Warn().Err(err).Msg("selection failed")
		}
		return
	}

	select {
	case <-time.After(s.settle):
	case <-s.ctx.Done():
		return
	}

	data, err := s.rasterizer.Rasterize(s.ctx, region)
	if err != nil {
		cerr := &job.CaptureUnavailableError{Err: err}
		s.logger.Error().Err(cerr).Stringer("region", region).Msg("capture failed")
		return
	}
	s.logger.Info().Stringer("region", region).Int("bytes", len(data)).Msg("region captured")

	if err := s.d.Send(Envelope{From: s.name, Message: CaptureReady{DataURL: job.EncodeDataURL(data)}}); err != nil {
		s.logger.Warn().Err(err).Msg("capture not delivered")
	}
}
