package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoSurface    = errors.New("relay: no capture surface registered")
	ErrShuttingDown = errors.New("relay: dispatcher is shutting down")
)

type endpoint struct {
	ch     chan Envelope
	role   Role
	active bool
}

// Dispatcher routes envelopes between registered endpoints. Sends wait a
// bounded time for a full inbox and never block forever.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	surface   string

	ownerMu sync.Mutex
	owner   string

	sendTimeout      time.Duration
	broadcastTimeout time.Duration
	logger           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithSendTimeout bounds how long a send waits on a full inbox.
func WithSendTimeout(direct, broadcast time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.sendTimeout = direct
		d.broadcastTimeout = broadcast
	}
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoints:        make(map[string]*endpoint),
		sendTimeout:      5 * time.Second,
		broadcastTimeout: time.Second,
		logger:           zerolog.Nop(),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "relay").Logger()
	return d
}

// Register adds an endpoint and returns its inbox. The most recently
// registered surface receives capture sessions.
func (d *Dispatcher) Register(name string, role Role, bufferSize int) (<-chan Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	if _, exists := d.endpoints[name]; exists {
		return nil, fmt.Errorf("relay: endpoint %s already registered", name)
	}
	ch := make(chan Envelope, bufferSize)
	d.endpoints[name] = &endpoint{ch: ch, role: role, active: true}
	if role == RoleSurface {
		d.surface = name
	}
	d.logger.Debug().Str("endpoint", name).Stringer("role", role).Int("buffer", bufferSize).Msg("registered")
	return ch, nil
}

// Unregister removes an endpoint and closes its inbox.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, exists := d.endpoints[name]
	if !exists {
		return
	}
	info.active = false
	close(info.ch)
	delete(d.endpoints, name)
	if d.surface == name {
		d.surface = ""
	}
	d.ownerMu.Lock()
	if d.owner == name {
		d.owner = ""
	}
	d.ownerMu.Unlock()
	d.logger.Debug().Str("endpoint", name).Msg("unregistered")
}

// Send routes env. StartCapture goes to the surface as BeginCaptureSession
// and supersedes any other requester's pending capture; CaptureReady is
// broadcast to every requester; anything else goes to env.To.
func (d *Dispatcher) Send(env Envelope) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	d.logger.Debug().Str("from", env.From).Str("to", env.To).Str("type", env.Message.Type()).Msg("route")

	switch env.Message.(type) {
	case StartCapture:
		if d.surface == "" {
			return ErrNoSurface
		}
		if prev := d.swapOwner(env.From); prev != "" && prev != env.From {
			if err := d.deliver(prev, Envelope{From: env.From, To: prev, Message: CaptureSuperseded{}}, d.broadcastTimeout); err != nil {
				d.logger.Warn().Err(err).Str("endpoint", prev).Msg("superseded notice not delivered")
			}
		}
		return d.deliver(d.surface, Envelope{From: env.From, To: d.surface, Message: BeginCaptureSession{}}, d.sendTimeout)
	case CaptureReady:
		d.swapOwner("")
		return d.broadcast(env, RoleRequester)
	default:
		if env.To == "" {
			return fmt.Errorf("relay: no recipient for %s", env.Message.Type())
		}
		return d.deliver(env.To, env, d.sendTimeout)
	}
}

func (d *Dispatcher) swapOwner(name string) string {
	d.ownerMu.Lock()
	defer d.ownerMu.Unlock()
	prev := d.owner
	d.owner = name
	return prev
}

// deliver must be called with d.mu held for reading.
func (d *Dispatcher) deliver(name string, env Envelope, timeout time.Duration) error {
	info, exists := d.endpoints[name]
	if !exists {
		return fmt.Errorf("relay: endpoint %s not found", name)
	}
	if !info.active {
		return fmt.Errorf("relay: endpoint %s is not active", name)
	}
	select {
	case info.ch <- env:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("relay: timeout sending %s to %s", env.Message.Type(), name)
	case <-d.ctx.Done():
		return ErrShuttingDown
	}
}

func (d *Dispatcher) broadcast(env Envelope, role Role) error {
	var failed []string
	for name, info := range d.endpoints {
		if !info.active || info.role != role || name == env.From {
			continue
		}
		if err := d.deliver(name, Envelope{From: env.From, To: name, Message: env.Message}, d.broadcastTimeout); err != nil {
			if errors.Is(err, ErrShuttingDown) {
				return err
			}
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		d.logger.Warn().Strs("endpoints", failed).Str("type", env.Message.Type()).Msg("broadcast incomplete")
	}
	return nil
}

// Endpoints lists the registered endpoint names.
func (d *Dispatcher) Endpoints() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.endpoints))
	for name := range d.endpoints {
		names = append(names, name)
	}
	return names
}

// Shutdown closes every inbox. Pending sends return ErrShuttingDown.
func (d *Dispatcher) Shutdown() {
	d.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, info := range d.endpoints {
		if info.active {
			info.active = false
			close(info.ch)
		}
		delete(d.endpoints, name)
	}
	d.surface = ""
	d.logger.Debug().Msg("shutdown complete")
}
