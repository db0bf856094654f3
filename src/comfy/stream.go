package comfy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"tryon-relay/src/job"
)

// stream is one /ws connection shared by every watch of a client. Frames are
// routed to subscriptions by prompt id.
type stream struct {
	conn   net.Conn
	rw     io.ReadWriter
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*subscription

	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	frames chan event
	done   chan struct{}
}

// connReadWriter reads through the handshake's buffered reader so bytes that
// arrived with the upgrade response are not lost.
type connReadWriter struct {
	io.Reader
	io.Writer
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	return u.String(), nil
}

// connect returns the live event socket, dialing a new one if needed.
func (c *Client) connect(ctx context.Context) (*stream, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.stream != nil && !c.stream.closed() {
		return c.stream, nil
	}
	target, err := c.wsURL()
	if err != nil {
		return nil, fmt.Errorf("comfy: websocket url: %w", err)
	}
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("comfy: websocket dial: %w", err)
	}
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	s := &stream{
		conn:   conn,
		rw:     connReadWriter{Reader: r, Writer: conn},
		logger: c.logger,
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}
	c.stream = s
	go s.readLoop()
	c.logger.Debug().Str("url", target).Msg("event socket connected")
	return s, nil
}

func (s *stream) readLoop() {
	for {
		data, op, err := wsutil.ReadServerData(s.rw)
		if err != nil {
			if !s.closed() {
				s.logger.Warn().Err(err).Msg("event socket read failed")
			}
			_ = s.close()
			return
		}
		// Binary frames carry sampler previews.
		if op != ws.OpText {
			continue
		}
		ev, err := decodeEvent(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("invalid event frame")
			continue
		}
		if ev.Data.PromptID == "" {
			if ev.Type == typeStatus && ev.Data.Status != nil {
				s.logger.Debug().Int("queue_remaining", ev.Data.Status.ExecInfo.QueueRemaining).Msg("queue status")
			}
			continue
		}
		s.mu.Lock()
		sub := s.subs[ev.Data.PromptID]
		s.mu.Unlock()
		if sub == nil {
			continue
		}
		select {
		case sub.frames <- ev:
		case <-sub.done:
		case <-s.done:
			return
		}
	}
}

func (s *stream) subscribe(id string) *subscription {
	sub := &subscription{frames: make(chan event, 32), done: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.subs[id]; ok {
		close(old.done)
	}
	s.subs[id] = sub
	s.mu.Unlock()
	return sub
}

func (s *stream) unsubscribe(id string, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[id] == sub {
		delete(s.subs, id)
		close(sub.done)
	}
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Watch follows a prompt over the event socket. The channel closes after a
// terminal status, when ctx ends, or when the socket drops.
func (c *Client) Watch(ctx context.Context, h job.Handle) (<-chan job.Status, error) {
	s, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	sub := s.subscribe(string(h))
	out := make(chan job.Status)
	go c.follow(ctx, s, sub, h, out)
	return out, nil
}

func (c *Client) follow(ctx context.Context, s *stream, sub *subscription, h job.Handle, out chan<- job.Status) {
	defer close(out)
	defer s.unsubscribe(string(h), sub)

	send := func(st job.Status) bool {
		select {
		case out <- st:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Events sent before the subscription existed are gone; history covers
	// a prompt that already finished.
	if st, err := c.Status(ctx, h); err == nil && st.Terminal() {
		send(st)
		return
	}

	var refs []imageRef
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-sub.done:
			return
		case ev := <-sub.frames:
			switch ev.Type {
			case typeExecutionStart:
				if !send(job.Running(0)) {
					return
				}
			case typeProgress:
				if !send(job.Running(ev.Data.progressPercent())) {
					return
				}
			case typeExecuted:
				node := ""
				if ev.Data.Node != nil {
					node = *ev.Data.Node
				}
				if ev.Data.Output != nil && (c.outputNode == "" || node == c.outputNode) {
					refs = append(refs, ev.Data.Output.Images...)
				}
			case typeExecuting:
				if ev.Data.Node != nil {
					continue
				}
				send(c.finished(ctx, h, refs))
				return
			case typeExecutionSuccess:
				send(c.finished(ctx, h, refs))
				return
			case typeExecutionError:
				st := job.Failed(ev.Data.ExceptionMessage)
				st.Raw = "error"
				st.Details = ev.Data.errorDetails()
				send(st)
				return
			case typeExecutionInterrupted:
				st := job.Cancelled()
				st.Raw = "interrupted"
				send(st)
				return
			case typeExecutionCached:
			default:
				c.logger.Debug().Str("type", ev.Type).Msg("ignoring event")
			}
		}
	}
}

// finished builds the completed status, preferring history, which lists
// outputs of nodes that ran before the subscription started.
func (c *Client) finished(ctx context.Context, h job.Handle, refs []imageRef) job.Status {
	if st, err := c.Status(ctx, h); err == nil && st.Terminal() {
		return st
	}
	st := c.completed(refs)
	st.Raw = "success"
	c.resolve(ctx, &st)
	return st
}
