// Package notification prints panel status changes to a terminal.
package notification

import (
	"fmt"
	"io"
	"sync"

	"tryon-relay/src/panel"
	"tryon-relay/src/tracker"
)

const maxMessageLen = 200

// Console is a panel.View that writes one line per distinct status message.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Render(fr panel.Frame) {
	line := Line(fr)
	c.mu.Lock()
	defer c.mu.Unlock()
	if line == "" || line == c.last {
		return
	}
	c.last = line
	fmt.Fprintln(c.out, line)
}

// Line formats a frame as a status line, truncating long messages.
func Line(fr panel.Frame) string {
	msg := fr.Message
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	if msg == "" {
		return ""
	}
	if fr.State == tracker.StateIdle || fr.Capturing {
		return msg
	}
	return fmt.Sprintf("[%s] %s", fr.State, msg)
}
