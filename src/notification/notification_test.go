package notification

import (
	"bytes"
	"strings"
	"testing"

	"tryon-relay/src/panel"
	"tryon-relay/src/tracker"
)

func TestConsoleSkipsRepeats(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Render(panel.Frame{State: tracker.StateQueued, Message: "Job queued... (Position: 2)"})
	c.Render(panel.Frame{State: tracker.StateQueued, Message: "Job queued... (Position: 2)", HasPerson: true})
	c.Render(panel.Frame{State: tracker.StateRunning, Message: "Job in progress..."})
	c.Render(panel.Frame{})

	want := "[queued] Job queued... (Position: 2)\n[running] Job in progress...\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestLine(t *testing.T) {
	long := strings.Repeat("x", 250)
	tests := []struct {
		name string
		fr   panel.Frame
		want string
	}{
		{"idle", panel.Frame{Message: "Ready to generate!"}, "Ready to generate!"},
		{"capturing", panel.Frame{State: tracker.StateCompleted, Capturing: true, Message: "Select"}, "Select"},
		{"failed", panel.Frame{State: tracker.StateFailed, Message: "Job failed: oom"}, "[failed] Job failed: oom"},
		{"truncated", panel.Frame{Message: long}, strings.Repeat("x", 200) + "..."},
	}
	for _, tt := range tests {
		if got := Line(tt.fr); got != tt.want {
			t.Errorf("%s: Line = %q, want %q", tt.name, got, tt.want)
		}
	}
}
