package comfy

import (
	"encoding/json"
	"fmt"
)

// Event types sent on the /ws socket.
const (
	typeStatus               = "status"
	typeExecutionStart       = "execution_start"
	typeExecutionCached      = "execution_cached"
	typeExecuting            = "executing"
	typeProgress             = "progress"
	typeExecuted             = "executed"
	typeExecutionSuccess     = "execution_success"
	typeExecutionError       = "execution_error"
	typeExecutionInterrupted = "execution_interrupted"
)

type event struct {
	Type string    `json:"type"`
	Data eventData `json:"data"`
}

// eventData is the union of the fields of every event type.
type eventData struct {
	PromptID string `json:"prompt_id"`
	// Node is null on the final "executing" event of a prompt.
	Node *string `json:"node"`

	Value int `json:"value"`
	Max   int `json:"max"`

	Output *nodeOutput `json:"output"`

	NodeID           string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`

	Status *struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

func (d eventData) errorDetails() []string {
	var details []string
	if d.NodeType != "" || d.NodeID != "" {
		details = append(details, fmt.Sprintf("Node %s (%s)", d.NodeID, d.NodeType))
	}
	if d.ExceptionType != "" {
		details = append(details, d.ExceptionType)
	}
	return details
}

func decodeEvent(data []byte) (event, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event{}, fmt.Errorf("comfy: decode event: %w", err)
	}
	return ev, nil
}

// progressPercent converts a sampler step counter to a percentage.
func (d eventData) progressPercent() int {
	if d.Max <= 0 {
		return 0
	}
	p := d.Value * 100 / d.Max
	if p > 100 {
		p = 100
	}
	return p
}
