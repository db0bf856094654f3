// Package runpod talks to a serverless job endpoint that accepts a workflow
// on /runsync and reports progress on /status/{id}.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tryon-relay/src/job"
	"tryon-relay/src/jobgraph"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("runpod: api key is required")

// Options configures the endpoint client.
type Options struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client performs the submit, poll and cancel calls against one endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

type runRequest struct {
	Input runInput `json:"input"`
}

type runInput struct {
	Workflow jobgraph.Graph `json:"workflow"`
	Images   []runImage     `json:"images"`
}

type runImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

type statusResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	DelayTime     int64           `json:"delayTime"`
	ExecutionTime int64           `json:"executionTime"`
	Error         string          `json:"error"`
	Output        json.RawMessage `json:"output"`
}

type jobOutput struct {
	Images  []outputImage `json:"images"`
	Details []string      `json:"details"`
}

type outputImage struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

// NewClient constructs a client with defaults for anything left unset.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("runpod: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "runpod").Logger(),
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool { return c.apiKey != "" }

// Submit sends the request to /runsync. The endpoint either runs the job to a
// terminal status within its sync window or returns an id to poll.
func (c *Client) Submit(ctx context.Context, req job.Request) (job.Outcome, error) {
	payload := runRequest{Input: runInput{Workflow: req.Template}}
	for _, a := range req.Attachments {
		payload.Input.Images = append(payload.Input.Images, runImage{
			Name:  a.Name,
			Image: job.EncodeDataURL(a.Image),
		})
	}
	resp, err := c.call(ctx, http.MethodPost, "/runsync", payload)
	if err != nil {
		return job.Outcome{}, err
	}
	status, err := resp.toStatus()
	if err != nil {
		return job.Outcome{}, err
	}
	out := job.Outcome{Status: status}
	if !status.Terminal() {
		if resp.ID == "" {
			return job.Outcome{}, fmt.Errorf("runpod: %s response without job id", resp.Status)
		}
		out.Handle = job.Handle(resp.ID)
	}
	c.logger.Debug().Str("id", resp.ID).Str("status", resp.Status).Msg("job submitted")
	return out, nil
}

// Status polls /status/{id}.
func (c *Client) Status(ctx context.Context, h job.Handle) (job.Status, error) {
	resp, err := c.call(ctx, http.MethodGet, "/status/"+string(h), nil)
	if err != nil {
		return job.Status{}, err
	}
	return resp.toStatus()
}

// Cancel posts /cancel/{id}. The returned status is authoritative and may be
// COMPLETED if the job finished before the cancel was processed.
func (c *Client) Cancel(ctx context.Context, h job.Handle) (job.Status, error) {
	resp, err := c.call(ctx, http.MethodPost, "/cancel/"+string(h), nil)
	if err != nil {
		return job.Status{}, err
	}
	return resp.toStatus()
}

func (c *Client) call(ctx context.Context, method, path string, payload any) (*statusResponse, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("runpod: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("runpod: build request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("runpod: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("runpod: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &job.HTTPStatusError{
			Code:   resp.StatusCode,
			Status: resp.Status,
			Body:   strings.TrimSpace(string(raw)),
		}
	}
	var decoded statusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("runpod: decode response: %w", err)
	}
	return &decoded, nil
}

func (r *statusResponse) toStatus() (job.Status, error) {
	var st job.Status
	switch r.Status {
	case "IN_QUEUE":
		st = job.Queued(0)
	case "IN_PROGRESS":
		st = job.Running(0)
		st.ExecutionTimeMS = r.ExecutionTime
	case "COMPLETED":
		st = job.Completed()
		out := r.output()
		st.ImagesReported = len(out.Images)
		for _, img := range out.Images {
			if ref, ok := job.DecodeInline(img.Type, img.Data); ok {
				ref.Filename = img.Filename
				st.Images = append(st.Images, ref)
			}
		}
	case "FAILED", "TIMED_OUT":
		st = job.Failed(r.Error)
		st.Details = r.output().Details
	case "CANCELLED":
		st = job.Cancelled()
		st.Error = r.Error
		st.Details = r.output().Details
	case "":
		return job.Status{}, errors.New("runpod: response has no status field")
	default:
		return job.Status{}, fmt.Errorf("runpod: unhandled status %q", r.Status)
	}
	st.Raw = r.Status
	return st, nil
}

// output decodes the output object; endpoints put a bare string there on
// some failures, which yields an empty output.
func (r *statusResponse) output() jobOutput {
	var out jobOutput
	if len(r.Output) > 0 {
		_ = json.Unmarshal(r.Output, &out)
	}
	return out
}
