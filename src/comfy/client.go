// Package comfy drives a ComfyUI server: images are uploaded, the workflow is
// queued on /prompt, progress arrives over the /ws event socket or from
// /history polling, and results are fetched from /view.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tryon-relay/src/job"
)

// Options configures the client.
type Options struct {
	BaseURL string
	// OutputNode restricts results to one node's images. Empty accepts every
	// node that saved an output image.
	OutputNode     string
	ClientID       string
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client talks to one ComfyUI server. It implements the submit backend, the
// tracker backend and the tracker streamer.
type Client struct {
	baseURL    string
	outputNode string
	clientID   string
	httpClient *http.Client
	logger     zerolog.Logger

	connMu sync.Mutex
	stream *stream
}

func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("comfy: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("comfy: base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		baseURL:    baseURL,
		outputNode: opts.OutputNode,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "comfy").Str("client_id", clientID).Logger(),
	}, nil
}

// ClientID is the id events for this client's prompts are addressed to.
func (c *Client) ClientID() string { return c.clientID }

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type promptRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// Submit uploads the attachments, rewrites the template if the server
// renamed any of them, and queues the workflow.
func (c *Client) Submit(ctx context.Context, req job.Request) (job.Outcome, error) {
	for _, a := range req.Attachments {
		stored, err := c.upload(ctx, a)
		if err != nil {
			return job.Outcome{}, err
		}
		if stored != a.Name {
			renameImage(req, a.Name, stored)
		}
	}

	var resp promptResponse
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", promptRequest{Prompt: req.Template, ClientID: c.clientID}, &resp); err != nil {
		return job.Outcome{}, err
	}
	if resp.PromptID == "" {
		return job.Outcome{}, errors.New("comfy: prompt response without prompt_id")
	}
	c.logger.Debug().Str("prompt_id", resp.PromptID).Int("number", resp.Number).Msg("prompt queued")
	return job.Outcome{Handle: job.Handle(resp.PromptID), Status: job.Queued(0)}, nil
}

// renameImage points every loader that referenced from at to.
func renameImage(req job.Request, from, to string) {
	for id := range req.Template {
		if img, ok := req.Template.Image(id); ok && img == from {
			_ = req.Template.SetImage(id, to)
		}
	}
}

func (c *Client) upload(ctx context.Context, a job.Attachment) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", a.Name)
	if err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}
	if _, err := fw.Write(a.Image); err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := c.do(httpReq)
	if err != nil {
		return "", err
	}
	var resp uploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("comfy: decode upload response: %w", err)
	}
	if resp.Name == "" {
		return a.Name, nil
	}
	if resp.Subfolder != "" {
		return resp.Subfolder + "/" + resp.Name, nil
	}
	return resp.Name, nil
}

type historyEntry struct {
	Outputs map[string]nodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

type nodeOutput struct {
	Images []imageRef `json:"images"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type queueResponse struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

// Status reads /history/{id}. A prompt missing from history is still in the
// queue or executing; /queue tells which.
func (c *Client) Status(ctx context.Context, h job.Handle) (job.Status, error) {
	var history map[string]historyEntry
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(string(h)), nil, &history); err != nil {
		return job.Status{}, err
	}
	if entry, ok := history[string(h)]; ok {
		st := c.historyStatus(entry)
		if st.Kind == job.KindCompleted {
			c.resolve(ctx, &st)
		}
		return st, nil
	}
	return c.queueStatus(ctx, h)
}

func (c *Client) queueStatus(ctx context.Context, h job.Handle) (job.Status, error) {
	var q queueResponse
	if err := c.doJSON(ctx, http.MethodGet, "/queue", nil, &q); err != nil {
		return job.Status{}, err
	}
	for _, item := range q.Running {
		if queueItemID(item) == string(h) {
			return job.Running(0), nil
		}
	}
	for i, item := range q.Pending {
		if queueItemID(item) == string(h) {
			return job.Queued(i + 1), nil
		}
	}
	// Neither queued nor in history: the history write has not landed yet.
	return job.Running(0), nil
}

// queueItemID extracts the prompt id from a [number, prompt_id, ...] entry.
func queueItemID(item []json.RawMessage) string {
	if len(item) < 2 {
		return ""
	}
	var id string
	_ = json.Unmarshal(item[1], &id)
	return id
}

func (c *Client) historyStatus(e historyEntry) job.Status {
	switch e.Status.StatusStr {
	case "error":
		st := job.Failed("")
		st.Raw = "error"
		for _, m := range e.Status.Messages {
			ev, ok := decodeHistoryMessage(m)
			if !ok {
				continue
			}
			switch ev.Type {
			case typeExecutionError:
				st.Error = ev.Data.ExceptionMessage
				st.Details = ev.Data.errorDetails()
			case typeExecutionInterrupted:
				st = job.Cancelled()
				st.Raw = "interrupted"
			}
		}
		return st
	default:
		var refs []imageRef
		for node, out := range e.Outputs {
			if c.outputNode != "" && node != c.outputNode {
				continue
			}
			refs = append(refs, out.Images...)
		}
		st := c.completed(refs)
		st.Raw = "success"
		return st
	}
}

// completed keeps the saved outputs; previews ("temp") are not results.
func (c *Client) completed(refs []imageRef) job.Status {
	st := job.Completed()
	st.ImagesReported = len(refs)
	for _, r := range refs {
		if r.Type != "output" || r.Filename == "" {
			continue
		}
		st.Images = append(st.Images, job.ArtifactRef{Filename: r.Filename, Subfolder: r.Subfolder, Type: r.Type})
	}
	return st
}

// decodeHistoryMessage decodes one ["event_type", {...}] pair.
func decodeHistoryMessage(raw json.RawMessage) (event, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return event{}, false
	}
	var ev event
	if err := json.Unmarshal(pair[0], &ev.Type); err != nil {
		return event{}, false
	}
	if err := json.Unmarshal(pair[1], &ev.Data); err != nil {
		return event{}, false
	}
	return ev, true
}

// Cancel interrupts the prompt if it is executing and removes it from the
// queue otherwise. The returned status is read back from history.
func (c *Client) Cancel(ctx context.Context, h job.Handle) (job.Status, error) {
	id := string(h)
	if err := c.doJSON(ctx, http.MethodPost, "/interrupt", map[string]string{"prompt_id": id}, nil); err != nil {
		return job.Status{}, err
	}
	if err := c.doJSON(ctx, http.MethodPost, "/queue", map[string][]string{"delete": {id}}, nil); err != nil {
		return job.Status{}, err
	}
	var history map[string]historyEntry
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(id), nil, &history); err != nil {
		return job.Status{}, err
	}
	entry, ok := history[id]
	if !ok {
		st := job.Cancelled()
		st.Raw = "interrupted"
		return st, nil
	}
	st := c.historyStatus(entry)
	if st.Kind == job.KindCompleted {
		c.resolve(ctx, &st)
	}
	return st, nil
}

// Fetch downloads a server-side artifact from /view.
func (c *Client) Fetch(ctx context.Context, ref job.ArtifactRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	return c.do(httpReq)
}

// resolve inlines remote artifacts. An artifact that cannot be fetched
// stays remote and is logged.
func (c *Client) resolve(ctx context.Context, st *job.Status) {
	for i, ref := range st.Images {
		if !ref.Remote() {
			continue
		}
		data, err := c.Fetch(ctx, ref)
		if err != nil {
			c.logger.Warn().Err(err).Str("filename", ref.Filename).Msg("fetching output image failed")
			continue
		}
		st.Images[i].Data = data
		st.Images[i].MIME = job.SniffImage(data)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("comfy: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("comfy: build request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	raw, err := c.do(httpReq)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("comfy: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfy: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &job.HTTPStatusError{
			Code:   resp.StatusCode,
			Status: resp.Status,
			Body:   strings.TrimSpace(string(raw)),
		}
	}
	return raw, nil
}

// Close drops the event socket, ending every open watch.
func (c *Client) Close() error {
	c.connMu.Lock()
	s := c.stream
	c.stream = nil
	c.connMu.Unlock()
	if s != nil {
		return s.close()
	}
	return nil
}
