// Package serverless is the HTTP client for the burst-capacity synthesis
// endpoint. Jobs that sit in the queue past the overflow threshold are
// submitted here instead of waiting for a pooled worker; the caller polls
// for completion and feeds finished audio back into the results stream.
package serverless

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/readwell/chorus/internal/queue"
)

// ErrNotFound is returned by [Client.Poll] when the endpoint no longer knows
// the submission, for example after its own retention window expired.
var ErrNotFound = errors.New("serverless: submission not found")

// JobStatus is the remote execution state reported by the endpoint.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// PollResult is the decoded state of one submission.
type PollResult struct {
	Status     JobStatus
	Audio      []byte
	DurationMS int64
	Error      string
}

// Done reports whether the submission reached a terminal state.
func (r PollResult) Done() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// Client talks to one serverless synthesis endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the endpoint at baseURL. baseURL must be non-empty
// and is used as-is, without a trailing slash.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("serverless: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// submitRequest is the JSON body posted to the endpoint. The endpoint runs
// the same adapter contract as a pooled worker, so the payload carries the
// full synthesis input.
type submitRequest struct {
	JobID         string             `json:"job_id"`
	ModelID       string             `json:"model_id"`
	VoiceID       string             `json:"voice_id"`
	VoiceParams   map[string]float64 `json:"voice_parameters,omitempty"`
	Text          string             `json:"text"`
	ContextTokens []byte             `json:"context_tokens,omitempty"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
}

type pollResponse struct {
	Status     JobStatus `json:"status"`
	Audio      string    `json:"audio,omitempty"` // base64
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Submit posts job to the endpoint and returns the submission ID used for
// polling. Submission does not remove the job from the queue; the caller
// keeps the queue entry alive until a terminal poll result arrives.
func (c *Client) Submit(ctx context.Context, job *queue.Job) (string, error) {
	body, err := json.Marshal(submitRequest{
		JobID:         job.JobID,
		ModelID:       job.ModelID,
		VoiceID:       job.VoiceID,
		VoiceParams:   job.VoiceParams,
		Text:          job.Text,
		ContextTokens: job.ContextTokens,
	})
	if err != nil {
		return "", fmt.Errorf("serverless: marshal submit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("serverless: build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("serverless: submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("serverless: submit: unexpected status %d: %s",
			resp.StatusCode, readErrorBody(resp.Body))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("serverless: decode submit response: %w", err)
	}
	if sr.SubmissionID == "" {
		return "", errors.New("serverless: submit response missing submission_id")
	}
	return sr.SubmissionID, nil
}

// Poll fetches the current state of a submission. A non-terminal result
// means the job is still pending or running on the endpoint.
func (c *Client) Poll(ctx context.Context, submissionID string) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+submissionID, nil)
	if err != nil {
		return nil, fmt.Errorf("serverless: build poll request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serverless: poll %s: %w", submissionID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, submissionID)
	default:
		return nil, fmt.Errorf("serverless: poll %s: unexpected status %d: %s",
			submissionID, resp.StatusCode, readErrorBody(resp.Body))
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("serverless: decode poll response: %w", err)
	}

	result := &PollResult{
		Status:     pr.Status,
		DurationMS: pr.DurationMS,
		Error:      pr.Error,
	}
	if pr.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(pr.Audio)
		if err != nil {
			return nil, fmt.Errorf("serverless: decode audio for %s: %w", submissionID, err)
		}
		result.Audio = audio
	}
	if result.Status == StatusCompleted && len(result.Audio) == 0 {
		return nil, fmt.Errorf("serverless: completed submission %s carries no audio", submissionID)
	}
	return result, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "<no body>"
	}
	return string(b)
}
