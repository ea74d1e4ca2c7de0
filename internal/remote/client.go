// Package remote talks to the server of record: remaining time, per-answer
// saves, the answer listing used for reconciliation, and the terminal submit.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/model"
)

// maxBody caps how much of a response body is read.
const maxBody = 4 << 20

// envelope mirrors the server's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client is the HTTP client for the attempt API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log.With().Str("component", "remote").Logger() }
}

// New creates a Client. token is the learner's bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RemainingTime returns the authoritative time left for an attempt.
func (c *Client) RemainingTime(ctx context.Context, attemptID uuid.UUID) (time.Duration, error) {
	var out model.RemainingTimeResponse
	if err := c.do(ctx, http.MethodGet, c.attemptPath(attemptID, "remaining-time"), nil, &out); err != nil {
		return 0, err
	}
	if out.RemainingSeconds < 0 {
		out.RemainingSeconds = 0
	}
	return time.Duration(out.RemainingSeconds * float64(time.Second)), nil
}

// SaveAnswer upserts one answer. Safe to repeat with the same payload.
func (c *Client) SaveAnswer(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error {
	return c.do(ctx, http.MethodPost, c.attemptPath(attemptID, "answers"), req, nil)
}

// ListAnswers returns the server's view of every answer of the attempt.
func (c *Client) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error) {
	var out struct {
		Answers []model.ServerAnswer `json:"answers"`
	}
	if err := c.do(ctx, http.MethodGet, c.attemptPath(attemptID, "answers"), nil, &out); err != nil {
		return nil, err
	}
	return out.Answers, nil
}

// Submit finalizes the attempt.
func (c *Client) Submit(ctx context.Context, attemptID uuid.UUID, req model.SubmitRequest) (*model.SubmitResult, error) {
	var out model.SubmitResult
	if err := c.do(ctx, http.MethodPost, c.attemptPath(attemptID, "submit"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) attemptPath(attemptID uuid.UUID, leaf string) string {
	return fmt.Sprintf("%s/api/v1/attempts/%s/%s", c.baseURL, attemptID, leaf)
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
