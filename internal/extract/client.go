// Package extract talks to the external inference service that turns source
// files into text and text into analysis. The engine never sees this package;
// workers receive it injected.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/studyforge/studyforge/internal/job"
)

// TransientError marks a failure worth retrying with backoff: rate limiting,
// upstream 5xx, network trouble. Anything else from the service is permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should map to a retry rather than a
// permanent failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Analysis is what the inference service produces for one piece of text.
type Analysis struct {
	Summary     string          `json:"summary"`
	FocusPoints []job.FocusItem `json:"focus_points,omitempty"`
	QuizItems   []job.QuizItem  `json:"quiz_items,omitempty"`
}

// Client calls the inference service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for the service at baseURL. A zero timeout
// defaults to 120s; extraction of large documents is slow.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Extract returns the extracted text of the source file at sourceRef.
func (c *Client) Extract(ctx context.Context, sourceRef, contentType string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{
		"source_ref":   sourceRef,
		"content_type": contentType,
	})
	if err != nil {
		return "", fmt.Errorf("marshal extract request: %w", err)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/v1/extract", reqBody, &out); err != nil {
		return "", err
	}
	if out.Text == "" {
		return "", fmt.Errorf("extract %s: service returned empty text", sourceRef)
	}
	return out.Text, nil
}

// Analyze returns the summary, focus points and quiz items for one chunk of text.
func (c *Client) Analyze(ctx context.Context, text string) (*Analysis, error) {
	reqBody, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	a := &Analysis{}
	if err := c.post(ctx, "/v1/analyze", reqBody, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable.
		return &TransientError{Err: fmt.Errorf("post %s: %w", path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("post %s: status %d", path, resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
