// Package upstream sends wire-format requests to provider channels and
// classifies the outcomes for the routing engine.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/protocol/anthropic"
	"github.com/howard-nolan/llmgateway/internal/protocol/gemini"
	"github.com/howard-nolan/llmgateway/internal/routing"
	"github.com/howard-nolan/llmgateway/internal/store"
)

const maxErrorBody = 64 << 10

// Error is a failed upstream call. Status 0 means the request never got an
// HTTP response (network failure).
type Error struct {
	Status int
	Body   []byte
	Err    error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream network error: %v", e.Err)
	}
	if msg := gjson.GetBytes(e.Body, "error.message").String(); msg != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable implements the routing retry contract.
func (e *Error) Retryable() bool {
	return e.Status == 0 || routing.RetryableStatus(e.Status)
}

// Call describes one upstream request.
type Call struct {
	Kind       store.ProviderKind
	BaseURL    string
	APIKey     string
	Model      string // upstream model name, used for Gemini paths
	Stream     bool
	Embeddings bool
	Body       []byte
}

// Response is a successful (2xx) upstream call. For streaming calls Body is
// the unbuffered SSE stream; the caller closes it.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Client holds the shared transport. Streaming calls run without an overall
// deadline so long generations are not cut off; unary calls get the
// configured timeout.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a client with the given unary request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{http: &http.Client{}, timeout: timeout}
}

// Path resolves the shape-specific request path for a call.
func Path(c Call) string {
	if c.Embeddings {
		return "/v1/embeddings"
	}
	switch c.Kind {
	case store.KindResponses:
		return "/v1/responses"
	case store.KindChat, store.KindGrok:
		return "/v1/chat/completions"
	case store.KindMessages:
		return "/v1/messages"
	case store.KindGemini:
		if c.Stream {
			return gemini.StreamPath(c.Model)
		}
		return gemini.GeneratePath(c.Model)
	default:
		return "/v1/chat/completions"
	}
}

// Do performs the call and classifies the result. Non-2xx responses come
// back as *Error with the (bounded) body attached.
func (c *Client) Do(ctx context.Context, call Call) (*Response, error) {
	if !call.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	url := strings.TrimRight(call.BaseURL, "/") + Path(call)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(call.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch call.Kind {
	case store.KindGemini:
		req.Header.Set("x-goog-api-key", call.APIKey)
	case store.KindMessages:
		req.Header.Set("Authorization", "Bearer "+call.APIKey)
		req.Header.Set("anthropic-version", anthropic.Version)
	default:
		req.Header.Set("Authorization", "Bearer "+call.APIKey)
	}
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &Error{Status: resp.StatusCode, Body: body}
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
