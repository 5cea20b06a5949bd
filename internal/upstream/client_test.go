package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/store"
)

func TestPath(t *testing.T) {
	cases := []struct {
		call Call
		want string
	}{
		{Call{Kind: store.KindResponses}, "/v1/responses"},
		{Call{Kind: store.KindChat}, "/v1/chat/completions"},
		{Call{Kind: store.KindGrok}, "/v1/chat/completions"},
		{Call{Kind: store.KindMessages}, "/v1/messages"},
		{Call{Kind: store.KindGemini, Model: "gemini-pro"}, "/v1beta/models/gemini-pro:generateContent"},
		{Call{Kind: store.KindGemini, Model: "gemini-pro", Stream: true}, "/v1beta/models/gemini-pro:streamGenerateContent?alt=sse"},
		{Call{Kind: store.KindChat, Embeddings: true}, "/v1/embeddings"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Path(tc.call))
	}
}

func TestDoHeadersPerKind(t *testing.T) {
	var gotAuth, gotGoog, gotVersion, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotGoog = r.Header.Get("x-goog-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second)

	resp, err := c.Do(context.Background(), Call{
		Kind: store.KindMessages, BaseURL: srv.URL, APIKey: "sk-a", Body: []byte(`{}`),
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer sk-a", gotAuth)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "/v1/messages", gotPath)

	resp, err = c.Do(context.Background(), Call{
		Kind: store.KindGemini, BaseURL: srv.URL, APIKey: "sk-g", Model: "gemini-pro", Body: []byte(`{}`),
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "sk-g", gotGoog)
	assert.Empty(t, gotVersion)
}

func TestDoTrimsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	resp, err := c.Do(context.Background(), Call{Kind: store.KindChat, BaseURL: srv.URL + "/", Body: []byte(`{}`)})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "/v1/chat/completions", gotPath)
}

func TestDoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	_, err := c.Do(context.Background(), Call{Kind: store.KindChat, BaseURL: srv.URL, Body: []byte(`{}`)})
	require.Error(t, err)

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.True(t, ue.Retryable())
	assert.Contains(t, ue.Error(), "rate limited")
}

func TestDoTerminalStatusNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	_, err := c.Do(context.Background(), Call{Kind: store.KindChat, BaseURL: srv.URL, Body: []byte(`{}`)})

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.False(t, ue.Retryable())
}

func TestDoNetworkError(t *testing.T) {
	c := NewClient(time.Second)
	_, err := c.Do(context.Background(), Call{Kind: store.KindChat, BaseURL: "http://127.0.0.1:1", Body: []byte(`{}`)})
	require.Error(t, err)

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Zero(t, ue.Status)
	assert.True(t, ue.Retryable())
}

func TestDoStreamBodyUnbuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		w.Write([]byte("data: one\n\n"))
		fl.Flush()
		w.Write([]byte("data: two\n\n"))
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	resp, err := c.Do(context.Background(), Call{Kind: store.KindChat, BaseURL: srv.URL, Stream: true, Body: []byte(`{}`)})
	require.NoError(t, err)
	defer resp.Body.Close()

	all, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(all), "data: one")
	assert.Contains(t, string(all), "data: two")
}

func TestDoUnaryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(20 * time.Millisecond)
	_, err := c.Do(context.Background(), Call{Kind: store.KindChat, BaseURL: srv.URL, Body: []byte(`{}`)})
	require.Error(t, err)

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.True(t, ue.Retryable())
}
