package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, timeout time.Duration) *Client {
	return NewClient(Config{URL: url + "/api/chat", Model: "gemma3:4b", Timeout: timeout})
}

func TestDescribe(t *testing.T) {
	img := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gemma3:4b", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, DefaultPrompt, req.Messages[0].Content)
		assert.Equal(t, "user", req.Messages[1].Role)
		require.Len(t, req.Messages[1].Images, 1)
		assert.Equal(t, base64.StdEncoding.EncodeToString(img), req.Messages[1].Images[0])

		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "  wearing a red jacket  "},
		})
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL, time.Second).Describe(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, "wearing a red jacket", text)
}

func TestDescribe_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"Server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model crashed", http.StatusInternalServerError)
		}},
		{"Empty content", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"message":{"role":"assistant","content":""}}`))
		}},
		{"Error field", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"model not found"}`))
		}},
		{"Garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(srv.URL, time.Second).Describe(context.Background(), []byte("img"))
			assert.ErrorIs(t, err, ErrFailure)
			assert.NotErrorIs(t, err, ErrTimeout)
		})
	}
}

func TestDescribe_Timeout(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestClient(srv.URL, 50*time.Millisecond).Describe(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	// Never retried
	assert.Equal(t, int32(1), calls.Load())
}

func TestDescribe_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, time.Second).Describe(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrFailure)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[{"name":"llava:latest"},{"name":"gemma3:4b"}]}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL, time.Second).Ping(context.Background()))

	c := NewClient(Config{URL: srv.URL + "/api/chat", Model: "llava"})
	require.NoError(t, c.Ping(context.Background()))

	c = NewClient(Config{URL: srv.URL + "/api/chat", Model: "qwen2-vl"})
	assert.ErrorIs(t, c.Ping(context.Background()), ErrFailure)
}

func TestCustomPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "be brief", req.Messages[0].Content)
		w.Write([]byte(`{"message":{"content":"ok"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL + "/api/chat", Model: "m", Prompt: "be brief"})
	_, err := c.Describe(context.Background(), []byte("img"))
	require.NoError(t, err)
}
