// Package vision asks a vision-language model to describe a visitor.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the model does not answer in time.
	ErrTimeout = errors.New("vision request timed out")
	// ErrFailure is returned for connection errors, non-2xx statuses and empty replies.
	ErrFailure = errors.New("vision request failed")
)

// DefaultPrompt is the system prompt sent with every image.
const DefaultPrompt = `You assist visually impaired and elderly people by describing who is at their door.
Only unknown visitors are sent to you; known people are identified elsewhere.
Briefly describe the person in the image:
1. Gender and approximate age range
2. Clothing (colors, style)
3. What they are carrying (packages, documents)
4. Expression and posture
5. Any uniform and the occupation it suggests
Mention glasses or other notable features. If something seems suspicious, say so honestly.
Answer in one or two short, plain sentences.`

const userPrompt = "Describe the person in this image."

type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

// Client talks to an Ollama-compatible /api/chat endpoint.
type Client struct {
	url     string
	model   string
	prompt  string
	timeout time.Duration
	client  *http.Client
}

// Config configures a Client.
type Config struct {
	URL     string
	Model   string
	Prompt  string
	Timeout time.Duration
}

func NewClient(cfg Config) *Client {
	prompt := strings.TrimSpace(cfg.Prompt)
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Client{
		url:     strings.TrimSpace(cfg.URL),
		model:   cfg.Model,
		prompt:  prompt,
		timeout: cfg.Timeout,
		client:  &http.Client{},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Describe sends one JPEG image and returns the model's description.
// The call is bounded by the client timeout and is never retried.
func (c *Client) Describe(ctx context.Context, jpeg []byte) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: c.prompt},
			{Role: "user", Content: userPrompt, Images: []string{base64.StdEncoding.EncodeToString(jpeg)}},
		},
		Stream:  false,
		Options: map[string]any{"temperature": 0.7, "top_p": 0.9},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("%w: status %d: %s", ErrFailure, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", classify(ctx, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrFailure, out.Error)
	}
	text := strings.TrimSpace(out.Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrFailure)
	}
	return text, nil
}

// classify maps transport errors onto ErrTimeout or ErrFailure.
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFailure, err)
}

// Ping checks that the server is reachable and the model is installed.
func (c *Client) Ping(ctx context.Context) error {
	tagsURL, err := c.tagsURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tagsURL, nil)
	if err != nil {
		return err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: tags status %d", ErrFailure, res.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(res.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: decode tags: %v", ErrFailure, err)
	}
	for _, m := range tags.Models {
		if m.Name == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			return nil
		}
	}
	return fmt.Errorf("%w: model %s is not installed", ErrFailure, c.model)
}

// tagsURL derives /api/tags from the chat endpoint.
func (c *Client) tagsURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid vision url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/chat") + "/tags"
	if !strings.HasPrefix(u.Path, "/api/") {
		u.Path = "/api/tags"
	}
	return u.String(), nil
}
