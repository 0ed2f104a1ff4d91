// Package completion talks to an OpenAI-compatible chat completions endpoint.
package completion

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

	"github.com/router-for-me/ChatRelay/internal/apperror"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	chatCompletionsPath = "/chat/completions"
	doneMarker          = "[DONE]"
	maxErrorBody        = 4 << 10
	defaultTimeout      = 5 * time.Minute
)

// Message is one entry of the completion context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Endpoint and APIKey select the service.
type Request struct {
	Endpoint    string
	APIKey      string
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// Streamer is the contract the relay needs from a completion backend.
type Streamer interface {
	Stream(ctx context.Context, request Request) (*Stream, error)
}

// Client calls the completion service over HTTP.
type Client struct {
	httpClient *http.Client
}

// NewClient constructs a Client. A nil httpClient gets a default with a timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{httpClient: httpClient}
}

// Complete performs a non-incremental call and returns the answer text.
func (c *Client) Complete(ctx context.Context, request Request) (string, error) {
	resp, errDo := c.do(ctx, request, false)
	if errDo != nil {
		return "", errDo
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("completion: close response body")
		}
	}()

	body, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return "", apperror.Wrap(apperror.CodeExternalService, "completion response unreadable", errRead)
	}
	if !gjson.ValidBytes(body) {
		return "", apperror.New(apperror.CodeExternalService, "completion response is not json")
	}
	parsed := gjson.ParseBytes(body)
	if msg := parsed.Get("error.message"); msg.Exists() {
		return "", apperror.New(apperror.CodeExternalService, msg.String())
	}
	content := parsed.Get("choices.0.message.content")
	if !content.Exists() {
		return "", apperror.New(apperror.CodeExternalService, "completion response has no content")
	}
	return content.String(), nil
}

// Stream performs an incremental call. The caller must Close the returned Stream.
func (c *Client) Stream(ctx context.Context, request Request) (*Stream, error) {
	resp, errDo := c.do(ctx, request, true)
	if errDo != nil {
		return nil, errDo
	}
	return &Stream{body: resp.Body, scanner: newSSEScanner(resp.Body)}, nil
}

func (c *Client) do(ctx context.Context, request Request, stream bool) (*http.Response, error) {
	endpoint := strings.TrimSpace(request.Endpoint)
	if endpoint == "" {
		return nil, apperror.New(apperror.CodeExternalService, "completion endpoint is not configured")
	}
	if !strings.HasSuffix(endpoint, chatCompletionsPath) {
		endpoint = strings.TrimRight(endpoint, "/") + chatCompletionsPath
	}

	payload, errMarshal := json.Marshal(wireRequest{
		Model:       request.Model,
		Messages:    request.Messages,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxTokens,
		Stream:      stream,
	})
	if errMarshal != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "encode completion request", errMarshal)
	}
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if errReq != nil {
		return nil, apperror.Wrap(apperror.CodeExternalService, "build completion request", errReq)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(request.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, errDo := c.httpClient.Do(httpReq)
	if errDo != nil {
		return nil, apperror.Wrap(apperror.CodeExternalService, "completion service unreachable", errDo)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := gjson.GetBytes(body, "error.message").String()
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		if message == "" {
			message = resp.Status
		}
		return nil, apperror.New(apperror.CodeExternalService, fmt.Sprintf("completion service returned %d: %s", resp.StatusCode, message))
	}
	return resp, nil
}

// Stream yields answer fragments in the order the service produced them.
type Stream struct {
	body     io.ReadCloser
	scanner  *sseScanner
	done     bool
	finished bool
}

// Next returns the next non-empty fragment, or io.EOF at the terminal marker.
// Frames that are not valid JSON are skipped; an error frame fails the stream.
// A body that ends before [DONE] or a finish_reason is an interrupted stream.
func (s *Stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Next() {
		data := strings.TrimSpace(s.scanner.Event().Data)
		if data == doneMarker {
			s.done = true
			return "", io.EOF
		}
		if data == "" || !gjson.Valid(data) {
			log.WithField("frame", truncate(data, 120)).Debug("completion: skipping malformed frame")
			continue
		}
		frame := gjson.Parse(data)
		if msg := frame.Get("error.message"); msg.Exists() {
			s.done = true
			return "", apperror.New(apperror.CodeExternalService, msg.String())
		}
		if reason := frame.Get("choices.0.finish_reason"); reason.Exists() && reason.Type != gjson.Null {
			s.finished = true
		}
		if content := frame.Get("choices.0.delta.content").String(); content != "" {
			return content, nil
		}
	}
	s.done = true
	if errScan := s.scanner.Err(); errScan != nil {
		if errors.Is(errScan, context.Canceled) || errors.Is(errScan, context.DeadlineExceeded) {
			return "", apperror.Wrap(apperror.CodeExternalService, "completion stream cancelled", errScan)
		}
		return "", apperror.Wrap(apperror.CodeExternalService, "completion stream interrupted", errScan)
	}
	if !s.finished {
		return "", apperror.New(apperror.CodeExternalService, "completion stream ended without terminal marker")
	}
	return "", io.EOF
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	if s == nil || s.body == nil {
		return nil
	}
	return s.body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
