// Package toolclient invokes the external LLM command-line tool (or its HTTP
// vendor endpoint) and parses its JSON response.
//
// tool_call is grounded on the subprocess supervisor (internal/supervisor)
// plus a concurrency-limiting semaphore, in the style of kilroy's
// per-provider adapters (internal/llm/providers/anthropic/adapter.go), each
// of which wraps a single HTTP/CLI call behind a narrow interface. Response
// parsing is grounded on C360Studio-semspec's llm/jsonutil.go ExtractJSON
// (fenced-block match, then greedy brace-matched fallback), adapted to
// reject top-level arrays and to carry the first 200 characters of the raw
// response on failure.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hardener/hardener/internal/supervisor"
)

// ParseError is returned when a tool response cannot be parsed as a single
// top-level JSON object.
type ParseError struct {
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("toolclient: could not parse response as JSON object; first 200 chars: %q", e.Snippet)
}

func newParseError(raw string) *ParseError {
	s := raw
	if len(s) > 200 {
		s = s[:200]
	}
	return &ParseError{Snippet: s}
}

var fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\s*\\n?(.*?)\\s*```")

// ParseResponse accepts three response formats in order: (1) the whole
// trimmed string is valid JSON; (2) JSON inside a single markdown fence; (3)
// JSON embedded in prose, taken as the substring from the first '{' to the
// last '}'. A top-level JSON array is rejected at every stage. On failure it
// returns a *ParseError carrying the first 200 characters of raw.
func ParseResponse(raw string) (map[string]any, error) {
	candidates := []string{strings.TrimSpace(raw)}

	if m := fencedBlockPattern.FindStringSubmatch(raw); len(m) > 1 {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	if start := strings.IndexByte(raw, '{'); start >= 0 {
		if end := strings.LastIndexByte(raw, '}'); end > start {
			candidates = append(candidates, raw[start:end+1])
		}
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if strings.HasPrefix(c, "[") && json.Valid([]byte(c)) {
			return nil, newParseError(raw)
		}
		obj, ok := tryDecodeObject(c)
		if ok {
			return obj, nil
		}
	}
	return nil, newParseError(raw)
}

func tryDecodeObject(s string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

// Semaphore is a cooperative concurrency limiter that can be polled for
// cancellation while waiting for a slot, rather than blocking indefinitely.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore returns a Semaphore with cap concurrent slots.
func NewSemaphore(cap int) *Semaphore {
	if cap <= 0 {
		cap = 1
	}
	return &Semaphore{slots: make(chan struct{}, cap)}
}

// ErrCancelledWaiting is returned by Acquire when isCancelled() becomes true
// before a slot is available.
var ErrCancelledWaiting = fmt.Errorf("toolclient: cancelled while waiting for concurrency slot")

// Acquire blocks until a slot is free, ctx is done, or isCancelled() (polled
// every pollInterval) reports true. On success the caller must call the
// returned release func exactly once.
func (s *Semaphore) Acquire(ctx context.Context, isCancelled func() bool, pollInterval time.Duration) (release func(), err error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if isCancelled == nil {
		select {
		case s.slots <- struct{}{}:
			return func() { <-s.slots }, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case s.slots <- struct{}{}:
			return func() { <-s.slots }, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if isCancelled() {
				return nil, ErrCancelledWaiting
			}
		}
	}
}

// CLIClient invokes the configured external command via the supervisor.
type CLIClient struct {
	Supervisor *supervisor.Supervisor
	Command    string
	BaseArgs   []string
	WorkingDir string
	Timeout    time.Duration
	Slots      *Semaphore
}

// NewCLIClient builds a CLIClient bounded by a MAX_TOOL_CONCURRENCY-sized
// semaphore.
func NewCLIClient(command string, baseArgs []string, workingDir string, timeout time.Duration, maxConcurrency int) *CLIClient {
	return &CLIClient{
		Supervisor: supervisor.New(),
		Command:    command,
		BaseArgs:   baseArgs,
		WorkingDir: workingDir,
		Timeout:    timeout,
		Slots:      NewSemaphore(maxConcurrency),
	}
}

// ToolCall acquires a concurrency slot, invokes the CLI with prompt appended
// to BaseArgs, and releases the slot on every exit path.
func (c *CLIClient) ToolCall(ctx context.Context, prompt string, isCancelled func() bool) (string, error) {
	release, err := c.Slots.Acquire(ctx, isCancelled, 100*time.Millisecond)
	if err != nil {
		return "", err
	}
	defer release()

	args := make([]string, 0, len(c.BaseArgs)+1)
	args = append(args, c.BaseArgs...)
	args = append(args, prompt)

	out, ok, err := c.Supervisor.Run(ctx, c.Command, args, c.Timeout, c.WorkingDir, isCancelled)
	if err != nil {
		return "", fmt.Errorf("toolclient: tool_call: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("toolclient: tool_call: command exited non-zero: %s", out)
	}
	return out, nil
}

// APIClient sends requests directly to the tool vendor's HTTP endpoint,
// grounded on kilroy's anthropic adapter's request-body shape
// (map[string]any{"model", "max_tokens", "messages"}), generalized to add a
// web_search tool and bounded by a separate concurrency cap.
type APIClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	Slots      *Semaphore
}

// NewAPIClient builds an APIClient bounded by a MAX_API_CONCURRENCY-sized
// semaphore.
func NewAPIClient(baseURL, apiKey, model string, maxTokens, maxConcurrency int) *APIClient {
	return &APIClient{
		HTTPClient: &http.Client{Timeout: 0},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		MaxTokens:  maxTokens,
		Slots:      NewSemaphore(maxConcurrency),
	}
}

// APICall acquires an API concurrency slot, posts the prompt as a single
// user message with a web_search tool available, and concatenates only
// text-typed content blocks from the response with newline separators,
// discarding tool-use blocks.
func (c *APIClient) APICall(ctx context.Context, prompt string, isCancelled func() bool) (string, error) {
	release, err := c.Slots.Acquire(ctx, isCancelled, 100*time.Millisecond)
	if err != nil {
		return "", err
	}
	defer release()

	body := map[string]any{
		"model":      c.Model,
		"max_tokens": c.MaxTokens,
		"tools": []map[string]any{
			{"type": "web_search_20250305", "name": "web_search"},
		},
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("toolclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("toolclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("toolclient: api_call: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("toolclient: decode response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "unknown error"
		if payload.Error != nil {
			msg = payload.Error.Message
		}
		return "", fmt.Errorf("toolclient: api_call: status %d: %s", resp.StatusCode, msg)
	}

	var parts []string
	for _, block := range payload.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
