package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opentalab/paperchat/internal/metrics"
)

// Task describes one fixed-shape model capability. Each call site passes a
// typed inputs struct and decodes into a typed outputs struct; prompts are
// declared once per capability rather than assembled per request.
type Task struct {
	// Name identifies the capability on the model service and in metrics.
	Name string
	// SystemPrompt pins the task behavior.
	SystemPrompt string
	// StreamField names the single output field streamed incrementally by
	// Stream; empty for sync-only tasks.
	StreamField string
	// Cheap routes the call to the fast/cheap model tier.
	Cheap bool

	MaxTokens   int
	Temperature float64
}

// Invoker executes structured model calls. Invoke blocks until the full
// structured result is available; Stream additionally surfaces incremental
// text for the task's StreamField before the final structured result.
type Invoker interface {
	Invoke(ctx context.Context, task Task, inputs, outputs any) error
	Stream(ctx context.Context, task Task, inputs any, onToken func(string) error, outputs any) error
}

// Client talks to the model service over HTTP. A shared limiter bounds the
// request rate across all tasks and sessions.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	StreamTimeout     time.Duration
	RequestsPerMinute int
}

// NewClient creates an HTTP model client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.StreamTimeout == 0 {
		opts.StreamTimeout = 5 * time.Minute
	}
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.RequestsPerMinute/4+1)
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: opts.Timeout},
		streamClient: &http.Client{Timeout: opts.StreamTimeout},
		limiter:      limiter,
		logger:       logger,
	}
}

type invokeRequest struct {
	Task         string  `json:"task"`
	SystemPrompt string  `json:"system_prompt"`
	Inputs       any     `json:"inputs"`
	StreamField  string  `json:"stream_field,omitempty"`
	ModelTier    string  `json:"model_tier"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type invokeResponse struct {
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
}

// streamChunk is one line of the model service's event stream.
type streamChunk struct {
	Type    string          `json:"type"` // "token" or "result"
	Content string          `json:"content,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
}

func (c *Client) tier(task Task) string {
	if task.Cheap {
		return "cheap"
	}
	return "main"
}

// Invoke executes one blocking structured call and decodes the JSON result
// into outputs.
func (c *Client) Invoke(ctx context.Context, task Task, inputs, outputs any) error {
	start := time.Now()
	err := c.invoke(ctx, task, inputs, outputs)
	c.record(task, start, err)
	return err
}

func (c *Client) invoke(ctx context.Context, task Task, inputs, outputs any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(invokeRequest{
		Task:         task.Name,
		SystemPrompt: task.SystemPrompt,
		Inputs:       inputs,
		ModelTier:    c.tier(task),
		MaxTokens:    task.MaxTokens,
		Temperature:  task.Temperature,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", task.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", task.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call model service for %s: %w", task.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("model service returned status %d for %s", resp.StatusCode, task.Name)
	}

	var llmResp invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&llmResp); err != nil {
		return fmt.Errorf("decode %s response: %w", task.Name, err)
	}
	if llmResp.Response == "" {
		return fmt.Errorf("model service returned empty response for %s", task.Name)
	}

	payload := StripFences(llmResp.Response)
	if err := json.Unmarshal([]byte(payload), outputs); err != nil {
		return fmt.Errorf("parse %s output: %w", task.Name, err)
	}
	return nil
}

// Stream executes a streaming call: onToken receives incremental text for
// task.StreamField in arrival order, and the final structured result is
// decoded into outputs. A non-nil error from onToken aborts the stream.
func (c *Client) Stream(ctx context.Context, task Task, inputs any, onToken func(string) error, outputs any) error {
	start := time.Now()
	err := c.stream(ctx, task, inputs, onToken, outputs)
	c.record(task, start, err)
	return err
}

func (c *Client) stream(ctx context.Context, task Task, inputs any, onToken func(string) error, outputs any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(invokeRequest{
		Task:         task.Name,
		SystemPrompt: task.SystemPrompt,
		Inputs:       inputs,
		StreamField:  task.StreamField,
		ModelTier:    c.tier(task),
		MaxTokens:    task.MaxTokens,
		Temperature:  task.Temperature,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", task.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", task.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("call model service for %s: %w", task.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("model service returned status %d for %s", resp.StatusCode, task.Name)
	}

	gotResult := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn("Skipping malformed stream chunk",
				zap.String("task", task.Name),
				zap.Error(err),
			)
			continue
		}

		switch chunk.Type {
		case "token":
			if chunk.Content == "" {
				continue
			}
			if err := onToken(chunk.Content); err != nil {
				return err
			}
		case "result":
			if outputs != nil {
				if err := json.Unmarshal(chunk.Output, outputs); err != nil {
					return fmt.Errorf("parse %s result: %w", task.Name, err)
				}
			}
			gotResult = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s stream: %w", task.Name, err)
	}
	if !gotResult {
		return fmt.Errorf("model stream for %s ended without a result", task.Name)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (c *Client) record(task Task, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMCalls.WithLabelValues(task.Name, status).Inc()
	metrics.LLMCallDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
}

// StripFences removes a surrounding markdown code fence from a model reply.
// Providers that ignore structured-output hints often wrap JSON this way.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	} else {
		return s
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
