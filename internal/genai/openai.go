package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// DefaultSystemPrompt frames the transcript handed to the model.
const DefaultSystemPrompt = "You are a friendly conversation partner. Reply to the last line of the transcript in one or two short sentences."

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client is a Backend served by the OpenAI chat completions API.
type Client struct {
	chat         chatService
	model        string
	systemPrompt string
	language     string
	temperature  float64
	maxTokens    int64
	timeout      time.Duration
	debugMode    bool
	stateDir     string
}

// Opts holds configuration for the OpenAI client.
type Opts struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Language     string
	Temperature  float64
	MaxTokens    int64
	Timeout      time.Duration
	DebugMode    bool
	StateDir     string
}

// Option configures the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSystemPrompt sets the system prompt preceding every transcript.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithLanguage sets the language the model replies in.
func WithLanguage(lang string) Option {
	return func(o *Opts) { o.Language = lang }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode writes every request and response to <stateDir>/debug.
func WithDebugMode(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// NewClient creates an OpenAI-backed Backend.
func NewClient(opts ...Option) (*Client, error) {
	co := Opts{
		Model:        DefaultModel,
		SystemPrompt: DefaultSystemPrompt,
		Language:     models.DefaultLanguage,
		Temperature:  0.7,
		MaxTokens:    120,
	}
	for _, opt := range opts {
		opt(&co)
	}
	if co.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	if co.SystemPrompt == "" {
		co.SystemPrompt = DefaultSystemPrompt
	}
	cli := openai.NewClient(option.WithAPIKey(co.APIKey))
	slog.Debug("genai.NewClient: OpenAI client created", "model", co.Model, "debug", co.DebugMode)
	return &Client{
		chat:         completionsAdapter{svc: &cli.Chat.Completions},
		model:        co.Model,
		systemPrompt: co.SystemPrompt,
		language:     co.Language,
		temperature:  co.Temperature,
		maxTokens:    co.MaxTokens,
		timeout:      co.Timeout,
		debugMode:    co.DebugMode,
		stateDir:     co.StateDir,
	}, nil
}

// Generate implements Backend.
func (c *Client) Generate(ctx context.Context, req Request) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt),
			openai.UserMessage(transcript(req)),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	latency := time.Since(start)
	c.debugLog("Generate", params, resp, err)
	if err != nil {
		slog.Warn("genai.Client.Generate: completion failed", "model", c.model, "error", err)
		return Reply{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, ErrNoChoicesReturned
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	slog.Debug("genai.Client.Generate: reply generated", "model", c.model, "latency", latency, "chars", len(text))
	return Reply{Text: text, Latency: latency, Language: c.language}, nil
}

func transcript(req Request) string {
	if req.Context != "" {
		return req.Context
	}
	return req.Text
}

// debugLog writes one JSON file per call when debug mode is on. Failures are logged only.
func (c *Client) debugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.Client.debugLog: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.Client.debugLog: failed to encode entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", method, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("genai.Client.debugLog: failed to write entry", "file", name, "error", err)
	}
}
