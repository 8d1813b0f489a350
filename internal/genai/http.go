package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds a remote generation call when none is configured.
const DefaultHTTPTimeout = 15 * time.Second

// HTTPBackend calls a remote generation service speaking
// {"context": "..."} -> {"text": "...", "latency": seconds}.
type HTTPBackend struct {
	url      string
	language string
	client   *http.Client
}

type contextRequest struct {
	Context string `json:"context"`
}

type textResponse struct {
	Text    string  `json:"text"`
	Latency float64 `json:"latency"`
}

// NewHTTPBackend creates an HTTPBackend posting to url.
func NewHTTPBackend(url string, timeout time.Duration, language string) *HTTPBackend {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPBackend{url: url, language: language, client: &http.Client{Timeout: timeout}}
}

// Generate implements Backend.
func (b *HTTPBackend) Generate(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	var out textResponse
	if err := postJSON(ctx, b.client, b.url, contextRequest{Context: transcript(req)}, &out); err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	latency := time.Duration(out.Latency * float64(time.Second))
	if latency <= 0 {
		latency = time.Since(start)
	}
	return Reply{Text: text, Latency: latency, Language: b.language}, nil
}

// CommunityBackend calls a hosted conversational model speaking
// {"past_user_inputs": [...], "generated_responses": [...], "text": "..."} -> {"generated_text": "..."}.
type CommunityBackend struct {
	url      string
	language string
	client   *http.Client
}

type conversationalRequest struct {
	PastUserInputs     []string `json:"past_user_inputs"`
	GeneratedResponses []string `json:"generated_responses"`
	Text               string   `json:"text"`
}

type generatedTextResponse struct {
	GeneratedText string `json:"generated_text"`
}

// NewCommunityBackend creates a CommunityBackend posting to url.
func NewCommunityBackend(url string, timeout time.Duration, language string) *CommunityBackend {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &CommunityBackend{url: url, language: language, client: &http.Client{Timeout: timeout}}
}

// Generate implements Backend.
func (b *CommunityBackend) Generate(ctx context.Context, req Request) (Reply, error) {
	body := conversationalRequest{
		PastUserInputs:     nonNil(req.PastUserInputs),
		GeneratedResponses: nonNil(req.GeneratedResponses),
		Text:               req.Text,
	}
	start := time.Now()
	var out generatedTextResponse
	if err := postJSON(ctx, b.client, b.url, body, &out); err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(out.GeneratedText)
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	return Reply{Text: text, Latency: time.Since(start), Language: b.language}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// postJSON posts in as JSON and decodes a 2xx response into out.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		slog.Warn("genai.postJSON: request failed", "url", url, "error", err)
		return fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("genai.postJSON: non-success status", "url", url, "status", resp.StatusCode)
		return fmt.Errorf("%w: %d %s", ErrBackendStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
