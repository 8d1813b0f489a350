// Package translate converts text between a conversation's spoken language
// and the canonical working language.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one translation call.
const DefaultTimeout = 5 * time.Second

// ErrTranslation wraps every failure reported by a remote translator.
var ErrTranslation = errors.New("translation failed")

// Translator translates text from source to target language.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Passthrough returns the input unchanged. It is used when no translation
// service is configured, which only makes sense for English-only deployments.
type Passthrough struct{}

// Translate implements Translator.
func (Passthrough) Translate(_ context.Context, text, _, _ string) (string, error) {
	return text, nil
}

// HTTPTranslator calls a remote service speaking
// {"text", "source_lang", "target_lang"} -> {"translated_text"}.
type HTTPTranslator struct {
	url    string
	client *http.Client
}

type request struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

type response struct {
	TranslatedText string `json:"translated_text"`
}

// NewHTTPTranslator creates a translator posting to url.
func NewHTTPTranslator(url string, timeout time.Duration) *HTTPTranslator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPTranslator{url: url, client: &http.Client{Timeout: timeout}}
}

// Translate implements Translator. Same-language and empty requests skip the network.
func (t *HTTPTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	if strings.TrimSpace(text) == "" || strings.EqualFold(source, target) {
		return text, nil
	}
	payload, err := json.Marshal(request{Text: text, SourceLang: source, TargetLang: target})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranslation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranslation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		slog.Error("HTTPTranslator.Translate: request failed", "source", source, "target", target, "error", err)
		return "", fmt.Errorf("%w: %w", ErrTranslation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Error("HTTPTranslator.Translate: non-success status", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrTranslation, resp.StatusCode)
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode: %w", ErrTranslation, err)
	}
	return out.TranslatedText, nil
}
