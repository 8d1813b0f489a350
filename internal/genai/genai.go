// Package genai provides the generative reply backends used by the dialog engine.
//
// Every backend implements the narrow Backend interface. Which implementation
// serves the interview, casual and community roles is decided by configuration.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/config"
)

// Errors returned by backends.
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyReply        = errors.New("backend returned an empty reply")
	ErrBackendStatus     = errors.New("backend returned a non-success status")
	ErrAPIKeyMissing     = errors.New("OpenAI API key not set")
	ErrUnknownKind       = errors.New("unknown backend kind")
)

// Request is the input of one generation call.
type Request struct {
	// Context is the rolling canonical-English transcript, newest line last.
	Context string
	// PastUserInputs and GeneratedResponses feed conversational backends that
	// take the history as parallel lists.
	PastUserInputs     []string
	GeneratedResponses []string
	// Text is the newest user utterance in canonical English.
	Text string
}

// Reply is the output of one generation call.
type Reply struct {
	Text     string
	Latency  time.Duration
	Language string
}

// Backend generates a reply for a conversation context.
type Backend interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// Role names used in logs.
const (
	RoleInterview = "interview"
	RoleCasual    = "casual"
	RoleCommunity = "community"
)

// FromConfig builds the backend described by cfg for the given role. The
// community role speaks the conversational request shape when served over HTTP.
func FromConfig(role string, cfg config.BackendConfig, stateDir string) (Backend, error) {
	switch cfg.Kind {
	case config.BackendOpenAI:
		opts := []Option{
			WithAPIKey(cfg.APIKey),
			WithSystemPrompt(cfg.SystemPrompt),
			WithLanguage(cfg.Language),
			WithTimeout(cfg.Timeout),
		}
		if cfg.Model != "" {
			opts = append(opts, WithModel(cfg.Model))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, WithMaxTokens(cfg.MaxTokens))
		}
		if cfg.Temperature > 0 {
			opts = append(opts, WithTemperature(cfg.Temperature))
		}
		if cfg.Debug {
			opts = append(opts, WithDebugMode(stateDir))
		}
		slog.Debug("genai.FromConfig: building OpenAI backend", "role", role, "model", cfg.Model)
		return NewClient(opts...)
	case config.BackendHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%s backend: url is required", role)
		}
		slog.Debug("genai.FromConfig: building HTTP backend", "role", role, "url", cfg.URL)
		if role == RoleCommunity {
			return NewCommunityBackend(cfg.URL, cfg.Timeout, cfg.Language), nil
		}
		return NewHTTPBackend(cfg.URL, cfg.Timeout, cfg.Language), nil
	default:
		return nil, fmt.Errorf("%s backend: %w: %q", role, ErrUnknownKind, cfg.Kind)
	}
}
