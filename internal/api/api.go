// Package api exposes DialogPipe conversations over HTTP.
//
// Every endpoint answers with the models.APIResponse envelope. The Twilio
// webhook is mounted when a Twilio channel is configured.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Server timeouts. Turns wait on generative backends, so writes get a long budget.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	// MaxRequestBytes bounds request bodies.
	MaxRequestBytes = 64 << 10
)

// Conversations is the part of flow.Engine served over HTTP.
type Conversations interface {
	Start(ctx context.Context, req models.StartConversationRequest, recipient string) (models.TurnResult, error)
	Turn(ctx context.Context, id, text string) (models.TurnResult, error)
	Get(ctx context.Context, id string) (models.Conversation, error)
	Messages(ctx context.Context, id string) ([]models.Message, error)
}

// Server is the HTTP boundary of the engine.
type Server struct {
	conversations Conversations
	twilioWebhook http.HandlerFunc
	mux           *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(s *Server) {
		s.twilioWebhook = h
	}
}

// NewServer builds the routes.
func NewServer(conversations Conversations, opts ...Option) *Server {
	s := &Server{conversations: conversations, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("POST /conversations", s.startHandler)
	s.mux.HandleFunc("GET /conversations/{id}", s.getHandler)
	s.mux.HandleFunc("POST /conversations/{id}/turns", s.turnHandler)
	s.mux.HandleFunc("GET /conversations/{id}/messages", s.messagesHandler)
	if s.twilioWebhook != nil {
		s.mux.HandleFunc("POST /twilio/webhook", s.twilioWebhook)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	slog.Debug("Server.ServeHTTP: request served", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Server.ListenAndServe: stopped")
	return nil
}
