// Package store provides storage backends for DialogPipe conversations.
//
// Conversations are documents keyed by a generated id; their messages form an
// ordered sub-collection keyed by ordinal. A turn is persisted as a partial
// merge of the conversation's mutable fields plus an append of its newest
// messages. In-memory, SQLite and PostgreSQL implementations are provided.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Errors returned by stores.
var (
	ErrNotFound        = errors.New("conversation not found")
	ErrAlreadyExists   = errors.New("conversation already exists")
	ErrOrdinalConflict = errors.New("message ordinals must continue the stored sequence")
	ErrDSNNotSet       = errors.New("database DSN not set")
)

// Store persists conversations and their messages.
type Store interface {
	// CreateConversation inserts conv together with its messages.
	CreateConversation(ctx context.Context, conv models.Conversation) error
	// GetConversation returns the conversation with all its messages in ordinal order.
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	// UpdateConversation merges update into the stored conversation and appends
	// newMessages, whose ordinals must continue the stored sequence.
	UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate, newMessages []models.Message) error
	// ListMessages returns the messages of a conversation in ordinal order.
	ListMessages(ctx context.Context, id string) ([]models.Message, error)
	// FindActiveByRecipient returns the newest unfinished conversation of a chat recipient.
	FindActiveByRecipient(ctx context.Context, recipient string) (models.Conversation, error)
	// Close releases the underlying resources.
	Close() error
}

// DedupRepo deduplicates inbound chat messages, which channels may redeliver.
type DedupRepo interface {
	// RecordInbound stores messageID and reports false when it was already recorded.
	RecordInbound(ctx context.Context, messageID, recipient string) (bool, error)
	// MarkProcessed sets the processed timestamp of messageID.
	MarkProcessed(ctx context.Context, messageID string) error
	// ReleaseInbound forgets messageID unless it was processed, so a
	// redelivery is handled again.
	ReleaseInbound(ctx context.Context, messageID string) error
}

// DeliveryStatus is the lifecycle state of an outgoing chat reply.
type DeliveryStatus string

const (
	DeliveryQueued  DeliveryStatus = "queued"
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// MaxDeliveryAttempts is the number of send attempts before a delivery is marked failed.
const MaxDeliveryAttempts = 5

// Delivery is a durable outgoing chat reply.
type Delivery struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Recipient      string         `json:"recipient"`
	Body           string         `json:"body"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	LockedAt       *time.Time     `json:"locked_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// OutboxRepo persists outgoing chat replies so that sends survive restarts and channel outages.
type OutboxRepo interface {
	// EnqueueDelivery queues body for recipient and returns the delivery id.
	EnqueueDelivery(ctx context.Context, conversationID, recipient, body string) (string, error)
	// ClaimDueDeliveries marks up to limit due queued deliveries as sending and returns them.
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	// MarkDeliverySent marks a delivery as sent.
	MarkDeliverySent(ctx context.Context, id string) error
	// FailDelivery records a failure; the delivery is retried at next unless
	// it ran out of attempts.
	FailDelivery(ctx context.Context, id, errMsg string, next time.Time) error
	// RequeueStaleDeliveries resets deliveries stuck in sending since before staleBefore.
	RequeueStaleDeliveries(ctx context.Context, staleBefore time.Time) (int, error)
}

// Backend is the full persistence surface used by the binary.
type Backend interface {
	Store
	DedupRepo
	OutboxRepo
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeMemory   = "memory"
)

// Opts holds configuration for SQL stores.
type Opts struct {
	DSN  string
	Type string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypeSQLite
	}
}

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypePostgres
	}
}

// DetectDSNType classifies a DSN as postgres, memory or sqlite.
func DetectDSNType(dsn string) string {
	switch {
	case dsn == "" || dsn == DSNTypeMemory:
		return DSNTypeMemory
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open builds the backend selected by dsn.
func Open(dsn string) (Backend, error) {
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		slog.Debug("store.Open: using PostgreSQL store")
		return NewPostgresStore(WithPostgresDSN(dsn))
	case DSNTypeSQLite:
		slog.Debug("store.Open: using SQLite store", "path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	default:
		slog.Warn("store.Open: no database DSN, conversations are kept in memory only")
		return NewInMemoryStore(), nil
	}
}
