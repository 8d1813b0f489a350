package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	inbound       map[string]*time.Time
	deliveries    map[string]*Delivery
}

var _ Backend = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		inbound:       make(map[string]*time.Time),
		deliveries:    make(map[string]*Delivery),
	}
}

// CreateConversation implements Store.
func (s *InMemoryStore) CreateConversation(_ context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, conv.ID)
	}
	if err := checkOrdinals(0, conv.Messages); err != nil {
		return err
	}
	s.conversations[conv.ID] = conv.Clone()
	slog.Debug("InMemoryStore.CreateConversation: stored", "id", conv.ID, "messages", len(conv.Messages))
	return nil
}

// GetConversation implements Store.
func (s *InMemoryStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv.Clone(), nil
}

// UpdateConversation implements Store.
func (s *InMemoryStore) UpdateConversation(_ context.Context, id string, update models.ConversationUpdate, newMessages []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkOrdinals(len(conv.Messages), newMessages); err != nil {
		return err
	}
	conv = conv.Clone()
	conv.CurrentBlock = update.CurrentBlock
	conv.BlockTurnCount = update.BlockTurnCount
	conv.EpisodeDone = update.EpisodeDone
	conv.QuestionQueue = append([]models.QueuedQuestion(nil), update.QuestionQueue...)
	conv.Progress = update.Progress
	conv.Farewell = update.Farewell
	conv.Messages = append(conv.Messages, newMessages...)
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[id] = conv
	return nil
}

// ListMessages implements Store.
func (s *InMemoryStore) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// FindActiveByRecipient implements Store.
func (s *InMemoryStore) FindActiveByRecipient(_ context.Context, recipient string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Conversation
	for _, conv := range s.conversations {
		if conv.Recipient != recipient || conv.EpisodeDone {
			continue
		}
		if found == nil || conv.CreatedAt.After(found.CreatedAt) {
			c := conv
			found = &c
		}
	}
	if found == nil {
		return models.Conversation{}, fmt.Errorf("%w: no active conversation for recipient", ErrNotFound)
	}
	return found.Clone(), nil
}

// RecordInbound implements DedupRepo.
func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = nil
	return true, nil
}

// MarkProcessed implements DedupRepo.
func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.inbound[messageID] = &now
	return nil
}

// ReleaseInbound implements DedupRepo.
func (s *InMemoryStore) ReleaseInbound(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if processed, seen := s.inbound[messageID]; seen && processed == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

// EnqueueDelivery implements OutboxRepo.
func (s *InMemoryStore) EnqueueDelivery(_ context.Context, conversationID, recipient, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	d := &Delivery{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Recipient:      recipient,
		Body:           body,
		Status:         DeliveryQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.deliveries[d.ID] = d
	return d.ID, nil
}

// ClaimDueDeliveries implements OutboxRepo.
func (s *InMemoryStore) ClaimDueDeliveries(_ context.Context, now time.Time, limit int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Delivery
	for _, d := range s.deliveries {
		if d.Status == DeliveryQueued && (d.NextAttemptAt == nil || !d.NextAttemptAt.After(now)) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Delivery, 0, len(due))
	for _, d := range due {
		locked := now
		d.Status = DeliverySending
		d.LockedAt = &locked
		d.UpdatedAt = now
		out = append(out, *d)
	}
	return out, nil
}

// MarkDeliverySent implements OutboxRepo.
func (s *InMemoryStore) MarkDeliverySent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s not found", id)
	}
	d.Status = DeliverySent
	d.LockedAt = nil
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// FailDelivery implements OutboxRepo.
func (s *InMemoryStore) FailDelivery(_ context.Context, id, errMsg string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s not found", id)
	}
	d.Attempts++
	d.LastError = errMsg
	d.LockedAt = nil
	d.UpdatedAt = time.Now().UTC()
	if d.Attempts >= MaxDeliveryAttempts {
		d.Status = DeliveryFailed
		d.NextAttemptAt = nil
		return nil
	}
	d.Status = DeliveryQueued
	d.NextAttemptAt = &next
	return nil
}

// RequeueStaleDeliveries implements OutboxRepo.
func (s *InMemoryStore) RequeueStaleDeliveries(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.Status == DeliverySending && d.LockedAt != nil && d.LockedAt.Before(staleBefore) {
			d.Status = DeliveryQueued
			d.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// Delivery returns a copy of the delivery with the given id.
func (s *InMemoryStore) Delivery(id string) (Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	return nil
}

// checkOrdinals verifies that msgs carry the ordinals start, start+1, ...
func checkOrdinals(start int, msgs []models.Message) error {
	for i, m := range msgs {
		if m.Ordinal != start+i {
			return fmt.Errorf("%w: got %d, want %d", ErrOrdinalConflict, m.Ordinal, start+i)
		}
	}
	return nil
}
