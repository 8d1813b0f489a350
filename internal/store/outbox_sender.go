package store

import (
	"context"
	"log/slog"
	"time"
)

// SendFunc performs the actual channel send of a delivery.
type SendFunc func(ctx context.Context, d Delivery) error

// OutboxSender periodically claims due deliveries and hands them to a SendFunc.
type OutboxSender struct {
	repo           OutboxRepo
	send           SendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxSender creates an OutboxSender polling every pollInterval.
func NewOutboxSender(repo OutboxRepo, send SendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RecoverStale requeues deliveries left in sending by a crashed process.
// It runs at startup and on the maintenance schedule.
func (s *OutboxSender) RecoverStale(ctx context.Context) error {
	n, err := s.repo.RequeueStaleDeliveries(ctx, time.Now().UTC().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStale: requeued stale deliveries", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting delivery sender", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and sends one batch of due deliveries.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now().UTC()
	batch, err := s.repo.ClaimDueDeliveries(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}
	for _, d := range batch {
		if err := s.send(ctx, d); err != nil {
			// 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<d.Attempts)) * time.Second
			slog.Warn("OutboxSender.Poll: send failed", "id", d.ID, "recipient", d.Recipient, "attempt", d.Attempts+1, "error", err)
			if err := s.repo.FailDelivery(ctx, d.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboxSender.Poll: failed to record failure", "id", d.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkDeliverySent(ctx, d.ID); err != nil {
			slog.Error("OutboxSender.Poll: failed to mark sent", "id", d.ID, "error", err)
			continue
		}
		slog.Debug("OutboxSender.Poll: delivered", "id", d.ID, "conversationID", d.ConversationID)
	}
}
