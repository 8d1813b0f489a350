package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// TestOutboxRestartRecovery enqueues a delivery, "crashes" while it is being
// sent, reopens the database and checks it is delivered exactly once.
func TestOutboxRestartRecovery(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	id, err := s1.EnqueueDelivery(ctx, "conv-1", "15550001111", "Hello!")
	if err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}
	claimed, err := s1.ClaimDueDeliveries(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ClaimDueDeliveries failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != DeliverySending {
		t.Fatalf("expected one claimed delivery, got %+v", claimed)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent atomic.Int32
	sender := NewOutboxSender(s2, func(ctx context.Context, d Delivery) error {
		if d.ID != id {
			t.Errorf("unexpected delivery %s", d.ID)
		}
		sent.Add(1)
		return nil
	}, 10*time.Millisecond)
	sender.staleThreshold = -time.Minute // everything in sending counts as stale

	if err := sender.RecoverStale(ctx); err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	sender.Poll(ctx)
	sender.Poll(ctx)

	if got := sent.Load(); got != 1 {
		t.Fatalf("expected exactly one send, got %d", got)
	}
}

func TestOutboxSenderRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	id, _ := s.EnqueueDelivery(ctx, "conv-1", "r", "body")

	sender := NewOutboxSender(s, func(context.Context, Delivery) error {
		return errors.New("channel offline")
	}, time.Millisecond)

	for i := 0; i < MaxDeliveryAttempts; i++ {
		sender.Poll(ctx)
		d, _ := s.Delivery(id)
		if d.Attempts != i+1 {
			t.Fatalf("attempt %d: got attempts=%d", i, d.Attempts)
		}
		if d.Status == DeliveryQueued {
			// make the retry due immediately
			past := time.Now().UTC().Add(-time.Second)
			s.mu.Lock()
			s.deliveries[id].NextAttemptAt = &past
			s.mu.Unlock()
		}
	}
	d, _ := s.Delivery(id)
	if d.Status != DeliveryFailed {
		t.Fatalf("expected failed after %d attempts, got %s", MaxDeliveryAttempts, d.Status)
	}
	if d.LastError != "channel offline" {
		t.Errorf("unexpected last error %q", d.LastError)
	}
}
