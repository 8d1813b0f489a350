package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/turnlock"
)

// Engine is the part of flow.Engine the bridge drives.
type Engine interface {
	Start(ctx context.Context, req models.StartConversationRequest, recipient string) (models.TurnResult, error)
	Turn(ctx context.Context, id, text string) (models.TurnResult, error)
	FindActive(ctx context.Context, recipient string) (models.Conversation, error)
}

// Repo is the persistence the bridge needs: inbound dedup and the delivery outbox.
type Repo interface {
	store.DedupRepo
	store.OutboxRepo
}

// Bridge turns inbound chat messages into conversation turns. A participant
// without an unfinished conversation gets a new one; the replies are queued
// in the outbox and sent by Send.
type Bridge struct {
	svc    Service
	engine Engine
	repo   Repo
	start  models.StartConversationRequest
	locker turnlock.Locker
}

// NewBridge builds a bridge. start is the request used for conversations
// opened from the channel.
func NewBridge(svc Service, engine Engine, repo Repo, start models.StartConversationRequest) *Bridge {
	return &Bridge{
		svc:    svc,
		engine: engine,
		repo:   repo,
		start:  start,
		locker: turnlock.NewLocal(),
	}
}

// Run handles inbound messages until ctx is done or the service stops.
func (b *Bridge) Run(ctx context.Context) {
	slog.Info("Bridge.Run: handling inbound messages")
	defer slog.Info("Bridge.Run: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.svc.Messages():
			if !ok {
				return
			}
			if err := b.Handle(ctx, msg); err != nil {
				slog.Error("Bridge.Run: message not handled", "from", msg.From, "id", msg.ID, "error", err)
			}
		}
	}
}

// Handle processes one inbound message. Redelivered messages are ignored
// once a reply was queued; a message that failed is handled again when the
// channel redelivers it.
func (b *Bridge) Handle(ctx context.Context, msg Inbound) error {
	from, err := b.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		return b.process(ctx, from, msg)
	}
	fresh, err := b.repo.RecordInbound(ctx, msg.ID, from)
	if err != nil {
		return fmt.Errorf("failed to record inbound message: %w", err)
	}
	if !fresh {
		slog.Debug("Bridge.Handle: duplicate message dropped", "from", from, "id", msg.ID)
		return nil
	}
	if err := b.process(ctx, from, msg); err != nil {
		if rerr := b.repo.ReleaseInbound(context.WithoutCancel(ctx), msg.ID); rerr != nil {
			slog.Error("Bridge.Handle: failed to release message for redelivery", "id", msg.ID, "error", rerr)
		}
		return err
	}
	return nil
}

func (b *Bridge) process(ctx context.Context, from string, msg Inbound) error {
	// one participant's messages are handled in arrival order, so two quick
	// messages cannot open two conversations
	unlock, err := b.locker.Lock(ctx, from)
	if err != nil {
		return err
	}
	defer unlock()

	res, err := b.respond(ctx, from, msg.Body)
	if err != nil {
		return err
	}
	if _, err := b.repo.EnqueueDelivery(ctx, res.ConversationID, from, res.Reply.Text); err != nil {
		return fmt.Errorf("failed to queue reply: %w", err)
	}
	if msg.ID != "" {
		if err := b.repo.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("Bridge.Handle: failed to mark message processed", "id", msg.ID, "error", err)
		}
	}
	slog.Info("Bridge.Handle: reply queued", "from", from, "conversation", res.ConversationID, "done", res.EpisodeDone)
	return nil
}

// respond continues the participant's conversation or opens a new one, in
// which case the message only triggers the greeting.
func (b *Bridge) respond(ctx context.Context, from, text string) (models.TurnResult, error) {
	conv, err := b.engine.FindActive(ctx, from)
	switch {
	case err == nil:
		return b.engine.Turn(ctx, conv.ID, text)
	case errors.Is(err, store.ErrNotFound):
		slog.Info("Bridge.respond: opening conversation", "from", from, "persona", b.start.Persona)
		return b.engine.Start(ctx, b.start, from)
	default:
		return models.TurnResult{}, err
	}
}

// Send delivers one queued reply over the service. It is the outbox's store.SendFunc.
func (b *Bridge) Send(ctx context.Context, d store.Delivery) error {
	return b.svc.SendMessage(ctx, d.Recipient, d.Body)
}
