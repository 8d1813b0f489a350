package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/DialogPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is the part of whatsapp.Client that delivers events.
type eventSource interface {
	AddEventHandler(h func(evt any)) uint32
	RemoveEventHandler(id uint32) bool
}

// WhatsAppService implements Service over a linked WhatsApp account.
type WhatsAppService struct {
	client  whatsapp.Sender
	events  eventSource
	handler uint32
	inbox
}

// NewWhatsAppService wraps client. Inbound messages are only received when
// client is a *whatsapp.Client; mocks can only send.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, inbox: newInbox()}
	if src, ok := client.(eventSource); ok {
		s.events = src
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the bare digits of a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService.Start: client delivers no events, send only")
		return nil
	}
	s.handler = s.events.AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService.Start: receiving messages")
	return nil
}

// Stop unregisters the event handler and closes the Messages channel.
func (s *WhatsAppService) Stop() error {
	if s.events != nil && s.handler != 0 {
		s.events.RemoveEventHandler(s.handler)
	}
	s.close()
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage sends body to the phone number to.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Messages returns the inbound participant messages.
func (s *WhatsAppService) Messages() <-chan Inbound {
	return s.ch
}

func (s *WhatsAppService) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		slog.Info("WhatsAppService: connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService: disconnected")
	}
}

// handleIncomingMessage forwards direct text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppService: ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}
	msg := Inbound{
		ID:   evt.Info.ID,
		From: evt.Info.Sender.User,
		Body: text,
		Time: evt.Info.Timestamp,
	}
	if s.emit(msg) {
		slog.Debug("WhatsAppService: inbound message forwarded", "from", msg.From, "id", msg.ID)
	}
}
