package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without sending an automatic reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// messages arrive through WebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	validator  *twiliowhatsapp.SignatureValidator
	webhookURL string
	now        func() time.Time
	inbox
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose signature does not
// match authToken for the public webhookURL.
func WithSignatureValidation(authToken, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = twiliowhatsapp.NewSignatureValidator(authToken)
		s.webhookURL = webhookURL
	}
}

func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, now: time.Now, inbox: newInbox()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the bare digits of a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(twiliowhatsapp.Number(recipient))
}

// Start is a no-op; Twilio pushes messages to the webhook.
func (s *TwilioService) Start(context.Context) error {
	return nil
}

// Stop closes the Messages channel.
func (s *TwilioService) Stop() error {
	s.close()
	return nil
}

// SendMessage sends body to the phone number to.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Messages returns the inbound participant messages.
func (s *TwilioService) Messages() <-chan Inbound {
	return s.ch
}

// WebhookHandler receives Twilio's incoming message webhook.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: malformed form", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Valid(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	from, body := r.PostForm.Get("From"), r.PostForm.Get("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	msg := Inbound{
		ID:   r.PostForm.Get("MessageSid"),
		From: twiliowhatsapp.Number(from),
		Body: body,
		Time: s.now().UTC(),
	}
	if !s.emit(msg) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("TwilioService.WebhookHandler: inbound message forwarded", "from", msg.From, "id", msg.ID)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}
