package twiliowhatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"sort"
	"testing"
)

func TestAddressAndNumber(t *testing.T) {
	tests := []struct {
		in, address, number string
	}{
		{"15550001", "whatsapp:+15550001", "15550001"},
		{"+15550001", "whatsapp:+15550001", "15550001"},
		{"whatsapp:+15550001", "whatsapp:+15550001", "15550001"},
	}
	for _, tt := range tests {
		if got := Address(tt.in); got != tt.address {
			t.Errorf("Address(%q) = %q, want %q", tt.in, got, tt.address)
		}
		if got := Number(tt.in); got != tt.number {
			t.Errorf("Number(%q) = %q, want %q", tt.in, got, tt.number)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"))
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromNumber("15550009"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.from != "whatsapp:+15550009" {
		t.Errorf("from = %q", c.from)
	}
}

// sign computes a webhook signature the way Twilio documents it.
func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := url
	for _, k := range keys {
		payload += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	url := "https://dialogpipe.example.com/twilio/webhook"
	params := map[string]string{"From": "whatsapp:+15550001", "Body": "hello", "MessageSid": "SM1"}
	v := NewSignatureValidator("secret")

	if !v.Valid(url, params, sign("secret", url, params)) {
		t.Error("expected a correctly signed request to validate")
	}
	if v.Valid(url, params, sign("other", url, params)) {
		t.Error("expected a request signed with another token to be rejected")
	}
	params["Body"] = "tampered"
	if v.Valid(url, params, sign("secret", url, map[string]string{"From": "whatsapp:+15550001", "Body": "hello", "MessageSid": "SM1"})) {
		t.Error("expected a tampered request to be rejected")
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	if err := m.SendMessage(context.Background(), "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 1 || msgs[0].Body != "Hello Test" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}
