// Package messaging connects chat channels to the dialog engine. A Service
// delivers messages over one channel and emits what participants send back;
// a Bridge turns those messages into conversation turns.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

const (
	// DefaultChannelBufferSize is the capacity of a service's inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long a service waits on a full inbound channel.
	DefaultChannelTimeout = time.Second
	// MinPhoneDigits is the shortest accepted phone number.
	MinPhoneDigits = 6
)

// Errors returned by services.
var (
	ErrServiceStopped   = errors.New("messaging service stopped")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Inbound is a text message a participant sent over a chat channel.
type Inbound struct {
	// ID is the channel's message id, used to drop redeliveries. May be empty.
	ID   string
	From string
	Body string
	Time time.Time
}

// Service delivers messages over one chat channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the channel's canonical form of recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	// SendMessage sends body to the recipient to.
	SendMessage(ctx context.Context, to string, body string) error
	// Start begins receiving messages.
	Start(ctx context.Context) error
	// Stop stops receiving and closes the Messages channel.
	Stop() error
	// Messages returns the inbound participant messages.
	Messages() <-chan Inbound
}

// CanonicalizePhone strips everything but digits from recipient.
func CanonicalizePhone(recipient string) (string, error) {
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits in %q", ErrInvalidRecipient, recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is shorter than %d digits", ErrInvalidRecipient, canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("messaging.CanonicalizePhone: recipient canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inbox is the inbound channel shared by the services. Sends and Close are
// serialized so a message is never emitted on a closed channel.
type inbox struct {
	mu      sync.RWMutex
	ch      chan Inbound
	stopped bool
}

func newInbox() inbox {
	return inbox{ch: make(chan Inbound, DefaultChannelBufferSize)}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit queues msg and reports false when the service is stopped or the channel stays full.
func (b *inbox) emit(msg Inbound) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("messaging.emit: service stopped, dropping message", "from", msg.From)
		return false
	}
	select {
	case b.ch <- msg:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emit: inbound channel full, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}
