// Package whatsapp wraps the whatsmeow client so DialogPipe conversations can
// run over a linked WhatsApp account.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is where the whatsmeow device store lives when no DSN is given.
	DefaultSQLitePath = "/var/lib/dialogpipe/whatsmeow.db"
	// JIDSuffix is the server part of a regular user JID.
	JIDSuffix = "s.whatsapp.net"
)

// Errors returned by SendMessage.
var (
	ErrNotConnected   = errors.New("whatsapp client not connected")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// Sender sends a text message to a phone number given as bare digits.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds the device store and login settings of the client.
type Opts struct {
	DBDSN       string // whatsmeow device store
	QRPath      string // file receiving the login QR code, stdout when empty
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option configures the client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store DSN. PostgreSQL and SQLite are supported.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client is a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// driverFor maps a device store DSN to the database/sql driver whatsmeow should use.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the device store, logs in when the store holds no device
// and connects. Logging in blocks until the QR code is scanned or expires.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no device store DSN, using default", "path", dsn)
	}
	driver := driverFor(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device store without foreign keys, whatsmeow expects them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("whatsapp.NewClient: device store unavailable", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to open whatsapp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to whatsapp: %w", err)
		}
		slog.Info("whatsapp.NewClient: connected", "jid", waClient.Store.ID.String())
		return &Client{waClient: waClient}, nil
	}

	slog.Info("whatsapp.NewClient: device not linked, starting login")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start whatsapp login: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to whatsapp during login: %w", err)
	}
	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			waClient.Disconnect()
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			writeCode(out, evt.Code, cfg.NumericCode)
		case whatsmeow.QRChannelSuccess.Event:
			slog.Info("whatsapp.NewClient: device linked")
		default:
			slog.Warn("whatsapp.NewClient: login event", "event", evt.Event)
		}
	}
	if waClient.Store.ID == nil {
		waClient.Disconnect()
		return nil, errors.New("whatsapp login did not complete")
	}
	return &Client{waClient: waClient}, nil
}

func writeCode(w io.Writer, code string, numeric bool) {
	if numeric {
		fmt.Fprintln(w, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// SendMessage sends body as a plain text message to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotConnected
	}
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	resp, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("Client.SendMessage: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "id", resp.ID, "length", len(body))
	return nil
}

// AddEventHandler registers h for every whatsmeow event.
func (c *Client) AddEventHandler(h func(evt any)) uint32 {
	return c.waClient.AddEventHandler(func(evt interface{}) { h(evt) })
}

// RemoveEventHandler unregisters a handler added with AddEventHandler.
func (c *Client) RemoveEventHandler(id uint32) bool {
	return c.waClient.RemoveEventHandler(id)
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records sent messages instead of sending them.
type MockClient struct {
	Sent []SentMessage
	Err  error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(_ context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}
