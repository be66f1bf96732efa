// Package whatsapp wraps the whatsmeow client for the WhatsApp web channel of
// SalesPipe.
//
// It logs in with a QR code or numeric pairing code, sends text messages and
// exposes the underlying client so the messaging layer can subscribe to events.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path of the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/salespipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = types.DefaultUserServer
)

var (
	ErrNotInitialized = errors.New("whatsapp client not initialized")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// Sender sends WhatsApp text messages.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds the device database and login settings.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// driverFor picks the database/sql driver for dsn.
func driverFor(dsn string) string {
	return store.DetectDSNType(dsn)
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys, which
// whatsmeow requires for its schema.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, logs in when needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp.NewClient: options set", "db_dsn_set", cfg.DBDSN != "", "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := driverFor(dsn)
	if driver == "sqlite3" && !hasForeignKeys(dsn) {
		slog.Warn("WhatsApp.NewClient: SQLite DSN without foreign keys; add ?_foreign_keys=on",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp.NewClient: connected")
		return &Client{waClient: waClient}, nil
	}

	slog.Info("WhatsApp.NewClient: login required, starting pairing")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp.NewClient: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	slog.Info("WhatsApp.NewClient: connected after login")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a text message to a phone number without the leading "+".
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotInitialized
	}
	to = strings.TrimPrefix(strings.TrimSpace(to), "+")
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Client.SendMessage: WhatsApp send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: message sent", "to", to, "body_length", len(body))
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// TextOf extracts the text of a plain or extended text message.
func TextOf(msg *waE2E.Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	if msg.Conversation != nil {
		return msg.GetConversation(), true
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil && ext.Text != nil {
		return ext.GetText(), true
	}
	return "", false
}

// PhoneNumber returns the E.164 form of a user JID.
func PhoneNumber(jid types.JID) string {
	user := jid.User
	if user == "" {
		return ""
	}
	if !strings.HasPrefix(user, "+") {
		user = "+" + user
	}
	return user
}

// MockClient records sent messages instead of talking to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

var _ Sender = (*MockClient)(nil)

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the message, or returns Err when set.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
