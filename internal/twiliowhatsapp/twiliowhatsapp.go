// Package twiliowhatsapp wraps the Twilio API for WhatsApp messaging in SalesPipe.
//
// It sends outbound messages and places voice calls through the REST API,
// checks the signature of inbound webhooks and renders TwiML replies.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// WhatsAppPrefix marks WhatsApp addresses in Twilio.
const WhatsAppPrefix = "whatsapp:"

// Voice prompts.
const (
	VoiceGreetingText = "Hola, bienvenido a SalesPipe."
	VoiceErrorText    = "Lo siento, hubo un error."
	VoiceLanguage     = "es-ES"

	// VoiceMaxRecordSeconds bounds the recorded caller message.
	VoiceMaxRecordSeconds = 60
)

var (
	// ErrMissingCredentials is returned when the account SID or auth token is absent.
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	// ErrMissingFromNumber is returned when no sender number is configured.
	ErrMissingFromNumber = errors.New("from number must be provided")
	// ErrMissingCallbackURL is returned by MakeCall without a TwiML URL.
	ErrMissingCallbackURL = errors.New("call TwiML URL must be provided")
)

// Sender sends a WhatsApp text message.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Caller places outbound voice calls whose script is served at twimlURL.
type Caller interface {
	MakeCall(ctx context.Context, to, twimlURL string) (string, error)
}

// StatusFetcher reports the delivery status of a sent message.
type StatusFetcher interface {
	MessageStatus(ctx context.Context, sid string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending WhatsApp number, with or without the
// "whatsapp:" prefix.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	rest *twilio.RestClient
	from string
}

var (
	_ Sender        = (*Client)(nil)
	_ Caller        = (*Client)(nil)
	_ StatusFetcher = (*Client)(nil)
)

// NewClient creates a Client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio.NewClient: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromNumber == "" {
		return nil, ErrMissingFromNumber
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{rest: rest, from: Address(cfg.FromNumber)}, nil
}

// Address returns number in Twilio's WhatsApp address form.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return WhatsAppPrefix + number
}

// StripAddress removes the "whatsapp:" prefix Twilio puts on inbound senders.
func StripAddress(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), WhatsAppPrefix)
}

// SendMessage sends a WhatsApp message through the REST API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Client.SendMessage: Twilio send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Client.SendMessage: message sent", "to", to, "sid", sid)
	return nil
}

// MakeCall dials to from the configured number without its WhatsApp prefix
// and returns the call SID.
func (c *Client) MakeCall(ctx context.Context, to, twimlURL string) (string, error) {
	if twimlURL == "" {
		return "", ErrMissingCallbackURL
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(voiceNumber(to))
	params.SetFrom(StripAddress(c.from))
	params.SetUrl(twimlURL)

	resp, err := c.rest.Api.CreateCall(params)
	if err != nil {
		slog.Error("Client.MakeCall: Twilio call failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to call %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Info("Client.MakeCall: call created", "to", to, "sid", sid)
	return sid, nil
}

// MessageStatus fetches the current status of message sid.
func (c *Client) MessageStatus(ctx context.Context, sid string) (string, error) {
	resp, err := c.rest.Api.FetchMessage(sid, &twilioApi.FetchMessageParams{})
	if err != nil {
		slog.Warn("Client.MessageStatus: fetch failed", "sid", sid, "error", err)
		return "", fmt.Errorf("failed to fetch message %s: %w", sid, err)
	}
	if resp == nil || resp.Status == nil {
		return "", nil
	}
	return *resp.Status, nil
}

func voiceNumber(number string) string {
	number = StripAddress(number)
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return number
}

// Validator checks the X-Twilio-Signature header of inbound webhooks.
type Validator struct {
	rv client.RequestValidator
}

// NewValidator returns a Validator for authToken.
func NewValidator(authToken string) *Validator {
	return &Validator{rv: client.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the request URL and form params.
func (v *Validator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.rv.Validate(url, params, signature)
}

// MessageReply renders a TwiML response carrying body. An empty body renders
// an empty response, which tells Twilio not to answer.
func MessageReply(body string) (string, error) {
	var verbs []twiml.Element
	if body != "" {
		verbs = append(verbs, &twiml.MessagingMessage{Body: body})
	}
	return twiml.Messages(verbs)
}

// VoiceGreeting renders the answer to an inbound call: a greeting followed
// by a transcribed recording of the caller.
func VoiceGreeting() (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: VoiceGreetingText, Language: VoiceLanguage},
		&twiml.VoiceRecord{MaxLength: strconv.Itoa(VoiceMaxRecordSeconds), Transcribe: "true"},
	})
}

// VoiceError renders the apology played when a call cannot be handled.
func VoiceError() (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: VoiceErrorText, Language: VoiceLanguage},
	})
}

// MockClient records sent messages and placed calls. It is safe for
// concurrent use.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Calls        []PlacedCall
	// Statuses answers MessageStatus by SID.
	Statuses map[string]string
	Err      error
}

// PlacedCall is one call recorded by MockClient.
type PlacedCall struct {
	To  string
	URL string
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

var (
	_ Sender        = (*MockClient)(nil)
	_ Caller        = (*MockClient)(nil)
	_ StatusFetcher = (*MockClient)(nil)
)

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}, Statuses: map[string]string{}}
}

// SendMessage records the message, or returns Err when set.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// MakeCall records the call and returns a SID derived from its position.
func (m *MockClient) MakeCall(ctx context.Context, to, twimlURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if twimlURL == "" {
		return "", ErrMissingCallbackURL
	}
	m.Calls = append(m.Calls, PlacedCall{To: to, URL: twimlURL})
	return fmt.Sprintf("CA%d", len(m.Calls)), nil
}

// MessageStatus returns the configured status of sid.
func (m *MockClient) MessageStatus(ctx context.Context, sid string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.Statuses[sid], nil
}
