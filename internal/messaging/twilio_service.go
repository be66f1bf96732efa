package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/twiliowhatsapp"
)

// Canned TwiML bodies.
const (
	// TwilioAck answers an inbound message when replies cannot be sent later.
	TwilioAck = "Recibido. ¿Qué producto/servicio te interesa y cuál es tu objetivo?"
	// TwilioErrorReply answers an inbound message that could not be queued.
	TwilioErrorReply = "Error procesando mensaje."
)

// TwilioSignatureHeader carries the webhook signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements Service on top of Twilio's WhatsApp API. Inbound
// messages arrive through WebhookHandler and inbound calls through
// VoiceHandler.
type TwilioService struct {
	*emitter
	client     twiliowhatsapp.Sender
	validator  *twiliowhatsapp.Validator
	webhookURL string
	dedup      store.DedupRepo
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhooks whose signature does not match
// authToken. webhookURL is the public URL Twilio calls; when empty it is
// rebuilt from the request.
func WithSignatureValidation(authToken, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		if authToken != "" {
			s.validator = twiliowhatsapp.NewValidator(authToken)
		}
		s.webhookURL = webhookURL
	}
}

// WithTwilioDedup drops webhooks whose MessageSid was already seen.
func WithTwilioDedup(repo store.DedupRepo) TwilioOption {
	return func(s *TwilioService) {
		s.dedup = repo
	}
}

// NewTwilioService creates a TwilioService. A nil client makes the webhook
// answer synchronously with TwilioAck instead of queueing the message.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{emitter: newEmitter("TwilioService"), client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel returns models.ChannelTwilio.
func (s *TwilioService) Channel() models.Channel {
	return models.ChannelTwilio
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp number to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(twiliowhatsapp.StripAddress(recipient))
}

// Start is a no-op; Twilio pushes events to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// Async reports whether replies are sent through the REST API.
func (s *TwilioService) Async() bool {
	return s.client != nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if s.client == nil {
		return ErrNoSender
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, "+"+canonical, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// WebhookHandler handles inbound Twilio webhook requests.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if !s.signed(r) {
		slog.Warn("TwilioService.WebhookHandler: signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	from := twiliowhatsapp.StripAddress(r.PostFormValue("From"))
	body := strings.TrimSpace(r.PostFormValue("Body"))
	sid := r.PostFormValue("MessageSid")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	slog.Info("TwilioService.WebhookHandler: inbound message", "from", from, "message_sid", sid, "body_length", len(body))

	if !s.Async() {
		writeTwiML(w, TwilioAck)
		return
	}
	if sid != "" && s.dedup != nil {
		inserted, err := s.dedup.RecordInbound(sid, from)
		if err != nil {
			slog.Error("TwilioService.WebhookHandler: dedup failed", "message_sid", sid, "error", err)
			writeTwiML(w, TwilioErrorReply)
			return
		}
		if !inserted {
			slog.Info("TwilioService.WebhookHandler: duplicate message ignored", "message_sid", sid)
			writeTwiML(w, "")
			return
		}
	}

	ok := s.emitResponse(models.Response{
		From:      from,
		Body:      body,
		Time:      time.Now().Unix(),
		MessageID: sid,
		Channel:   models.ChannelTwilio,
	})
	if !ok {
		writeTwiML(w, TwilioErrorReply)
		return
	}
	writeTwiML(w, "")
}

// VoiceHandler answers an inbound voice call with a greeting and a
// transcribed recording. A request whose signature does not match gets the
// spoken apology instead.
func (s *TwilioService) VoiceHandler(w http.ResponseWriter, r *http.Request) {
	render := twiliowhatsapp.VoiceGreeting
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.VoiceHandler: bad form", "error", err)
		render = twiliowhatsapp.VoiceError
	} else if !s.signed(r) {
		slog.Warn("TwilioService.VoiceHandler: signature mismatch", "remote", r.RemoteAddr)
		render = twiliowhatsapp.VoiceError
	} else {
		slog.Info("TwilioService.VoiceHandler: inbound call", "from", r.PostFormValue("From"), "call_sid", r.PostFormValue("CallSid"))
	}

	xml, err := render()
	if err != nil {
		slog.Error("TwilioService.VoiceHandler: render failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml))
}

// Call places an outbound voice call whose script is served at twimlURL and
// returns the call SID.
func (s *TwilioService) Call(ctx context.Context, to, twimlURL string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	if s.client == nil {
		return "", ErrNoSender
	}
	caller, ok := s.client.(twiliowhatsapp.Caller)
	if !ok {
		return "", ErrUnsupported
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	return caller.MakeCall(ctx, "+"+canonical, twimlURL)
}

// MessageStatus returns Twilio's delivery status of message sid.
func (s *TwilioService) MessageStatus(ctx context.Context, sid string) (string, error) {
	if s.client == nil {
		return "", ErrNoSender
	}
	fetcher, ok := s.client.(twiliowhatsapp.StatusFetcher)
	if !ok {
		return "", ErrUnsupported
	}
	status, err := fetcher.MessageStatus(ctx, sid)
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", ErrUnknownMessage
	}
	return status, nil
}

// signed reports whether r carries a valid signature. Without a validator
// every request passes. r must have been parsed.
func (s *TwilioService) signed(r *http.Request) bool {
	if s.validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.requestURL(r), params, r.Header.Get(TwilioSignatureHeader))
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writeTwiML(w http.ResponseWriter, body string) {
	xml, err := twiliowhatsapp.MessageReply(body)
	if err != nil {
		slog.Error("writeTwiML: render failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml))
}
