package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultGraphBaseURL is the WhatsApp Cloud API endpoint.
const DefaultGraphBaseURL = "https://graph.facebook.com/v18.0"

// Webhook parse outcomes.
const (
	CloudStatusNoMessages = "no_messages"
	CloudStatusReceived   = "received"
)

const (
	cloudSendTimeout  = 30 * time.Second
	cloudMaxErrorBody = 4096
)

// Template defaults.
const (
	DefaultTemplateLanguage = "es"
	// DefaultStatusLimit bounds the tracked delivery statuses.
	DefaultStatusLimit = 10000
)

// CloudStatusSent is recorded for a message accepted by the Graph API until
// a webhook reports a later status.
const CloudStatusSent = "sent"

// CloudInbound is the first message of a Cloud API webhook payload.
type CloudInbound struct {
	Status    string `json:"status"`
	From      string `json:"from,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Type      string `json:"type,omitempty"`
	Text      string `json:"text"`
}

// CloudStatus is the delivery status of one outbound message.
type CloudStatus struct {
	MessageID   string `json:"message_id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// CloudOpts configures a CloudService.
type CloudOpts struct {
	APIToken      string
	PhoneNumberID string
	VerifyToken   string
	BaseURL       string
	HTTPClient    *http.Client
	Dedup         store.DedupRepo
	StatusLimit   int
}

// CloudOption configures CloudOpts.
type CloudOption func(*CloudOpts)

// WithCloudCredentials sets the Graph API token and sending phone number id.
func WithCloudCredentials(apiToken, phoneNumberID string) CloudOption {
	return func(o *CloudOpts) {
		o.APIToken = apiToken
		o.PhoneNumberID = phoneNumberID
	}
}

// WithVerifyToken sets the token expected by the webhook verification handshake.
func WithVerifyToken(token string) CloudOption {
	return func(o *CloudOpts) {
		o.VerifyToken = token
	}
}

// WithGraphBaseURL overrides DefaultGraphBaseURL.
func WithGraphBaseURL(url string) CloudOption {
	return func(o *CloudOpts) {
		o.BaseURL = url
	}
}

// WithCloudHTTPClient overrides the HTTP client used for sends.
func WithCloudHTTPClient(c *http.Client) CloudOption {
	return func(o *CloudOpts) {
		o.HTTPClient = c
	}
}

// WithCloudDedup drops webhook messages whose id was already seen.
func WithCloudDedup(repo store.DedupRepo) CloudOption {
	return func(o *CloudOpts) {
		o.Dedup = repo
	}
}

// WithStatusLimit bounds the number of tracked delivery statuses.
func WithStatusLimit(n int) CloudOption {
	return func(o *CloudOpts) {
		o.StatusLimit = n
	}
}

// CloudService implements Service on the WhatsApp Business Cloud API.
type CloudService struct {
	*emitter
	cfg CloudOpts

	mu          sync.Mutex
	statuses    map[string]CloudStatus
	statusOrder []string
}

var _ Service = (*CloudService)(nil)

// NewCloudService creates a CloudService.
func NewCloudService(opts ...CloudOption) *CloudService {
	cfg := CloudOpts{BaseURL: DefaultGraphBaseURL, StatusLimit: DefaultStatusLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cloudSendTimeout}
	}
	slog.Debug("CloudService: configured",
		"api_token_set", cfg.APIToken != "",
		"phone_number_id_set", cfg.PhoneNumberID != "",
		"verify_token_set", cfg.VerifyToken != "")
	if cfg.StatusLimit <= 0 {
		cfg.StatusLimit = DefaultStatusLimit
	}
	return &CloudService{
		emitter:  newEmitter("CloudService"),
		cfg:      cfg,
		statuses: make(map[string]CloudStatus),
	}
}

// Channel returns models.ChannelCloud.
func (s *CloudService) Channel() models.Channel {
	return models.ChannelCloud
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op; the Cloud API pushes events to the webhook.
func (s *CloudService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *CloudService) Stop() error {
	s.stop()
	return nil
}

// Verify answers the webhook subscription handshake. It returns the
// challenge to echo and whether the request is authorised.
func (s *CloudService) Verify(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || s.cfg.VerifyToken == "" || token != s.cfg.VerifyToken {
		return "", false
	}
	return challenge, true
}

// ParseWebhook extracts the first message of a webhook payload.
func ParseWebhook(body []byte) CloudInbound {
	msg := gjson.GetBytes(body, "entry.0.changes.0.value.messages.0")
	if !msg.Exists() || !msg.IsObject() {
		return CloudInbound{Status: CloudStatusNoMessages}
	}
	in := CloudInbound{
		Status:    CloudStatusReceived,
		From:      msg.Get("from").String(),
		MessageID: msg.Get("id").String(),
		Type:      msg.Get("type").String(),
	}
	if in.Type == "text" {
		in.Text = msg.Get("text.body").String()
	}
	return in
}

// Accept queues a received text message for the dispatcher. It reports
// whether the message was queued.
func (s *CloudService) Accept(in CloudInbound) bool {
	if in.Status != CloudStatusReceived || in.Type != "text" || strings.TrimSpace(in.Text) == "" || in.From == "" {
		return false
	}
	if s.cfg.Dedup != nil && in.MessageID != "" {
		inserted, err := s.cfg.Dedup.RecordInbound(in.MessageID, in.From)
		if err != nil {
			slog.Error("CloudService.Accept: dedup failed", "message_id", in.MessageID, "error", err)
			return false
		}
		if !inserted {
			slog.Info("CloudService.Accept: duplicate message ignored", "message_id", in.MessageID)
			return false
		}
	}
	return s.emitResponse(models.Response{
		From:      in.From,
		Body:      in.Text,
		Time:      time.Now().Unix(),
		MessageID: in.MessageID,
		Channel:   models.ChannelCloud,
	})
}

// SendMessage posts a text message to the Graph API.
func (s *CloudService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.sendable(to)
	if err != nil {
		return err
	}

	payload := `{"messaging_product":"whatsapp","type":"text"}`
	if payload, err = sjson.Set(payload, "to", canonical); err != nil {
		return fmt.Errorf("build payload: %w", err)
	}
	if payload, err = sjson.Set(payload, "text.body", body); err != nil {
		return fmt.Errorf("build payload: %w", err)
	}
	_, err = s.post(ctx, canonical, payload)
	return err
}

// SendTemplate posts an approved template message whose body parameters are
// filled in order. An empty language selects DefaultTemplateLanguage. It
// returns the Graph API message id.
func (s *CloudService) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("template name is required")
	}
	canonical, err := s.sendable(to)
	if err != nil {
		return "", err
	}
	if language == "" {
		language = DefaultTemplateLanguage
	}

	type field struct {
		path  string
		value interface{}
	}
	fields := []field{
		{"to", canonical},
		{"template.name", name},
		{"template.language.code", language},
	}
	if len(params) > 0 {
		fields = append(fields, field{"template.components.0.type", "body"})
	}
	for _, p := range params {
		fields = append(fields, field{"template.components.0.parameters.-1", map[string]string{"type": "text", "text": p}})
	}

	payload := `{"messaging_product":"whatsapp","type":"template"}`
	for _, f := range fields {
		if payload, err = sjson.Set(payload, f.path, f.value); err != nil {
			return "", fmt.Errorf("build template payload: %w", err)
		}
	}
	return s.post(ctx, canonical, payload)
}

func (s *CloudService) sendable(to string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	if s.cfg.APIToken == "" || s.cfg.PhoneNumberID == "" {
		return "", ErrNoSender
	}
	return s.ValidateAndCanonicalizeRecipient(to)
}

// post sends payload to the messages endpoint, records the returned message
// id as sent and emits a receipt.
func (s *CloudService) post(ctx context.Context, canonical, payload string) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", s.cfg.BaseURL, s.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", canonical, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, cloudMaxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(respBody, "error.message").String()
		slog.Error("CloudService.SendMessage: send rejected", "to", canonical, "status", resp.StatusCode, "error", msg)
		return "", fmt.Errorf("send to %s: status %d: %s", canonical, resp.StatusCode, msg)
	}

	id := gjson.GetBytes(respBody, "messages.0.id").String()
	slog.Debug("CloudService.SendMessage: message sent", "to", canonical, "message_id", id)
	now := time.Now().Unix()
	if id != "" {
		s.TrackStatuses([]CloudStatus{{MessageID: id, Status: CloudStatusSent, RecipientID: canonical, Timestamp: now}})
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: now})
	return id, nil
}

// ParseStatuses extracts the delivery statuses of a webhook payload.
func ParseStatuses(body []byte) []CloudStatus {
	var out []CloudStatus
	gjson.GetBytes(body, "entry.0.changes.0.value.statuses").ForEach(func(_, st gjson.Result) bool {
		id := st.Get("id").String()
		if id == "" {
			return true
		}
		out = append(out, CloudStatus{
			MessageID:   id,
			Status:      st.Get("status").String(),
			RecipientID: st.Get("recipient_id").String(),
			Timestamp:   st.Get("timestamp").Int(),
		})
		return true
	})
	return out
}

// TrackStatuses records the latest status per message id. The oldest ids
// are forgotten beyond the configured limit.
func (s *CloudService) TrackStatuses(list []CloudStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range list {
		if _, ok := s.statuses[st.MessageID]; !ok {
			s.statusOrder = append(s.statusOrder, st.MessageID)
		}
		s.statuses[st.MessageID] = st
	}
	for len(s.statusOrder) > s.cfg.StatusLimit {
		delete(s.statuses, s.statusOrder[0])
		s.statusOrder = s.statusOrder[1:]
	}
}

// MessageStatus returns the last tracked status of message id.
func (s *CloudService) MessageStatus(id string) (CloudStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	if !ok {
		return CloudStatus{}, ErrUnknownMessage
	}
	return st, nil
}
