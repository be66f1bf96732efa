package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/twiliowhatsapp"
)

func postForm(t *testing.T, h http.HandlerFunc, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/v1/sales/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(TwilioSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func twilioSignature(token, u string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(u)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func inboundForm(sid string) url.Values {
	return url.Values{"From": {"whatsapp:+5215512345678"}, "Body": {"Hola, ¿qué planes tienen?"}, "MessageSid": {sid}}
}

func TestTwilioWebhookSyncAck(t *testing.T) {
	svc := NewTwilioService(nil)
	defer svc.Stop()

	rec := postForm(t, svc.WebhookHandler, inboundForm("SM1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), TwilioAck) {
		t.Errorf("expected acknowledgement TwiML, got %s", rec.Body.String())
	}
	select {
	case msg := <-svc.Responses():
		t.Errorf("sync mode must not queue messages, got %+v", msg)
	default:
	}
}

func TestTwilioWebhookAsyncQueuesOnce(t *testing.T) {
	dedup := store.NewInMemoryStore()
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithTwilioDedup(dedup))
	defer svc.Stop()

	rec := postForm(t, svc.WebhookHandler, inboundForm("SM2"), "")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "<Message>") {
		t.Fatalf("expected empty TwiML, got %d %s", rec.Code, rec.Body.String())
	}
	msg := <-svc.Responses()
	if msg.From != "+5215512345678" || msg.MessageID != "SM2" || msg.Channel != models.ChannelTwilio {
		t.Errorf("unexpected inbound message %+v", msg)
	}

	postForm(t, svc.WebhookHandler, inboundForm("SM2"), "")
	select {
	case dup := <-svc.Responses():
		t.Errorf("duplicate MessageSid was queued again: %+v", dup)
	default:
	}
}

func TestTwilioWebhookValidation(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithSignatureValidation("secret", ""))
	defer svc.Stop()

	form := inboundForm("SM3")
	if rec := postForm(t, svc.WebhookHandler, form, "bogus"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rec.Code)
	}
	sig := twilioSignature("secret", "http://example.com/api/v1/sales/twilio/webhook", form)
	if rec := postForm(t, svc.WebhookHandler, form, sig); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d: %s", rec.Code, rec.Body.String())
	}
	<-svc.Responses()

	if rec := postForm(t, svc.WebhookHandler, url.Values{"From": {"whatsapp:+1"}}, twilioSignature("secret", "http://example.com/api/v1/sales/twilio/webhook", url.Values{"From": {"whatsapp:+1"}})); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body, got %d", rec.Code)
	}
}

func TestTwilioSendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "+52 (155) 1234-5678", "Hola"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].To != "+5215512345678" {
		t.Errorf("unexpected sent messages %+v", sent)
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent {
		t.Errorf("unexpected receipt %+v", r)
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("12"); err == nil {
		t.Error("expected short number to be rejected")
	}

	svc.Stop()
	if err := svc.SendMessage(context.Background(), "5215512345678", "x"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if err := NewTwilioService(nil).SendMessage(context.Background(), "5215512345678", "x"); err != ErrNoSender {
		t.Errorf("expected ErrNoSender, got %v", err)
	}
}

func TestTwilioVoiceHandler(t *testing.T) {
	voiceURL := "http://example.com/api/v1/sales/twilio/voice"
	call := url.Values{"From": {"+5215512345678"}, "CallSid": {"CA1"}}
	serve := func(svc *TwilioService, signature string) string {
		req := httptest.NewRequest(http.MethodPost, voiceURL, strings.NewReader(call.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if signature != "" {
			req.Header.Set(TwilioSignatureHeader, signature)
		}
		rec := httptest.NewRecorder()
		svc.VoiceHandler(rec, req)
		if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/xml" {
			t.Fatalf("unexpected voice response %d %q", rec.Code, rec.Header().Get("Content-Type"))
		}
		return rec.Body.String()
	}

	open := NewTwilioService(nil)
	defer open.Stop()
	if body := serve(open, ""); !strings.Contains(body, twiliowhatsapp.VoiceGreetingText) || !strings.Contains(body, "<Record") {
		t.Errorf("expected greeting and recording, got %s", body)
	}

	signed := NewTwilioService(nil, WithSignatureValidation("secret", ""))
	defer signed.Stop()
	if body := serve(signed, "bogus"); !strings.Contains(body, twiliowhatsapp.VoiceErrorText) {
		t.Errorf("expected apology for bad signature, got %s", body)
	}
	if body := serve(signed, twilioSignature("secret", voiceURL, call)); !strings.Contains(body, twiliowhatsapp.VoiceGreetingText) {
		t.Errorf("expected greeting for valid signature, got %s", body)
	}
}

type senderOnly struct{}

func (senderOnly) SendMessage(ctx context.Context, to string, body string) error { return nil }

func TestTwilioCallAndStatus(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	defer svc.Stop()

	sid, err := svc.Call(context.Background(), "+52 155 1234 5678", "https://example.com/voice")
	if err != nil || sid != "CA1" {
		t.Fatalf("Call = %q, %v", sid, err)
	}
	if len(mock.Calls) != 1 || mock.Calls[0].To != "+5215512345678" {
		t.Errorf("unexpected calls %+v", mock.Calls)
	}
	if _, err := svc.Call(context.Background(), "12", "https://example.com/voice"); err == nil {
		t.Error("expected short number to be rejected")
	}

	mock.Statuses["SM9"] = "delivered"
	if st, err := svc.MessageStatus(context.Background(), "SM9"); err != nil || st != "delivered" {
		t.Errorf("MessageStatus = %q, %v", st, err)
	}
	if _, err := svc.MessageStatus(context.Background(), "SM0"); err != ErrUnknownMessage {
		t.Errorf("expected ErrUnknownMessage, got %v", err)
	}

	plain := NewTwilioService(senderOnly{})
	defer plain.Stop()
	if _, err := plain.Call(context.Background(), "5215512345678", "https://example.com/voice"); err != ErrUnsupported {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if _, err := NewTwilioService(nil).MessageStatus(context.Background(), "SM9"); err != ErrNoSender {
		t.Errorf("expected ErrNoSender, got %v", err)
	}
}
