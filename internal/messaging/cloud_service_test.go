package messaging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

const cloudTextPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"value": {"messages": [
    {"from": "5215512345678", "id": "wamid.1", "type": "text", "text": {"body": "¿Cuánto cuesta?"}}
  ]}}]}]
}`

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name string
		body string
		want CloudInbound
	}{
		{"text", cloudTextPayload, CloudInbound{Status: CloudStatusReceived, From: "5215512345678", MessageID: "wamid.1", Type: "text", Text: "¿Cuánto cuesta?"}},
		{"status update", `{"entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`, CloudInbound{Status: CloudStatusNoMessages}},
		{"image", `{"entry":[{"changes":[{"value":{"messages":[{"from":"1","id":"m","type":"image"}]}}]}]}`, CloudInbound{Status: CloudStatusReceived, From: "1", MessageID: "m", Type: "image"}},
		{"empty", `{}`, CloudInbound{Status: CloudStatusNoMessages}},
		{"garbage", `not json`, CloudInbound{Status: CloudStatusNoMessages}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParseWebhook([]byte(tt.body))); diff != "" {
				t.Errorf("ParseWebhook mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCloudVerify(t *testing.T) {
	svc := NewCloudService(WithVerifyToken("tok"))
	defer svc.Stop()
	if got, ok := svc.Verify("subscribe", "tok", "123"); !ok || got != "123" {
		t.Errorf("expected handshake to pass, got %q %v", got, ok)
	}
	if _, ok := svc.Verify("subscribe", "nope", "123"); ok {
		t.Error("expected wrong token to fail")
	}
	if _, ok := NewCloudService().Verify("subscribe", "", "1"); ok {
		t.Error("expected unconfigured token to fail")
	}
}

func TestCloudAcceptDedup(t *testing.T) {
	svc := NewCloudService(WithCloudDedup(store.NewInMemoryStore()))
	defer svc.Stop()

	in := ParseWebhook([]byte(cloudTextPayload))
	if !svc.Accept(in) {
		t.Fatal("expected text message to be accepted")
	}
	if msg := <-svc.Responses(); msg.Channel != models.ChannelCloud || msg.Body != "¿Cuánto cuesta?" {
		t.Errorf("unexpected message %+v", msg)
	}
	if svc.Accept(in) {
		t.Error("expected duplicate to be rejected")
	}
	if svc.Accept(CloudInbound{Status: CloudStatusReceived, From: "1", Type: "image"}) {
		t.Error("expected non-text message to be rejected")
	}
}

func TestCloudSendMessage(t *testing.T) {
	var body []byte
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	svc := NewCloudService(WithCloudCredentials("token", "12345"), WithGraphBaseURL(srv.URL+"/v18.0/"), WithCloudHTTPClient(srv.Client()))
	defer svc.Stop()
	if err := svc.SendMessage(context.Background(), "+52 155 1234 5678", "Hola"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if auth != "Bearer token" || path != "/v18.0/12345/messages" {
		t.Errorf("unexpected request auth=%q path=%q", auth, path)
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Get("to").String() != "5215512345678" || parsed.Get("text.body").String() != "Hola" || parsed.Get("messaging_product").String() != "whatsapp" {
		t.Errorf("unexpected payload %s", body)
	}
}

func TestCloudSendMessageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid parameter"}}`))
	}))
	defer srv.Close()

	svc := NewCloudService(WithCloudCredentials("token", "1"), WithGraphBaseURL(srv.URL))
	defer svc.Stop()
	if err := svc.SendMessage(context.Background(), "5215512345678", "x"); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if err := NewCloudService().SendMessage(context.Background(), "5215512345678", "x"); err != ErrNoSender {
		t.Fatalf("expected ErrNoSender, got %v", err)
	}
}

func TestCloudSendTemplate(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"messages":[{"id":"wamid.tpl"}]}`))
	}))
	defer srv.Close()

	svc := NewCloudService(WithCloudCredentials("token", "12345"), WithGraphBaseURL(srv.URL), WithCloudHTTPClient(srv.Client()))
	defer svc.Stop()
	id, err := svc.SendTemplate(context.Background(), "5215512345678", "seguimiento", "", []string{"Ana", "plan Pro"})
	if err != nil || id != "wamid.tpl" {
		t.Fatalf("SendTemplate = %q, %v", id, err)
	}

	parsed := gjson.ParseBytes(body)
	if parsed.Get("type").String() != "template" || parsed.Get("template.name").String() != "seguimiento" {
		t.Errorf("unexpected payload %s", body)
	}
	if got := parsed.Get("template.language.code").String(); got != DefaultTemplateLanguage {
		t.Errorf("language = %q, want %q", got, DefaultTemplateLanguage)
	}
	if got := parsed.Get("template.components.0.type").String(); got != "body" {
		t.Errorf("component type = %q", got)
	}
	var texts []string
	for _, p := range parsed.Get("template.components.0.parameters").Array() {
		if p.Get("type").String() != "text" {
			t.Errorf("unexpected parameter %s", p.Raw)
		}
		texts = append(texts, p.Get("text").String())
	}
	if diff := cmp.Diff([]string{"Ana", "plan Pro"}, texts); diff != "" {
		t.Errorf("parameters mismatch (-want +got):\n%s", diff)
	}

	st, err := svc.MessageStatus("wamid.tpl")
	if err != nil || st.Status != CloudStatusSent {
		t.Errorf("expected sent status to be tracked, got %+v, %v", st, err)
	}
	if _, err := svc.SendTemplate(context.Background(), "5215512345678", " ", "", nil); err == nil {
		t.Error("expected blank template name to be rejected")
	}
}

func TestCloudTemplateWithoutParameters(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	svc := NewCloudService(WithCloudCredentials("token", "1"), WithGraphBaseURL(srv.URL))
	defer svc.Stop()
	if _, err := svc.SendTemplate(context.Background(), "5215512345678", "hello_world", "en_US", nil); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Get("template.components").Exists() || parsed.Get("template.language.code").String() != "en_US" {
		t.Errorf("unexpected payload %s", body)
	}
}

func TestCloudStatusTracking(t *testing.T) {
	payload := `{"entry":[{"changes":[{"value":{"statuses":[
		{"id":"wamid.1","status":"delivered","recipient_id":"521","timestamp":"1700000000"},
		{"status":"read"},
		{"id":"wamid.2","status":"failed","recipient_id":"522","timestamp":"1700000005"}
	]}}]}]}`
	got := ParseStatuses([]byte(payload))
	want := []CloudStatus{
		{MessageID: "wamid.1", Status: "delivered", RecipientID: "521", Timestamp: 1700000000},
		{MessageID: "wamid.2", Status: "failed", RecipientID: "522", Timestamp: 1700000005},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseStatuses mismatch (-want +got):\n%s", diff)
	}
	if ParseStatuses([]byte(cloudTextPayload)) != nil {
		t.Error("expected no statuses in a message payload")
	}

	svc := NewCloudService(WithStatusLimit(2))
	defer svc.Stop()
	svc.TrackStatuses(got)
	svc.TrackStatuses([]CloudStatus{{MessageID: "wamid.1", Status: "read"}})
	if st, _ := svc.MessageStatus("wamid.1"); st.Status != "read" {
		t.Errorf("expected latest status to win, got %+v", st)
	}
	svc.TrackStatuses([]CloudStatus{{MessageID: "wamid.3", Status: "sent"}})
	if _, err := svc.MessageStatus("wamid.1"); err != ErrUnknownMessage {
		t.Errorf("expected oldest status to be evicted, got %v", err)
	}
	if st, err := svc.MessageStatus("wamid.3"); err != nil || st.Status != "sent" {
		t.Errorf("unexpected status %+v, %v", st, err)
	}
}
