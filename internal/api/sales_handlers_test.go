package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/messaging"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/testutil"
	"github.com/BTreeMap/SalesPipe/internal/twiliowhatsapp"
	"github.com/tidwall/gjson"
)

func TestSalesMessageHandler(t *testing.T) {
	_, h := newTestServer()

	rr := testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/message", map[string]interface{}{
		"session_id": "web-1", "message": "Hola, ¿qué venden?",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "sales message")
	reply := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if reply["stage"] != string(models.StageGreeting) || reply["script_used"] != string(models.ScriptFallback) {
		t.Errorf("unexpected reply %v", reply)
	}
	if reply["session_id"] != "web-1" || reply["response"] == "" {
		t.Errorf("expected a populated reply, got %v", reply)
	}

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/state/web-1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "state")
	state := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if state["turn_count"] != float64(2) || state["last_tactic"] != "greeting:fallback" {
		t.Errorf("unexpected state %v", state)
	}

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/state/unknown", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown state")

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/message", map[string]interface{}{"session_id": "web-1"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing message")
}

func TestObjectionHandlerWithoutModel(t *testing.T) {
	_, h := newTestServer()
	rr := testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/objections/handle", map[string]interface{}{
		"message": "Está muy caro", "session_id": "web-2",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "objection")
	res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if _, ok := res["objection"].(map[string]interface{}); !ok {
		t.Errorf("expected an objection object, got %v", res)
	}

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/objections/handle", map[string]interface{}{"message": ""}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty objection")
}

func TestTwilioWebhookSyncAck(t *testing.T) {
	_, h := newTestServer()
	form := url.Values{"From": {"whatsapp:+5215512345678"}, "Body": {"Hola"}, "MessageSid": {"SM1"}}
	req, err := http.NewRequest(http.MethodPost, "/api/v1/sales/twilio/webhook", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := testutil.Serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	if !strings.Contains(rr.Body.String(), "Recibido.") || !strings.Contains(rr.Header().Get("Content-Type"), "xml") {
		t.Errorf("expected TwiML ack, got %q (%s)", rr.Body.String(), rr.Header().Get("Content-Type"))
	}

	form.Del("Body")
	req, _ = http.NewRequest(http.MethodPost, "/api/v1/sales/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = testutil.Serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing body")
}

const cloudPayload = `{"entry":[{"changes":[{"value":{"messages":[{"from":"5215512345678","id":"wamid.7","type":"text","text":{"body":"Quiero comprar"}}]}}]}]}`

func TestWhatsAppVerify(t *testing.T) {
	_, h := newTestServer()
	rr := testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=42", nil))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "verify without cloud")

	cloud := messaging.NewCloudService(messaging.WithVerifyToken("tok"))
	h = NewServer(Services{Cloud: cloud}).Handler()
	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=42", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "verify")
	if rr.Body.String() != "42" {
		t.Errorf("expected challenge echo, got %q", rr.Body.String())
	}
	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", nil))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "wrong token")
}

func TestWhatsAppWebhook(t *testing.T) {
	_, h := newTestServer()
	rr := testutil.Serve(h, testutil.CreateJSONRequest(t, http.MethodPost, "/api/v1/sales/whatsapp/webhook", cloudPayload))
	res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["status"] != messaging.CloudStatusReceived || res["text"] != "Quiero comprar" || res["queued"] != false {
		t.Errorf("unexpected parse-only result %v", res)
	}

	rr = testutil.Serve(h, testutil.CreateJSONRequest(t, http.MethodPost, "/api/v1/sales/whatsapp/webhook", `{"entry":[]}`))
	if res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["status"] != messaging.CloudStatusNoMessages {
		t.Errorf("expected no_messages, got %v", res)
	}

	cloud := messaging.NewCloudService()
	defer cloud.Stop()
	h = NewServer(Services{Cloud: cloud}).Handler()
	rr = testutil.Serve(h, testutil.CreateJSONRequest(t, http.MethodPost, "/api/v1/sales/whatsapp/webhook", cloudPayload))
	if res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["queued"] != true {
		t.Fatalf("expected message queued, got %v", res)
	}
	select {
	case in := <-cloud.Responses():
		if in.From != "5215512345678" || in.Channel != models.ChannelCloud {
			t.Errorf("unexpected queued response %+v", in)
		}
	case <-time.After(time.Second):
		t.Fatal("queued message not emitted")
	}
}

func TestTwilioVoiceRoute(t *testing.T) {
	_, h := newTestServer()
	req, err := http.NewRequest(http.MethodPost, "/api/v1/sales/twilio/voice", strings.NewReader(url.Values{"From": {"+5215512345678"}}.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := testutil.Serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "voice")
	if !strings.Contains(rr.Body.String(), twiliowhatsapp.VoiceGreetingText) {
		t.Errorf("expected greeting TwiML, got %s", rr.Body.String())
	}
}

func TestTwilioCallAndStatusRoutes(t *testing.T) {
	_, h := newTestServer()
	rr := testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/twilio/calls", map[string]interface{}{
		"to": "+5215512345678", "url": "https://example.com/voice",
	}))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "call without client")

	mock := twiliowhatsapp.NewMockClient()
	mock.Statuses["SM1"] = "delivered"
	svc := messaging.NewTwilioService(mock)
	defer svc.Stop()
	h = NewServer(Services{Twilio: svc}).Handler()

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/twilio/calls", map[string]interface{}{
		"to": "+5215512345678", "url": "https://example.com/voice",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "call")
	if res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["sid"] != "CA1" {
		t.Errorf("unexpected call result %v", res)
	}
	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/twilio/calls", map[string]interface{}{"to": "+5215512345678"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "call without url")

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/twilio/messages/SM1/status", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "status")
	if res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["status"] != "delivered" {
		t.Errorf("unexpected status %v", res)
	}
	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/twilio/messages/SM2/status", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown status")
}

func TestWhatsAppTemplateAndStatusRoutes(t *testing.T) {
	var sent []byte
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"messages":[{"id":"wamid.tpl"}]}`))
	}))
	defer graph.Close()

	_, h := newTestServer()
	rr := testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/whatsapp/templates", map[string]interface{}{
		"to": "5215512345678", "template": "seguimiento",
	}))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "template without cloud")

	cloud := messaging.NewCloudService(messaging.WithCloudCredentials("token", "1"), messaging.WithGraphBaseURL(graph.URL))
	defer cloud.Stop()
	h = NewServer(Services{Cloud: cloud}).Handler()

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/whatsapp/templates", map[string]interface{}{
		"to": "5215512345678", "template": "seguimiento", "parameters": []string{"Ana"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "template")
	if res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["message_id"] != "wamid.tpl" {
		t.Errorf("unexpected template result %v", res)
	}
	if gjson.GetBytes(sent, "template.components.0.parameters.0.text").String() != "Ana" {
		t.Errorf("unexpected template payload %s", sent)
	}

	statusPayload := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.tpl","status":"read","recipient_id":"5215512345678","timestamp":"1700000000"}]}}]}]}`
	rr = testutil.Serve(h, testutil.CreateJSONRequest(t, http.MethodPost, "/api/v1/sales/whatsapp/webhook", statusPayload))
	if res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["statuses"] != float64(1) {
		t.Errorf("expected one status, got %v", res)
	}

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/whatsapp/messages/wamid.tpl/status", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cloud status")
	if res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok")); res["status"] != "read" {
		t.Errorf("expected webhook status to win, got %v", res)
	}
	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/api/v1/sales/whatsapp/messages/wamid.none/status", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown cloud status")
}

func TestAnalyzeLeadEndpoint(t *testing.T) {
	_, h := newTestServer()
	rr := testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/message", map[string]interface{}{
		"session_id": "web-9", "message": "Hola",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "sales message")

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/analyze-lead", map[string]interface{}{
		"session_id": "web-9", "user_id": "u9",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "analyze lead")
	res := testutil.Result(t, testutil.AssertJSONResponse(t, rr, "ok"))
	if res["customer_turns"] != float64(1) || res["classification"] != models.LeadCold || res["user_id"] != "u9" {
		t.Errorf("unexpected analysis %v", res)
	}
	if crumbs, _ := res["breadcrumbs"].([]interface{}); len(crumbs) != 3 {
		t.Errorf("expected three breadcrumbs, got %v", res["breadcrumbs"])
	}

	rr = testutil.Serve(h, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/analyze-lead", map[string]interface{}{}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing session")
}
