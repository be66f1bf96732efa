package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SalesPipe/internal/messaging"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

// salesMessageHandler handles POST /api/v1/sales/message.
func (s *Server) salesMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SalesMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reply, err := s.assistant.HandleMessage(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

// objectionHandler handles POST /api/v1/sales/objections/handle. A failed
// identification still answers 200 with the error field set on the result.
func (s *Server) objectionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ObjectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.assistant.HandleObjection(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// analyzeLeadHandler handles POST /api/v1/sales/analyze-lead.
func (s *Server) analyzeLeadHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LeadAnalysisRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.assistant.AnalyzeLead(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) conversationStateHandler(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("session_id")
	state, err := s.assistant.State(sid)
	if err != nil {
		slog.Error("Server.conversationStateHandler: failed to load state", "session_id", sid, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// whatsappVerifyHandler answers the Cloud API subscription handshake by
// echoing hub.challenge as plain text.
func (s *Server) whatsappVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if s.cloud == nil {
		slog.Warn("Server.whatsappVerifyHandler: WhatsApp Cloud not configured")
		writeJSONResponse(w, http.StatusForbidden, models.Error("Verification failed"))
		return
	}
	challenge, ok := s.cloud.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		slog.Warn("Server.whatsappVerifyHandler: verification failed", "mode", q.Get("hub.mode"))
		writeJSONResponse(w, http.StatusForbidden, models.Error("Verification failed"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, challenge); err != nil {
		slog.Error("Server.whatsappVerifyHandler: failed to write challenge", "error", err)
	}
}

// whatsappWebhookHandler parses a Cloud API webhook and queues text messages
// for the dispatcher when the Cloud channel is configured.
func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Request body is required"))
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read body"))
		return
	}

	in := messaging.ParseWebhook(body)
	statuses := messaging.ParseStatuses(body)
	queued := false
	if s.cloud != nil {
		queued = s.cloud.Accept(in)
		s.cloud.TrackStatuses(statuses)
	}
	slog.Debug("Server.whatsappWebhookHandler: webhook parsed", "status", in.Status, "type", in.Type, "queued", queued, "statuses", len(statuses))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status":     in.Status,
		"from":       in.From,
		"message_id": in.MessageID,
		"type":       in.Type,
		"text":       in.Text,
		"queued":     queued,
		"statuses":   len(statuses),
	}))
}

type callRequest struct {
	To  string `json:"to"`
	URL string `json:"url"`
}

// twilioCallHandler handles POST /api/v1/sales/twilio/calls.
func (s *Server) twilioCallHandler(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.To == "" || req.URL == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("to and url are required"))
		return
	}
	sid, err := s.twilio.Call(r.Context(), req.To, req.URL)
	if err != nil {
		slog.Warn("Server.twilioCallHandler: call failed", "to", req.To, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"sid": sid}))
}

func (s *Server) twilioMessageStatusHandler(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	status, err := s.twilio.MessageStatus(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"sid": sid, "status": status}))
}

type templateRequest struct {
	To         string   `json:"to"`
	Template   string   `json:"template"`
	Language   string   `json:"language"`
	Parameters []string `json:"parameters"`
}

// whatsappTemplateHandler handles POST /api/v1/sales/whatsapp/templates.
func (s *Server) whatsappTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.To == "" || req.Template == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("to and template are required"))
		return
	}
	if s.cloud == nil {
		writeError(w, messaging.ErrNoSender)
		return
	}
	id, err := s.cloud.SendTemplate(r.Context(), req.To, req.Template, req.Language, req.Parameters)
	if err != nil {
		slog.Warn("Server.whatsappTemplateHandler: send failed", "template", req.Template, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"message_id": id}))
}

func (s *Server) whatsappMessageStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		writeError(w, messaging.ErrUnknownMessage)
		return
	}
	st, err := s.cloud.MessageStatus(r.PathValue("message_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}
