package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/agents"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

// DefaultTimeRangeHours is the analytics window when none is given.
const DefaultTimeRangeHours = 24

func timeRange(r *http.Request) time.Duration {
	return time.Duration(queryInt(r, "time_range_hours", DefaultTimeRangeHours)) * time.Hour
}

func (s *Server) trackEventHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string                 `json:"event_type"`
		SessionID string                 `json:"session_id"`
		Data      map[string]interface{} `json:"data"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("event_type is required"))
		return
	}
	ev := s.tracker.Track(req.EventType, req.SessionID, req.Data)
	writeJSONResponse(w, http.StatusCreated, models.Success(ev))
}

// dashboardHandler handles GET /api/v1/enterprise/analytics/dashboard.
func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.tracker.Dashboard(timeRange(r))))
}

func (s *Server) funnelHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.tracker.Funnel(timeRange(r))))
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.tracker.Metrics(r.URL.Query().Get("event_type"), timeRange(r))))
}

func (s *Server) crmConnectHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CRMConnectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	in, err := s.crm.Connect(req.CRMType, req.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("CRM connected", in))
}

func (s *Server) crmIntegrationsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.crm.Integrations()))
}

// crmSyncHandler upserts a lead. An unconnected CRM type answers 400.
func (s *Server) crmSyncHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LeadSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	lead, err := s.crm.SyncLead(req.CRMType, req.Lead)
	if err != nil {
		slog.Warn("Server.crmSyncHandler: sync failed", "crm_type", req.CRMType, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"lead_id":   lead.ID,
		"lead":      lead,
		"push":      s.crm.PushEnabled(),
		"synced_at": lead.UpdatedAt,
	}))
}

func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	lead, err := s.crm.GetLead(r.PathValue("lead_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}

func (s *Server) updateLeadHandler(w http.ResponseWriter, r *http.Request) {
	var patch models.LeadPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	lead, err := s.crm.UpdateLead(r.PathValue("lead_id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}

func (s *Server) agentStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.coordinator.Status()))
}

// routeAgentHandler answers 503 when no agent is available and 502 when the
// chosen agent failed.
func (s *Server) routeAgentHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reply := s.coordinator.Route(r.Context(), req)
	switch {
	case reply.Success:
		writeJSONResponse(w, http.StatusOK, models.Success(reply))
	case reply.Error == agents.ErrNoAgentAvailable:
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorWithResult(reply.Error, reply))
	default:
		writeJSONResponse(w, http.StatusBadGateway, models.ErrorWithResult(reply.Error, reply))
	}
}

func (s *Server) workflowHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string                `json:"session_id"`
		Steps     []agents.WorkflowStep `json:"steps"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Steps) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("steps are required"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.coordinator.RunWorkflow(r.Context(), req.SessionID, req.Steps)))
}

// sendSurveyHandler handles POST /api/v1/enterprise/surveys/send.
func (s *Server) sendSurveyHandler(w http.ResponseWriter, r *http.Request) {
	s.recordSurvey(w, r, false)
}

func (s *Server) answerSurveyHandler(w http.ResponseWriter, r *http.Request) {
	s.recordSurvey(w, r, true)
}

func (s *Server) recordSurvey(w http.ResponseWriter, r *http.Request, answer bool) {
	var req models.SurveyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	record, status := s.surveys.Send, "queued"
	if answer {
		record, status = s.surveys.Answer, models.SurveyStatusReceived
	}
	sv, err := record(req)
	if errors.Is(err, models.ErrEmptySessionID) || errors.Is(err, models.ErrEmptyAnswer) {
		writeError(w, err)
		return
	}
	if err != nil {
		slog.Error("Server.recordSurvey: save failed", "session_id", req.SessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save survey"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"status": status, "survey": sv}))
}

func (s *Server) listSurveysHandler(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("session_id")
	list, err := s.surveys.List(sid)
	if err != nil {
		slog.Error("Server.listSurveysHandler: list failed", "session_id", sid, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list surveys"))
		return
	}
	if list == nil {
		list = []models.Survey{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}
