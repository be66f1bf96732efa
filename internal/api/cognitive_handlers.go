package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// reasoningHandler handles POST /api/v1/cognitive/reasoning.
func (s *Server) reasoningHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ReasoningRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	res := s.reasoner.Reason(r.Context(), req)
	if res.Error != "" {
		slog.Warn("Server.reasoningHandler: reasoning degraded", "error", res.Error)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) createAnchorHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AnchorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	anchor, err := s.anchors.Create(req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.trail.Add(anchor.SessionID, "anchors", "create_anchor", map[string]interface{}{"objective": anchor.Objective}, anchor.ID, nil)
	slog.Info("Server.createAnchorHandler: anchor created", "session_id", anchor.SessionID, "anchor_id", anchor.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(anchor))
}

// activeAnchorHandler answers 404 when the session has no active anchor.
func (s *Server) activeAnchorHandler(w http.ResponseWriter, r *http.Request) {
	anchor, ok := s.anchors.Active(r.PathValue("session_id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active anchor point"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(anchor))
}

func (s *Server) updateAnchorHandler(w http.ResponseWriter, r *http.Request) {
	var upd models.AnchorUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	anchor, err := s.anchors.Update(r.PathValue("session_id"), r.PathValue("anchor_id"), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(anchor))
}

func (s *Server) anchorHistoryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.anchors.History(r.PathValue("session_id"))))
}

func (s *Server) clearAnchorsHandler(w http.ResponseWriter, r *http.Request) {
	n := s.anchors.Clear(r.PathValue("session_id"))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"cleared": n}))
}

func (s *Server) validateAnchorHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.anchors.Validate(r.PathValue("session_id"), req.Action)))
}

// validateGuardrailsHandler handles POST /api/v1/cognitive/guardrails/validate.
func (s *Server) validateGuardrailsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.GuardrailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.guard.Validate(r.Context(), req.Text, req.Context)))
}

func (s *Server) guardrailRulesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.guard.Rules()))
}

func (s *Server) addGuardrailRuleHandler(w http.ResponseWriter, r *http.Request) {
	var req models.GuardrailRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.guard.AddRule(req.Category, req.Rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Rule added", s.guard.Rules()))
}
