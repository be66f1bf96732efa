package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/knowledge"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/session"
)

// memoryTypeParam reads the optional "type" query parameter. Unlike
// models.ParseMemoryType it rejects unknown values, since a silent fallback
// would widen a destructive filter.
func memoryTypeParam(r *http.Request) (models.MemoryType, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("type"))
	if raw == "" {
		return "", true
	}
	mt := models.ParseMemoryType(raw)
	return mt, string(mt) == strings.ToLower(raw)
}

// storeMemoryHandler handles POST /api/v1/knowledge/memory/store.
func (s *Server) storeMemoryHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MemoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mem, err := s.memory.Store(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]interface{}{"memory_id": mem.ID, "memory": mem}))
}

// retrieveMemoryHandler handles GET /api/v1/knowledge/memory/{session_id}.
func (s *Server) retrieveMemoryHandler(w http.ResponseWriter, r *http.Request) {
	mt, ok := memoryTypeParam(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown memory type"))
		return
	}
	mems := s.memory.Retrieve(r.PathValue("session_id"), r.URL.Query().Get("query"), mt, queryInt(r, "limit", session.DefaultRetrieveLimit))
	writeJSONResponse(w, http.StatusOK, models.Success(mems))
}

func (s *Server) forgetMemoryHandler(w http.ResponseWriter, r *http.Request) {
	mt, ok := memoryTypeParam(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown memory type"))
		return
	}
	sid := r.PathValue("session_id")
	n := s.memory.Forget(sid, r.URL.Query().Get("id"), mt)
	slog.Info("Server.forgetMemoryHandler: memories forgotten", "session_id", sid, "removed", n)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"forgotten": n}))
}

func (s *Server) consolidateMemoryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.memory.Consolidate(r.PathValue("session_id"))))
}

func (s *Server) memoryStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.memory.Stats(r.PathValue("session_id"))))
}

// cleanupMemoryHandler runs the retention sweep. The body is optional and may
// carry {"retention_days": n}.
func (s *Server) cleanupMemoryHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	retention := s.retention
	if req.RetentionDays > 0 {
		retention = time.Duration(req.RetentionDays) * 24 * time.Hour
	}
	n := s.memory.Cleanup(retention)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"removed": n, "retention": retention.String()}))
}

// breadcrumbsHandler handles GET /api/v1/knowledge/breadcrumbs/{session_id}.
func (s *Server) breadcrumbsHandler(w http.ResponseWriter, r *http.Request) {
	crumbs := s.trail.Get(r.PathValue("session_id"), r.URL.Query().Get("module"), queryInt(r, "limit", session.DefaultTrailLimit))
	writeJSONResponse(w, http.StatusOK, models.Success(crumbs))
}

func (s *Server) breadcrumbSummaryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.trail.Summary(r.PathValue("session_id"))))
}

func (s *Server) breadcrumbSearchHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSONResponse(w, http.StatusOK, models.Success(s.trail.Search(r.PathValue("session_id"), q.Get("query"), q.Get("module"))))
}

func (s *Server) clearBreadcrumbsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"cleared": s.trail.Clear(r.PathValue("session_id"))}))
}

func (s *Server) moduleHistoryHandler(w http.ResponseWriter, r *http.Request) {
	crumbs := s.trail.ModuleHistory(r.PathValue("module"), queryInt(r, "limit", session.DefaultModuleHistoryLimit))
	writeJSONResponse(w, http.StatusOK, models.Success(crumbs))
}

func (s *Server) addEntityHandler(w http.ResponseWriter, r *http.Request) {
	var e models.Entity
	if !decodeJSON(w, r, &e) {
		return
	}
	if err := s.graph.AddEntity(e); err != nil {
		writeError(w, err)
		return
	}
	view, _ := s.graph.QueryEntity(e.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(view))
}

func (s *Server) addRelationshipHandler(w http.ResponseWriter, r *http.Request) {
	var rel models.Relationship
	if !decodeJSON(w, r, &rel) {
		return
	}
	if err := s.graph.AddRelationship(rel); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Relationship added", rel))
}

func (s *Server) queryEntityHandler(w http.ResponseWriter, r *http.Request) {
	view, ok := s.graph.QueryEntity(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Entity not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) subgraphHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.graph.QueryEntity(id); !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Entity not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.graph.Subgraph(id, queryInt(r, "depth", knowledge.DefaultSubgraphDepth))))
}

// findPathHandler answers {"path": null} when no path exists within max_depth.
func (s *Server) findPathHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, target := q.Get("source"), q.Get("target")
	if source == "" || target == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("source and target are required"))
		return
	}
	path := s.graph.FindPath(source, target, queryInt(r, "max_depth", knowledge.DefaultMaxPathDepth))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"path": path}))
}

func (s *Server) graphStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.graph.Statistics()))
}

func (s *Server) extractHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ExtractRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.extractor.ExtractAndLink(r.Context(), req.Text, req.SessionID)))
}

// ragQueryHandler handles POST /api/v1/knowledge/rag-query. A failed model
// call still answers 200 from the best source with the error field set.
func (s *Server) ragQueryHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RAGRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.retriever.Query(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}
