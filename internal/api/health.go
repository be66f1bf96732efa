package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// healthHandler reports overall status plus one entry per registered check.
// Any failing check degrades the service and answers 503.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.healthChecks))
	for name := range s.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.healthChecks[name](ctx); err != nil {
			slog.Warn("Server.healthHandler: component not ready", "component", name, "error", err)
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	healthData := map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"components": components,
	}
	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
