package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/SalesPipe/internal/agents"
	"github.com/BTreeMap/SalesPipe/internal/crm"
	"github.com/BTreeMap/SalesPipe/internal/messaging"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/session"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 1 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON reads a bounded JSON body into v. On failure it has already
// answered 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Request body is required"))
		return false
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
		msg := "Invalid JSON format"
		if errors.Is(err, io.EOF) {
			msg = "Request body is required"
		}
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msg))
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, session.ErrAnchorNotFound),
		errors.Is(err, crm.ErrLeadNotFound),
		errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, messaging.ErrUnknownMessage):
		status = http.StatusNotFound
	case errors.Is(err, messaging.ErrNoSender),
		errors.Is(err, messaging.ErrUnsupported),
		errors.Is(err, messaging.ErrServiceStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, models.Error(err.Error()))
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
