package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
)

// debugDirName is the subdirectory of the state directory that receives debug logs.
const debugDirName = "debug"

type debugEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  *openai.ChatCompletion         `json:"response"`
	Error     string                         `json:"error,omitempty"`
}

// logDebug writes one request/response pair to <stateDir>/debug when debug
// mode is on. Failures are logged and otherwise ignored.
func (c *Client) logDebug(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}

	entry := debugEntry{
		Timestamp: time.Now().UTC(),
		Method:    method,
		Model:     c.model,
		Params:    params,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	} else {
		entry.Response = &resp
	}

	dir := filepath.Join(c.stateDir, debugDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI.logDebug: failed to create debug directory", "dir", dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.logDebug: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", entry.Timestamp.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("GenAI.logDebug: failed to write debug entry", "error", err)
	}
}
