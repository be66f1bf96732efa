package genai

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/openai/openai-go"
)

func debugClient(t *testing.T, chat chatService, enabled bool) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	return &Client{
		chat:        chat,
		model:       "test-model",
		temperature: DefaultTemperature,
		maxTokens:   100,
		debugMode:   enabled,
		stateDir:    dir,
	}, dir
}

func readDebugEntries(t *testing.T, stateDir string) []map[string]interface{} {
	t.Helper()
	dir := filepath.Join(stateDir, debugDirName)
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading debug dir: %v", err)
	}
	entries := make([]map[string]interface{}, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			t.Fatalf("reading %s: %v", f.Name(), err)
		}
		var entry map[string]interface{}
		if err := json.Unmarshal(raw, &entry); err != nil {
			t.Fatalf("decoding %s: %v", f.Name(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestDebugLogWritesScriptCall(t *testing.T) {
	resp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "¡Hola! ¿En qué puedo ayudarte?"}},
		},
	}
	client, dir := debugClient(t, &mockChatService{resp: resp}, true)

	req := UserRequest("Eres un asesor de ventas.", "Cliente: hola")
	req.Label = "sales.script"
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	entries := readDebugEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected one debug entry, got %d", len(entries))
	}
	entry := entries[0]
	for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("debug entry missing %q", field)
		}
	}
	if entry["method"] != "sales.script" || entry["model"] != "test-model" {
		t.Errorf("unexpected method/model: %v/%v", entry["method"], entry["model"])
	}
}

func TestDebugLogDefaultLabel(t *testing.T) {
	resp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{}}}
	client, dir := debugClient(t, &mockChatService{resp: resp}, true)

	if _, err := client.Complete(context.Background(), UserRequest("sys", "usr")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	entries := readDebugEntries(t, dir)
	if len(entries) != 1 || entries[0]["method"] != "Complete" {
		t.Errorf("unexpected entries %v", entries)
	}
}

func TestDebugLogDisabled(t *testing.T) {
	client, dir := debugClient(t, &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{}}}}, false)

	if _, err := client.Complete(context.Background(), UserRequest("sys", "usr")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, debugDirName)); !os.IsNotExist(err) {
		t.Errorf("debug dir created with debug mode off (stat err=%v)", err)
	}
}

func TestDebugLogRecordsErrors(t *testing.T) {
	client, dir := debugClient(t, &mockChatService{err: context.Canceled}, true)

	req := UserRequest("sys", "usr")
	req.Label = "guardrails.accuracy"
	if _, err := client.Complete(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}

	entries := readDebugEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected one debug entry, got %d", len(entries))
	}
	if entries[0]["method"] != "guardrails.accuracy" {
		t.Errorf("expected label as method, got %v", entries[0]["method"])
	}
	if e, _ := entries[0]["error"].(string); e == "" {
		t.Error("expected error to be recorded")
	}
	if entries[0]["response"] != nil {
		t.Errorf("expected no response on error, got %v", entries[0]["response"])
	}
}
