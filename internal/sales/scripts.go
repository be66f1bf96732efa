package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/playbook"
)

const (
	scriptSystemPrompt = "Eres un agente de ventas profesional (ES)."
	scriptTemperature  = 0.7
	scriptMaxTokens    = 300
	scriptHistoryLines = 6
)

// ErrEmptyScriptName is returned when registering a script without a name.
var ErrEmptyScriptName = errors.New("script name cannot be empty")

// ScriptEngine produces stage-aware sales replies.
type ScriptEngine struct {
	llm genai.Completer
	pb  playbook.Source

	mu     sync.RWMutex
	custom map[string]models.Script
}

// NewScriptEngine creates a ScriptEngine. A nil llm makes every reply a
// tagged fallback.
func NewScriptEngine(llm genai.Completer, opts ...Option) *ScriptEngine {
	cfg := buildOpts(opts)
	return &ScriptEngine{llm: llm, pb: cfg.Playbook, custom: make(map[string]models.Script)}
}

// RegisterScript adds or replaces a named script. A script named after a
// stage overrides the playbook entry for that stage.
func (e *ScriptEngine) RegisterScript(name string, script models.Script) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyScriptName
	}
	if script.Name == "" {
		script.Name = name
	}
	e.mu.Lock()
	e.custom[name] = script
	e.mu.Unlock()
	slog.Debug("ScriptEngine.RegisterScript: script registered", "name", name)
	return nil
}

// GetScript returns a registered script, or the playbook script when name is a stage.
func (e *ScriptEngine) GetScript(name string) (models.Script, bool) {
	e.mu.RLock()
	s, ok := e.custom[name]
	e.mu.RUnlock()
	if ok {
		return s, true
	}
	if st, ok := models.ParseStage(name); ok {
		return e.pb.Current().Script(st), true
	}
	return models.Script{}, false
}

// Respond generates the reply for message at stage.
func (e *ScriptEngine) Respond(ctx context.Context, stage models.Stage, message string, history []string, customer map[string]interface{}) models.SalesReply {
	reply := models.SalesReply{Stage: stage, NextStage: stage.Next()}
	if e.llm == nil {
		reply.Response = e.pb.Current().SalesFallback(stage)
		reply.ScriptUsed = models.ScriptFallback
		return reply
	}

	script, _ := e.GetScript(string(stage))
	req := genai.UserRequest(scriptSystemPrompt, e.buildPrompt(stage, script, message, history, customer))
	req.Temperature = scriptTemperature
	req.MaxTokens = scriptMaxTokens
	req.Label = "sales.script"
	text, err := e.llm.Complete(ctx, req)
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Error("ScriptEngine.Respond: generation failed, using fallback", "stage", stage, "error", err)
		reply.Response = e.pb.Current().SalesFallback(stage)
		reply.ScriptUsed = models.ScriptFallback
		return reply
	}
	reply.Response = text
	reply.ScriptUsed = models.ScriptLLM
	return reply
}

// Fallback returns the canned reply for stage.
func (e *ScriptEngine) Fallback(stage models.Stage) string {
	return e.pb.Current().SalesFallback(stage)
}

func (e *ScriptEngine) buildPrompt(stage models.Stage, script models.Script, message string, history []string, customer map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Etapa: %s\n", stage)
	fmt.Fprintf(&b, "Tono: %s\n", script.Tone)
	fmt.Fprintf(&b, "Puntos clave: %s\n", strings.Join(script.KeyPoints, ", "))
	if len(script.Examples) > 0 {
		fmt.Fprintf(&b, "Ejemplos:\n- %s\n", strings.Join(script.Examples, "\n- "))
	}
	fmt.Fprintf(&b, "Cliente: %s\n", formatCustomer(customer))
	fmt.Fprintf(&b, "Historial:\n%s\n", strings.Join(lastN(history, scriptHistoryLines), "\n"))
	fmt.Fprintf(&b, "Mensaje: %s\n", message)
	b.WriteString("Responde en español, breve, empático y con una pregunta que avance la conversación.")
	return b.String()
}
