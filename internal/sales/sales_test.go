package sales

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/playbook"
	"github.com/google/go-cmp/cmp"
)

// labelCompleter answers by request label and records every request.
type labelCompleter struct {
	mu      sync.Mutex
	answers map[string]string
	errs    map[string]error
	reqs    []genai.CompletionRequest
}

func (c *labelCompleter) Complete(ctx context.Context, req genai.CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if err := c.errs[req.Label]; err != nil {
		return "", err
	}
	return c.answers[req.Label], nil
}

func (c *labelCompleter) request(label string) (genai.CompletionRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.reqs {
		if r.Label == label {
			return r, true
		}
	}
	return genai.CompletionRequest{}, false
}

func TestClassify(t *testing.T) {
	c := NewClassifier()
	tests := []struct {
		name    string
		history []string
		want    models.Stage
	}{
		{"empty", nil, models.StageGreeting},
		{"greeting", []string{"Hola, buenas tardes"}, models.StageGreeting},
		{"price", []string{"hola", "¿Cuánto cuesta el plan?"}, models.StagePresentation},
		{"objection", []string{"No estoy seguro"}, models.StageObjectionHandling},
		{"first rule wins", []string{"no quiero comprar"}, models.StageObjectionHandling},
		{"closing", []string{"Quiero CONTRATAR el servicio"}, models.StageClosing},
		{"accent insensitive", []string{"me gustaría adquirir"}, models.StageClosing},
		{"word boundaries", []string{"tengo una nota"}, models.StageQualification},
		{"blank last line", []string{"hola", "  "}, models.StageQualification},
		{"only last line", []string{"quiero comprar", "tengo una tienda"}, models.StageQualification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.history); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.history, got, tt.want)
			}
		})
	}
}

func TestRespondWithoutModelIsTaggedFallback(t *testing.T) {
	e := NewScriptEngine(nil)
	reply := e.Respond(context.Background(), models.StageGreeting, "hola", nil, nil)
	if reply.ScriptUsed != models.ScriptFallback {
		t.Errorf("expected fallback tag, got %s", reply.ScriptUsed)
	}
	if !strings.HasPrefix(reply.Response, "[fallback:greeting]") {
		t.Errorf("unexpected fallback text %q", reply.Response)
	}
	if reply.Stage != models.StageGreeting || reply.NextStage != models.StageQualification {
		t.Errorf("unexpected stages %s -> %s", reply.Stage, reply.NextStage)
	}
}

func TestRespondWithModel(t *testing.T) {
	llm := &labelCompleter{answers: map[string]string{"sales.script": "¡Hola! ¿Qué buscas hoy?"}}
	e := NewScriptEngine(llm)
	history := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	reply := e.Respond(context.Background(), models.StagePresentation, "¿precio?", history, map[string]interface{}{"name": "Ana", "city": "Lima"})
	if reply.ScriptUsed != models.ScriptLLM || reply.Response != "¡Hola! ¿Qué buscas hoy?" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	req, _ := llm.request("sales.script")
	if req.Temperature != scriptTemperature || req.MaxTokens != scriptMaxTokens {
		t.Errorf("unexpected request settings %+v", req)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{"Etapa: presentation", "Tono: informative", "Cliente: {city: Lima, name: Ana}", "Historial:\n3\n4\n5\n6\n7\n8\n"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Historial:\n2\n") {
		t.Errorf("prompt should keep only the last %d history lines", scriptHistoryLines)
	}
}

func TestRespondModelFailureFallsBack(t *testing.T) {
	llm := &labelCompleter{errs: map[string]error{"sales.script": context.DeadlineExceeded}}
	reply := NewScriptEngine(llm).Respond(context.Background(), models.StageClosing, "ok", nil, nil)
	if reply.ScriptUsed != models.ScriptFallback || !strings.Contains(reply.Response, "[fallback:closing]") {
		t.Errorf("expected tagged fallback, got %+v", reply)
	}
}

func TestRegisterScriptOverridesStage(t *testing.T) {
	e := NewScriptEngine(nil)
	if err := e.RegisterScript(" ", models.Script{}); !errors.Is(err, ErrEmptyScriptName) {
		t.Errorf("expected ErrEmptyScriptName, got %v", err)
	}
	custom := models.Script{Tone: "playful", KeyPoints: []string{"joke"}}
	if err := e.RegisterScript("greeting", custom); err != nil {
		t.Fatalf("RegisterScript: %v", err)
	}
	got, ok := e.GetScript("greeting")
	if !ok || got.Tone != "playful" || got.Name != "greeting" {
		t.Errorf("custom script not returned: %+v", got)
	}
	if _, ok := e.GetScript("closing"); !ok {
		t.Error("expected playbook script for closing")
	}
	if _, ok := e.GetScript("mystery"); ok {
		t.Error("expected unknown script to be missing")
	}
}

func TestObjectionFlowWithoutModel(t *testing.T) {
	h := NewObjectionHandler(nil)
	res := h.HandleFlow(context.Background(), models.ObjectionRequest{Message: "Es muy caro para mí"})
	if !res.Complete {
		t.Error("expected complete flow")
	}
	if res.Objection.Type != models.ObjectionPrice || res.Objection.Concern != "Es muy caro para mí" || res.Objection.Confidence != 0.5 {
		t.Errorf("unexpected objection %+v", res.Objection)
	}
	if diff := cmp.Diff([]string{"caro"}, res.Objection.Keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
	if res.Handling.Response != playbook.Default().Fallbacks.Objection || res.Handling.Strategy != "fallback" {
		t.Errorf("unexpected handling %+v", res.Handling)
	}
}

func TestIdentifyPrefersDetectedTypeOverOther(t *testing.T) {
	llm := &labelCompleter{answers: map[string]string{
		"sales.objection.identify": `{"type":"other","concern":"","reason":"budget","confidence":3,"keywords":["later"]}`,
	}}
	obj := NewObjectionHandler(llm).Identify(context.Background(), "Mejor más tarde", []string{"a", "b", "c", "d"})
	if obj.Type != models.ObjectionTiming {
		t.Errorf("expected timing from keyword detection, got %s", obj.Type)
	}
	if obj.Concern != "Mejor más tarde" || obj.Confidence != 1 {
		t.Errorf("unexpected objection %+v", obj)
	}
	req, _ := llm.request("sales.objection.identify")
	if !req.JSON || req.Temperature != identifyTemperature {
		t.Errorf("expected JSON mode at %v, got %+v", identifyTemperature, req)
	}
	if !strings.Contains(req.Messages[0].Content, "Conversation History: b c d") {
		t.Errorf("expected last 3 history lines in prompt: %s", req.Messages[0].Content)
	}
}

func TestIdentifyMalformedOutputFailsClosed(t *testing.T) {
	llm := &labelCompleter{answers: map[string]string{
		"sales.objection.identify": `__import__('os').system('rm -rf /')`,
	}}
	obj := NewObjectionHandler(llm).Identify(context.Background(), "No tengo confianza en ustedes", nil)
	if obj.Error == "" {
		t.Error("expected parse error to be reported")
	}
	if obj.Type != models.ObjectionTrust || obj.Reason != "unknown" || obj.Confidence != 0.5 {
		t.Errorf("unexpected fallback objection %+v", obj)
	}
}

func TestHandleWithModel(t *testing.T) {
	llm := &labelCompleter{answers: map[string]string{
		"sales.objection.identify": `{"type":"price","concern":"costo","reason":"presupuesto","confidence":0.9}`,
		"sales.objection.handle":   "Entiendo, veamos opciones de pago.",
	}}
	res := NewObjectionHandler(llm).HandleFlow(context.Background(), models.ObjectionRequest{Message: "caro"})
	if res.Handling.Strategy != "Reframe value proposition" {
		t.Errorf("expected first price strategy, got %q", res.Handling.Strategy)
	}
	if res.Handling.ObjectionType != models.ObjectionPrice || len(res.Handling.NextSteps) != 3 {
		t.Errorf("unexpected handling %+v", res.Handling)
	}
	req, _ := llm.request("sales.objection.handle")
	if req.MaxTokens != handleMaxTokens || !strings.Contains(req.Messages[0].Content, "Customer Data: Not available") {
		t.Errorf("unexpected handle request %+v", req)
	}
}

func TestHandleModelFailure(t *testing.T) {
	llm := &labelCompleter{errs: map[string]error{"sales.objection.handle": errors.New("rate limited")}}
	h := NewObjectionHandler(llm)
	got := h.Handle(context.Background(), models.Objection{Type: models.ObjectionNeed}, nil, nil)
	if got.Response != playbook.Default().Fallbacks.ObjectionError || got.Strategy != "fallback" || got.Error != "rate limited" {
		t.Errorf("unexpected failure handling %+v", got)
	}
}
