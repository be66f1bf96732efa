package sales

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/playbook"
)

const (
	identifyTemperature = 0.2
	handleTemperature   = 0.7
	handleMaxTokens     = 400
	identifyHistory     = 3
	handleHistory       = 5
	fallbackConfidence  = 0.5
	generalStrategy     = "general"
	unknownReason       = "unknown"
)

// FallbackStrategy tags an objection answer that did not come from the model.
const FallbackStrategy = "fallback"

const identifyPrompt = `Analyze this message for sales objections.

Message: %s
%s
Identify:
1. Objection type (price, timing, need, trust, competitor, authority, other)
2. Specific concern
3. Underlying reason
4. Confidence level

Respond with JSON only:
{"type": "price/timing/need/trust/competitor/authority/other", "concern": "specific concern", "reason": "underlying reason", "confidence": 0.0, "keywords": ["keyword1", "keyword2"]}`

const handlePrompt = `You are a sales expert handling a customer objection.

Objection Type: %s
Specific Concern: %s
Underlying Reason: %s
Recommended Strategies: %s

Conversation History:
%s

Customer Data: %s

Generate a response in Spanish that:
1. Acknowledges the objection empathetically
2. Addresses the specific concern
3. Reframes positively
4. Moves toward resolution

Response:`

// ObjectionHandler identifies customer objections and proposes answers.
type ObjectionHandler struct {
	llm genai.Completer
	pb  playbook.Source
}

// NewObjectionHandler creates an ObjectionHandler. A nil llm returns the
// playbook's canned objection reply.
func NewObjectionHandler(llm genai.Completer, opts ...Option) *ObjectionHandler {
	cfg := buildOpts(opts)
	return &ObjectionHandler{llm: llm, pb: cfg.Playbook}
}

// rawObjection is the JSON shape requested from the model.
type rawObjection struct {
	Type       string   `json:"type"`
	Concern    string   `json:"concern"`
	Reason     string   `json:"reason"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords"`
}

// Identify classifies message. Keyword detection backs up the model: a model
// verdict of "other" is replaced by the detected type, and a failed or
// malformed model answer degrades to the detected type with confidence 0.5.
func (h *ObjectionHandler) Identify(ctx context.Context, message string, history []string) models.Objection {
	detected, matched, _ := h.pb.Current().DetectObjection(message)
	fallback := models.Objection{
		Type:       detected,
		Concern:    message,
		Reason:     unknownReason,
		Confidence: fallbackConfidence,
		Keywords:   matched,
	}
	if h.llm == nil {
		return fallback
	}

	var hist string
	if len(history) > 0 {
		hist = "Conversation History: " + strings.Join(lastN(history, identifyHistory), " ") + "\n"
	}
	req := genai.UserRequest("", fmt.Sprintf(identifyPrompt, message, hist))
	req.Temperature = identifyTemperature
	req.JSON = true
	req.Label = "sales.objection.identify"
	raw, err := h.llm.Complete(ctx, req)
	if err == nil {
		var parsed rawObjection
		if err = genai.DecodeObject(raw, &parsed); err == nil {
			obj := models.Objection{
				Type:       models.ParseObjectionType(parsed.Type),
				Concern:    parsed.Concern,
				Reason:     parsed.Reason,
				Confidence: clamp01(parsed.Confidence),
				Keywords:   parsed.Keywords,
			}
			if obj.Type == models.ObjectionOther && detected != models.ObjectionOther {
				obj.Type = detected
			}
			if strings.TrimSpace(obj.Concern) == "" {
				obj.Concern = message
			}
			slog.Info("ObjectionHandler.Identify: objection identified", "type", obj.Type, "confidence", obj.Confidence)
			return obj
		}
	}
	slog.Error("ObjectionHandler.Identify: identification failed", "error", err)
	fallback.Error = err.Error()
	return fallback
}

// Handle proposes an answer to obj.
func (h *ObjectionHandler) Handle(ctx context.Context, obj models.Objection, history []string, customer map[string]interface{}) models.ObjectionHandling {
	pb := h.pb.Current()
	if h.llm == nil {
		return h.Fallback(obj)
	}

	strategies := pb.Strategies(obj.Type)
	customerText := "Not available"
	if len(customer) > 0 {
		customerText = formatCustomer(customer)
	}
	prompt := fmt.Sprintf(handlePrompt, obj.Type, obj.Concern, obj.Reason,
		strings.Join(strategies, ", "), strings.Join(lastN(history, handleHistory), "\n"), customerText)
	req := genai.UserRequest("You are an expert at handling sales objections.", prompt)
	req.Temperature = handleTemperature
	req.MaxTokens = handleMaxTokens
	req.Label = "sales.objection.handle"
	text, err := h.llm.Complete(ctx, req)
	if err != nil {
		slog.Error("ObjectionHandler.Handle: handling failed", "type", obj.Type, "error", err)
		return models.ObjectionHandling{
			Response:      pb.Fallbacks.ObjectionError,
			Strategy:      FallbackStrategy,
			ObjectionType: obj.Type,
			Error:         err.Error(),
		}
	}

	strategy := generalStrategy
	if len(strategies) > 0 {
		strategy = strategies[0]
	}
	slog.Info("ObjectionHandler.Handle: objection handled", "type", obj.Type, "strategy", strategy)
	return models.ObjectionHandling{
		Response:      text,
		Strategy:      strategy,
		ObjectionType: obj.Type,
		NextSteps:     pb.NextSteps(obj.Type),
	}
}

// Fallback returns the canned answer to obj.
func (h *ObjectionHandler) Fallback(obj models.Objection) models.ObjectionHandling {
	pb := h.pb.Current()
	return models.ObjectionHandling{
		Response:      pb.Fallbacks.Objection,
		Strategy:      FallbackStrategy,
		ObjectionType: obj.Type,
		NextSteps:     pb.NextSteps(obj.Type),
	}
}

// HandleFlow identifies and then handles the objection in req.
func (h *ObjectionHandler) HandleFlow(ctx context.Context, req models.ObjectionRequest) models.ObjectionResult {
	obj := h.Identify(ctx, req.Message, req.History)
	return models.ObjectionResult{
		Objection: obj,
		Handling:  h.Handle(ctx, obj, req.History, req.CustomerData),
		Complete:  true,
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
