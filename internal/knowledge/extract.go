package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

const extractTemperature = 0.2

const extractPrompt = `Extrae entidades y relaciones del texto y devuelve solo JSON con esta forma:
{"entities":[{"id":"e1","type":"...","properties":{}}],"relationships":[{"source":"e1","target":"e2","type":"...","properties":{}}]}

Texto: %s`

// NoteNotConfigured is reported when no language model is available.
const NoteNotConfigured = "LLM not configured"

// Extraction is the outcome of ExtractAndLink.
type Extraction struct {
	Entities      []models.Entity       `json:"entities"`
	Relationships []models.Relationship `json:"relationships"`
	Note          string                `json:"note,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// Extractor links entities found in free text into a Graph.
type Extractor struct {
	graph *Graph
	llm   genai.Completer
}

// NewExtractor creates an Extractor. A nil llm disables extraction.
func NewExtractor(graph *Graph, llm genai.Completer) *Extractor {
	return &Extractor{graph: graph, llm: llm}
}

// ExtractAndLink asks the language model for entities and relationships in
// text and adds them to the graph. Model or parse failures are reported in
// the Error field with nothing added.
func (x *Extractor) ExtractAndLink(ctx context.Context, text, sessionID string) Extraction {
	empty := Extraction{Entities: []models.Entity{}, Relationships: []models.Relationship{}}
	if x.llm == nil {
		empty.Note = NoteNotConfigured
		return empty
	}

	req := genai.UserRequest("", fmt.Sprintf(extractPrompt, text))
	req.Temperature = extractTemperature
	req.JSON = true
	req.Label = "knowledge.extract"
	raw, err := x.llm.Complete(ctx, req)
	if err != nil {
		slog.Error("Extractor.ExtractAndLink: completion failed", "session_id", sessionID, "error", err)
		empty.Error = err.Error()
		return empty
	}

	var parsed Extraction
	if err := genai.DecodeObject(raw, &parsed); err != nil {
		slog.Warn("Extractor.ExtractAndLink: malformed model output", "session_id", sessionID, "error", err)
		empty.Error = err.Error()
		return empty
	}

	out := empty
	for _, e := range parsed.Entities {
		if err := x.graph.AddEntity(e); err != nil {
			continue
		}
		out.Entities = append(out.Entities, e)
	}
	for _, r := range parsed.Relationships {
		if err := x.graph.AddRelationship(r); err != nil {
			continue
		}
		out.Relationships = append(out.Relationships, r)
	}
	slog.Info("Extractor.ExtractAndLink: entities linked", "session_id", sessionID, "entities", len(out.Entities), "relationships", len(out.Relationships))
	return out
}
