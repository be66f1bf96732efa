package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/session"
	"github.com/BTreeMap/SalesPipe/internal/util"
)

// ModuleRAG is the breadcrumb module of retrieval-augmented answers.
const ModuleRAG = "rag"

// NoContextAnswer is returned when nothing relevant is known.
const NoContextAnswer = "Todavía no tengo información sobre eso. ¿Me cuentas un poco más?"

const (
	ragCandidates   = 50
	ragTopK         = 3
	ragMinWordRunes = 3
	ragTemperature  = 0.3
	ragMaxTokens    = 300
)

const ragPrompt = `Responde la pregunta del cliente usando solo el contexto. Si el contexto no alcanza, dilo en una frase.

Contexto:
%s

Pregunta: %s`

// Retriever answers questions from a session's memories and the knowledge graph.
type Retriever struct {
	memory *session.MemoryStore
	graph  *Graph
	trail  *session.Trail
	llm    genai.Completer
}

// NewRetriever creates a Retriever. A nil llm answers with the best matching
// source instead of a generated answer.
func NewRetriever(memory *session.MemoryStore, graph *Graph, trail *session.Trail, llm genai.Completer) *Retriever {
	return &Retriever{memory: memory, graph: graph, trail: trail, llm: llm}
}

// Query ranks the session's memories by the share of query words they
// contain, adds graph entities named by a query word, and answers from the
// top sources. The received query and the generated answer are written to the
// session trail and returned with the answer.
func (r *Retriever) Query(ctx context.Context, req models.RAGRequest) (models.RAGAnswer, error) {
	if err := req.Validate(); err != nil {
		return models.RAGAnswer{}, err
	}
	out := models.RAGAnswer{SessionID: req.SessionID, UserID: req.UserID, Query: req.Query}
	received := r.trail.Add(req.SessionID, ModuleRAG, "query_received",
		map[string]interface{}{"query": req.Query, "user_id": req.UserID}, nil, nil)

	out.Sources = r.sources(req.SessionID, req.Query)
	out.Answer, out.Note, out.Error = r.answer(ctx, req, out.Sources)

	generated := r.trail.Add(req.SessionID, ModuleRAG, "answer_generated",
		map[string]interface{}{"query": req.Query},
		map[string]interface{}{"answer": out.Answer, "sources": len(out.Sources)}, nil)
	out.Breadcrumbs = []models.Breadcrumb{received, generated}
	slog.Debug("Retriever.Query: answered", "session_id", req.SessionID, "sources", len(out.Sources))
	return out, nil
}

func (r *Retriever) sources(sessionID, query string) []models.RAGSource {
	words := queryWords(query)
	if len(words) == 0 {
		return []models.RAGSource{}
	}

	var found []models.RAGSource
	for _, m := range r.memory.Retrieve(sessionID, "", "", ragCandidates) {
		text := memoryText(m.Content)
		if score := overlap(words, text); score > 0 {
			found = append(found, models.RAGSource{Kind: models.SourceMemory, ID: m.ID, Text: text, Score: score})
		}
	}
	for _, w := range words {
		if view, ok := r.graph.QueryEntity(w); ok {
			found = append(found, models.RAGSource{Kind: models.SourceEntity, ID: view.ID, Text: entityText(view), Score: 1})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].Score > found[j].Score })
	if len(found) > ragTopK {
		found = found[:ragTopK]
	}
	if found == nil {
		found = []models.RAGSource{}
	}
	return found
}

func (r *Retriever) answer(ctx context.Context, req models.RAGRequest, sources []models.RAGSource) (answer, note, errMsg string) {
	if len(sources) == 0 {
		return NoContextAnswer, "", ""
	}
	if r.llm == nil {
		return sources[0].Text, NoteNotConfigured, ""
	}

	lines := make([]string, len(sources))
	for i, s := range sources {
		lines[i] = "- " + s.Text
	}
	creq := genai.UserRequest("", fmt.Sprintf(ragPrompt, strings.Join(lines, "\n"), req.Query))
	creq.Temperature = ragTemperature
	creq.MaxTokens = ragMaxTokens
	creq.Label = "knowledge.rag"
	text, err := r.llm.Complete(ctx, creq)
	if err != nil {
		slog.Warn("Retriever.answer: completion failed", "session_id", req.SessionID, "error", err)
		return sources[0].Text, "", err.Error()
	}
	if text == "" {
		return sources[0].Text, "", ""
	}
	return text, "", ""
}

// queryWords returns the distinct normalized words of q long enough to carry
// meaning.
func queryWords(q string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range util.Words(q) {
		if utf8.RuneCountInString(w) < ragMinWordRunes || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// overlap is the share of words present in text.
func overlap(words []string, text string) float64 {
	have := make(map[string]bool)
	for _, w := range util.Words(text) {
		have[w] = true
	}
	n := 0
	for _, w := range words {
		if have[w] {
			n++
		}
	}
	return float64(n) / float64(len(words))
}

func memoryText(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func entityText(v EntityView) string {
	var b strings.Builder
	b.WriteString(v.ID)
	if v.Type != "" {
		b.WriteString(" (" + v.Type + ")")
	}
	if len(v.Properties) > 0 {
		b.WriteString(": " + memoryText(v.Properties))
	}
	for _, rel := range v.Relationships {
		b.WriteString("; " + rel.Type + " " + rel.Target)
	}
	return b.String()
}
