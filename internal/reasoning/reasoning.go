// Package reasoning implements the verbal reasoning engine: a typed prompt
// around one chat completion, with a depth cap, a result cache and a line
// parser that pulls conclusion, confidence and steps out of free text.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/util"
)

// Engine defaults.
const (
	DefaultMaxDepth     = 5
	DefaultCacheSize    = 256
	reasonTemperature   = 0.3
	reasonMaxTokens     = 1000
	defaultConfidence   = 0.5
	conclusionFallbackN = 200
)

// Fixed conclusions.
const (
	ConclusionMaxDepth = "Maximum reasoning depth reached"
	ConclusionFailed   = "Reasoning failed"
	noModelStep        = "No OPENAI_API_KEY configured"
)

type template struct {
	system string
	task   string
	asks   [4]string
}

var templates = map[models.ReasoningType]template{
	models.ReasoningDeductive: {
		system: "You are an expert in deductive reasoning. Apply strict logical rules.",
		task:   "Given the following premises and context, apply deductive reasoning to reach a conclusion.",
		asks:   [4]string{"Premises identified", "Logical steps", "Conclusion", "Confidence level (0-1)"},
	},
	models.ReasoningInductive: {
		system: "You are an expert in inductive reasoning. Identify patterns and generalize.",
		task:   "Given the following observations and context, apply inductive reasoning to form a general conclusion.",
		asks:   [4]string{"Observations identified", "Pattern recognition", "General conclusion", "Confidence level (0-1)"},
	},
	models.ReasoningAbductive: {
		system: "You are an expert in abductive reasoning. Find the best explanation.",
		task:   "Given the following observations and context, apply abductive reasoning to find the best explanation.",
		asks:   [4]string{"Observations", "Possible explanations", "Best explanation (most likely)", "Confidence level (0-1)"},
	},
	models.ReasoningAnalogical: {
		system: "You are an expert in analogical reasoning. Find and apply analogies.",
		task:   "Given the following query and context, apply analogical reasoning by finding similar cases.",
		asks:   [4]string{"Similar cases/analogies", "Mapping between cases", "Inferred conclusion", "Confidence level (0-1)"},
	},
	models.ReasoningCausal: {
		system: "You are an expert in causal reasoning. Identify cause-effect relationships.",
		task:   "Given the following query and context, apply causal reasoning to identify cause-effect relationships.",
		asks:   [4]string{"Causal factors identified", "Causal chain", "Predicted outcome", "Confidence level (0-1)"},
	},
}

// Opts holds configuration options for the Engine.
type Opts struct {
	MaxDepth  int
	CacheSize int
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithMaxDepth sets the depth at which reasoning stops.
func WithMaxDepth(depth int) Option {
	return func(o *Opts) {
		o.MaxDepth = depth
	}
}

// WithCacheSize bounds the number of cached results.
func WithCacheSize(n int) Option {
	return func(o *Opts) {
		o.CacheSize = n
	}
}

// Engine performs typed reasoning over a query.
type Engine struct {
	llm      genai.Completer
	maxDepth int

	mu        sync.Mutex
	cache     map[string]models.ReasoningResult
	order     []string
	cacheSize int
}

// NewEngine creates an Engine. A nil llm yields fallback results.
func NewEngine(llm genai.Completer, opts ...Option) *Engine {
	cfg := Opts{MaxDepth: DefaultMaxDepth, CacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		llm:       llm,
		maxDepth:  cfg.MaxDepth,
		cache:     make(map[string]models.ReasoningResult),
		cacheSize: cfg.CacheSize,
	}
}

// Reason answers query with the given reasoning style.
func (e *Engine) Reason(ctx context.Context, req models.ReasoningRequest) models.ReasoningResult {
	rt := models.ParseReasoningType(req.ReasoningType)
	depth := req.Depth

	if depth >= e.maxDepth {
		slog.Warn("Engine.Reason: max reasoning depth reached", "depth", depth)
		return models.ReasoningResult{
			Conclusion:     ConclusionMaxDepth,
			Confidence:     defaultConfidence,
			ReasoningSteps: []string{},
			ReasoningType:  rt,
			Depth:          depth,
		}
	}
	if e.llm == nil {
		return models.ReasoningResult{
			Conclusion:     "[fallback] " + req.Query,
			Confidence:     0.2,
			ReasoningSteps: []string{noModelStep},
			ReasoningType:  rt,
			Depth:          depth,
		}
	}

	key := cacheKey(req.Query, rt, req.Context)
	if cached, ok := e.lookup(key); ok {
		slog.Debug("Engine.Reason: using cached result", "reasoning_type", rt)
		cached.Depth = depth
		return cached
	}

	creq := genai.UserRequest(templates[rt].system, buildPrompt(rt, req.Query, req.Context))
	creq.Temperature = reasonTemperature
	creq.MaxTokens = reasonMaxTokens
	creq.Label = "reasoning." + string(rt)
	raw, err := e.llm.Complete(ctx, creq)
	if err != nil {
		slog.Error("Engine.Reason: reasoning call failed", "reasoning_type", rt, "error", err)
		return models.ReasoningResult{
			Conclusion:     ConclusionFailed,
			Confidence:     0,
			ReasoningSteps: []string{},
			ReasoningType:  rt,
			Depth:          depth,
			Error:          err.Error(),
		}
	}

	res := Parse(raw)
	res.ReasoningType = rt
	res.Depth = depth
	e.store(key, res)
	slog.Info("Engine.Reason: reasoning completed", "reasoning_type", rt, "depth", depth, "confidence", res.Confidence)
	return res
}

func buildPrompt(rt models.ReasoningType, query string, ctx map[string]interface{}) string {
	tpl := templates[rt]
	var b strings.Builder
	b.WriteString(tpl.task)
	b.WriteString("\n\nContext:\n")
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, ctx[k])
	}
	fmt.Fprintf(&b, "\nQuery: %s\n\nProvide:\n", query)
	for i, ask := range tpl.asks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ask)
	}
	return b.String()
}

// Parse extracts conclusion, confidence and steps from a free-text answer.
// A line mentioning "conclusion" supplies the text after its first colon, a
// line mentioning "confidence" supplies a number clamped to [0, 1], and lines
// starting with "1." to "4." or "-" are steps.
func Parse(response string) models.ReasoningResult {
	res := models.ReasoningResult{
		Confidence:     defaultConfidence,
		ReasoningSteps: []string{},
		FullResponse:   response,
	}
	for _, line := range strings.Split(response, "\n") {
		lower := strings.ToLower(line)
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.Contains(lower, "conclusion"):
			if i := strings.Index(line, ":"); i >= 0 {
				res.Conclusion = strings.TrimSpace(line[i+1:])
			} else {
				res.Conclusion = trimmed
			}
		case strings.Contains(lower, "confidence"):
			if f, ok := parseConfidence(line); ok {
				res.Confidence = f
			}
		case isStep(trimmed):
			res.ReasoningSteps = append(res.ReasoningSteps, trimmed)
		}
	}
	if res.Conclusion == "" {
		res.Conclusion = util.Truncate(response, conclusionFallbackN)
	}
	return res
}

func isStep(line string) bool {
	for _, prefix := range []string{"1.", "2.", "3.", "4.", "-"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func parseConfidence(line string) (float64, bool) {
	i := strings.LastIndex(line, ":")
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(line[i+1:])
	if len(fields) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Trim(fields[0], "*.,;()"), 64)
	if err != nil {
		return 0, false
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f, true
}

func cacheKey(query string, rt models.ReasoningType, ctx map[string]interface{}) string {
	data, err := json.Marshal(ctx)
	if err != nil {
		data = []byte(fmt.Sprint(ctx))
	}
	return query + "\x00" + string(rt) + "\x00" + string(data)
}

func (e *Engine) lookup(key string) (models.ReasoningResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.cache[key]
	if ok {
		res.ReasoningSteps = append([]string(nil), res.ReasoningSteps...)
	}
	return res, ok
}

func (e *Engine) store(key string, res models.ReasoningResult) {
	if e.cacheSize <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache[key]; !ok {
		e.order = append(e.order, key)
	}
	e.cache[key] = res
	for len(e.order) > e.cacheSize {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.cache, oldest)
	}
}
