// Package guardrails validates generated text against the ABCD guardrails:
// accuracy, bias, compliance and danger.
//
// Each category is checked by its own language-model call. The checks run
// concurrently and fail open: an absent model, a failed call or malformed
// output count as "not violated".
package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"golang.org/x/sync/errgroup"
)

const checkTemperature = 0.1

// defaultRules are the rules every category starts with.
var defaultRules = map[models.GuardrailCategory][]string{
	models.GuardrailAccuracy: {
		"Do not make unsubstantiated claims",
		"Do not provide false information",
		"Verify facts before stating them",
	},
	models.GuardrailBias: {
		"Avoid discriminatory language",
		"Do not stereotype",
		"Treat all individuals equally",
	},
	models.GuardrailCompliance: {
		"Follow legal regulations",
		"Respect privacy laws",
		"Do not engage in illegal activities",
	},
	models.GuardrailDanger: {
		"Do not encourage harmful behavior",
		"Do not provide dangerous instructions",
		"Prioritize safety",
	},
}

const checkPrompt = `Analyze the following text for %s violations.

Rules:
%s
%s
Text: %s

Respond with JSON only:
{"violated": true/false, "reasons": ["reason1", "reason2"]}`

// CheckResult is the verdict of one category.
type CheckResult struct {
	Violated bool     `json:"violated"`
	Reasons  []string `json:"reasons"`
}

// Checker runs the four guardrail checks.
type Checker struct {
	llm   genai.Completer
	mu    sync.RWMutex
	rules map[models.GuardrailCategory][]string
}

// NewChecker creates a Checker. A nil llm makes every verdict safe.
func NewChecker(llm genai.Completer) *Checker {
	rules := make(map[models.GuardrailCategory][]string, len(defaultRules))
	for c, r := range defaultRules {
		rules[c] = append([]string(nil), r...)
	}
	return &Checker{llm: llm, rules: rules}
}

// Rules returns a copy of the rules per category.
func (c *Checker) Rules() map[models.GuardrailCategory][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.GuardrailCategory][]string, len(c.rules))
	for cat, r := range c.rules {
		out[cat] = append([]string(nil), r...)
	}
	return out
}

// AddRule appends a rule to a category.
func (c *Checker) AddRule(category, rule string) error {
	cat, err := models.ParseGuardrailCategory(category)
	if err != nil {
		return err
	}
	if strings.TrimSpace(rule) == "" {
		return models.ErrEmptyText
	}
	c.mu.Lock()
	c.rules[cat] = append(c.rules[cat], rule)
	c.mu.Unlock()
	slog.Info("Checker.AddRule: rule added", "category", cat, "rule", rule)
	return nil
}

// Validate checks text against all categories. Severity escalates
// danger > compliance > bias/accuracy > none, and only safe and warning are valid.
func (c *Checker) Validate(ctx context.Context, text string, meta map[string]interface{}) models.GuardrailResult {
	if c.llm == nil {
		return models.SafeResult()
	}

	results := make([]CheckResult, len(models.GuardrailCategories))
	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range models.GuardrailCategories {
		i, cat := i, cat
		g.Go(func() error {
			results[i] = c.check(gctx, cat, text, meta)
			return nil
		})
	}
	_ = g.Wait()

	verdicts := make(map[models.GuardrailCategory]CheckResult, len(results))
	for i, cat := range models.GuardrailCategories {
		verdicts[cat] = results[i]
	}
	res := Combine(verdicts)
	slog.Info("Checker.Validate: guardrail validation", "is_valid", res.IsValid, "level", res.Level, "violations", len(res.Violations))
	return res
}

// Combine folds per-category verdicts into a GuardrailResult.
func Combine(verdicts map[models.GuardrailCategory]CheckResult) models.GuardrailResult {
	res := models.SafeResult()
	for _, cat := range models.GuardrailCategories {
		if v := verdicts[cat]; v.Violated {
			res.Violations = append(res.Violations, v.Reasons...)
		}
	}
	switch {
	case verdicts[models.GuardrailDanger].Violated:
		res.Level = models.GuardrailCritical
	case verdicts[models.GuardrailCompliance].Violated:
		res.Level = models.GuardrailBlocked
	case verdicts[models.GuardrailBias].Violated, verdicts[models.GuardrailAccuracy].Violated:
		res.Level = models.GuardrailWarning
	default:
		res.Level = models.GuardrailSafe
	}
	res.IsValid = res.Level.Valid()
	return res
}

func (c *Checker) check(ctx context.Context, cat models.GuardrailCategory, text string, meta map[string]interface{}) CheckResult {
	c.mu.RLock()
	rules := "- " + strings.Join(c.rules[cat], "\n- ")
	c.mu.RUnlock()

	contextLine := ""
	if len(meta) > 0 {
		if data, err := json.Marshal(meta); err == nil {
			contextLine = "\nContext: " + string(data) + "\n"
		}
	}

	req := genai.UserRequest("", fmt.Sprintf(checkPrompt, cat, rules, contextLine, text))
	req.Temperature = checkTemperature
	req.JSON = true
	req.Label = "guardrails." + string(cat)

	raw, err := c.llm.Complete(ctx, req)
	if err != nil {
		slog.Warn("Checker.check: category check failed, treating as not violated", "category", cat, "error", err)
		return CheckResult{}
	}
	var res CheckResult
	if err := genai.DecodeObject(raw, &res); err != nil {
		slog.Warn("Checker.check: malformed verdict, treating as not violated", "category", cat, "error", err)
		return CheckResult{}
	}
	if res.Violated && len(res.Reasons) == 0 {
		res.Reasons = []string{fmt.Sprintf("%s guardrail violated", cat)}
	}
	return res
}
