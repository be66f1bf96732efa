package models

import (
	"strings"
	"time"
)

// Stage is one discrete phase of a sales conversation.
type Stage string

const (
	StageGreeting          Stage = "greeting"
	StageQualification     Stage = "qualification"
	StagePresentation      Stage = "presentation"
	StageObjectionHandling Stage = "objection_handling"
	StageClosing           Stage = "closing"
	StageFollowUp          Stage = "follow_up"
)

// Stages lists every stage in forward order.
var Stages = []Stage{
	StageGreeting,
	StageQualification,
	StagePresentation,
	StageObjectionHandling,
	StageClosing,
	StageFollowUp,
}

// ParseStage maps an untrusted string onto a Stage. The boolean is false when
// the input names no known stage.
func ParseStage(s string) (Stage, bool) {
	candidate := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Stages {
		if st == candidate {
			return st, true
		}
	}
	return "", false
}

// Next returns the stage that follows s. follow_up is terminal and unknown
// stages restart the flow at qualification.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s {
			if i == len(Stages)-1 {
				return st
			}
			return Stages[i+1]
		}
	}
	return StageQualification
}

// AnchorPoint is a session-scoped goal with constraints used to keep the
// conversation aligned with what the customer wants.
type AnchorPoint struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	Objective   string                 `json:"objective"`
	Constraints []string               `json:"constraints"`
	Context     map[string]interface{} `json:"context"`
	Priority    int                    `json:"priority"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AnchorRequest is the payload for creating an anchor point.
type AnchorRequest struct {
	SessionID   string                 `json:"session_id"`
	Objective   string                 `json:"objective"`
	Constraints []string               `json:"constraints,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
}

// Validate applies defaults and checks required fields.
func (r *AnchorRequest) Validate() error {
	if blank(r.SessionID) {
		return ErrEmptySessionID
	}
	if blank(r.Objective) {
		return ErrEmptyObjective
	}
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	return nil
}

// AnchorUpdate carries the optional fields of an anchor update. Nil or empty
// fields leave the stored value unchanged; Context is merged key by key.
type AnchorUpdate struct {
	Objective   string                 `json:"objective,omitempty"`
	Constraints []string               `json:"constraints,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
}

// Validate checks the optional priority range.
func (u AnchorUpdate) Validate() error {
	if u.Priority != nil && (*u.Priority < MinPriority || *u.Priority > MaxPriority) {
		return ErrInvalidPriority
	}
	return nil
}

// ActionCheck is the result of validating a proposed action against the
// active anchor of a session.
type ActionCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// MemoryType classifies a stored memory.
type MemoryType string

const (
	MemoryShortTerm MemoryType = "short_term"
	MemoryLongTerm  MemoryType = "long_term"
	MemoryEpisodic  MemoryType = "episodic"
	MemorySemantic  MemoryType = "semantic"
	MemoryWorking   MemoryType = "working"
)

// MemoryTypes lists every memory type.
var MemoryTypes = []MemoryType{MemoryShortTerm, MemoryLongTerm, MemoryEpisodic, MemorySemantic, MemoryWorking}

// ParseMemoryType maps an untrusted string onto a MemoryType, falling back to
// short_term for anything it does not recognise.
func ParseMemoryType(s string) MemoryType {
	candidate := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	for _, mt := range MemoryTypes {
		if mt == candidate {
			return mt
		}
	}
	return MemoryShortTerm
}

// Memory is one remembered item of a session.
type Memory struct {
	ID           string                 `json:"id"`
	SessionID    string                 `json:"session_id"`
	Content      interface{}            `json:"content"`
	Type         MemoryType             `json:"memory_type"`
	Importance   float64                `json:"importance"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	AccessCount  int                    `json:"access_count"`
	LastAccessed *time.Time             `json:"last_accessed,omitempty"`
}

// DefaultImportance is applied when a memory request omits importance.
const DefaultImportance = 0.5

// MemoryRequest is the payload for storing a memory.
type MemoryRequest struct {
	SessionID  string                 `json:"session_id"`
	Content    interface{}            `json:"content"`
	MemoryType string                 `json:"memory_type,omitempty"`
	Importance *float64               `json:"importance,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks required fields and the importance range.
func (r MemoryRequest) Validate() error {
	if blank(r.SessionID) {
		return ErrEmptySessionID
	}
	if r.Content == nil {
		return ErrEmptyContent
	}
	if s, ok := r.Content.(string); ok && blank(s) {
		return ErrEmptyContent
	}
	if r.Importance != nil && (*r.Importance < 0 || *r.Importance > 1) {
		return ErrImportanceOutOfRange
	}
	return nil
}

// ImportanceOrDefault returns the requested importance or DefaultImportance.
func (r MemoryRequest) ImportanceOrDefault() float64 {
	if r.Importance == nil {
		return DefaultImportance
	}
	return *r.Importance
}

// Breadcrumb is an immutable entry in a session's decision trail.
type Breadcrumb struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Module    string                 `json:"module"`
	Action    string                 `json:"action"`
	Context   map[string]interface{} `json:"context"`
	Result    interface{}            `json:"result,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// GuardrailCategory names one of the four guardrail checks.
type GuardrailCategory string

const (
	GuardrailAccuracy   GuardrailCategory = "accuracy"
	GuardrailBias       GuardrailCategory = "bias"
	GuardrailCompliance GuardrailCategory = "compliance"
	GuardrailDanger     GuardrailCategory = "danger"
)

// GuardrailCategories lists the categories in the order they are reported.
var GuardrailCategories = []GuardrailCategory{GuardrailAccuracy, GuardrailBias, GuardrailCompliance, GuardrailDanger}

// ParseGuardrailCategory maps an untrusted string onto a category.
func ParseGuardrailCategory(s string) (GuardrailCategory, error) {
	candidate := GuardrailCategory(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range GuardrailCategories {
		if c == candidate {
			return c, nil
		}
	}
	return "", ErrInvalidGuardrailClass
}

// GuardrailLevel is the severity of a guardrail verdict.
type GuardrailLevel string

const (
	GuardrailSafe     GuardrailLevel = "safe"
	GuardrailWarning  GuardrailLevel = "warning"
	GuardrailBlocked  GuardrailLevel = "blocked"
	GuardrailCritical GuardrailLevel = "critical"
)

// Valid reports whether text at this level may be shown to a customer.
func (l GuardrailLevel) Valid() bool {
	return l == GuardrailSafe || l == GuardrailWarning
}

// GuardrailResult is the verdict of validating one piece of text.
type GuardrailResult struct {
	IsValid    bool           `json:"is_valid"`
	Level      GuardrailLevel `json:"level"`
	Violations []string       `json:"violations"`
}

// SafeResult is returned when nothing was flagged.
func SafeResult() GuardrailResult {
	return GuardrailResult{IsValid: true, Level: GuardrailSafe, Violations: []string{}}
}

// GuardrailRequest is the payload for validating text.
type GuardrailRequest struct {
	Text    string                 `json:"text"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Validate checks required fields.
func (r GuardrailRequest) Validate() error {
	if blank(r.Text) {
		return ErrEmptyText
	}
	return nil
}

// GuardrailRuleRequest adds a rule to a guardrail category.
type GuardrailRuleRequest struct {
	Category string `json:"category"`
	Rule     string `json:"rule"`
}

// ReasoningType selects the reasoning style.
type ReasoningType string

const (
	ReasoningDeductive  ReasoningType = "deductive"
	ReasoningInductive  ReasoningType = "inductive"
	ReasoningAbductive  ReasoningType = "abductive"
	ReasoningAnalogical ReasoningType = "analogical"
	ReasoningCausal     ReasoningType = "causal"
)

// ReasoningTypes lists every reasoning type.
var ReasoningTypes = []ReasoningType{ReasoningDeductive, ReasoningInductive, ReasoningAbductive, ReasoningAnalogical, ReasoningCausal}

// ParseReasoningType maps an untrusted string onto a ReasoningType, falling
// back to deductive.
func ParseReasoningType(s string) ReasoningType {
	candidate := ReasoningType(strings.ToLower(strings.TrimSpace(s)))
	for _, rt := range ReasoningTypes {
		if rt == candidate {
			return rt
		}
	}
	return ReasoningDeductive
}

// ReasoningRequest is the payload for a reasoning call.
type ReasoningRequest struct {
	Query         string                 `json:"query"`
	Context       map[string]interface{} `json:"context,omitempty"`
	ReasoningType string                 `json:"reasoning_type,omitempty"`
	Depth         int                    `json:"depth,omitempty"`
}

// Validate checks required fields.
func (r ReasoningRequest) Validate() error {
	if blank(r.Query) {
		return ErrEmptyQuery
	}
	return nil
}

// ReasoningResult is the outcome of a reasoning call.
type ReasoningResult struct {
	Conclusion     string        `json:"conclusion"`
	Confidence     float64       `json:"confidence"`
	ReasoningSteps []string      `json:"reasoning_steps"`
	ReasoningType  ReasoningType `json:"reasoning_type"`
	Depth          int           `json:"depth"`
	FullResponse   string        `json:"full_response,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// ActionRequest is a proposed action to check against the active anchor.
type ActionRequest struct {
	Action string `json:"action"`
}

// Validate checks required fields.
func (r ActionRequest) Validate() error {
	if blank(r.Action) {
		return ErrEmptyAction
	}
	return nil
}
