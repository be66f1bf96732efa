package models

import (
	"strings"
	"time"
)

// ScriptUsed tags how a sales reply was produced.
type ScriptUsed string

const (
	// ScriptLLM marks a reply generated by the language model.
	ScriptLLM ScriptUsed = "llm"
	// ScriptFallback marks a deterministic reply produced without the model.
	ScriptFallback ScriptUsed = "fallback"
)

// Script is the playbook entry for one stage.
type Script struct {
	Name      string   `json:"name" yaml:"name"`
	Tone      string   `json:"tone" yaml:"tone"`
	KeyPoints []string `json:"key_points" yaml:"key_points"`
	Examples  []string `json:"examples" yaml:"examples"`
}

// SalesMessageRequest is an inbound customer message.
type SalesMessageRequest struct {
	Message      string                 `json:"message"`
	SessionID    string                 `json:"session_id"`
	History      []string               `json:"conversation_history,omitempty"`
	CustomerData map[string]interface{} `json:"customer_data,omitempty"`
}

// Validate checks required fields.
func (r SalesMessageRequest) Validate() error {
	if blank(r.SessionID) {
		return ErrEmptySessionID
	}
	if blank(r.Message) {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// SalesReply is the assistant's answer to a customer message.
type SalesReply struct {
	Response        string           `json:"response"`
	Stage           Stage            `json:"stage"`
	NextStage       Stage            `json:"next_stage"`
	ScriptUsed      ScriptUsed       `json:"script_used"`
	SessionID       string           `json:"session_id,omitempty"`
	AnchorViolation string           `json:"anchor_violation,omitempty"`
	Guardrail       *GuardrailResult `json:"guardrail,omitempty"`
}

// ObjectionType classifies a customer objection.
type ObjectionType string

const (
	ObjectionPrice      ObjectionType = "price"
	ObjectionTiming     ObjectionType = "timing"
	ObjectionNeed       ObjectionType = "need"
	ObjectionTrust      ObjectionType = "trust"
	ObjectionCompetitor ObjectionType = "competitor"
	ObjectionAuthority  ObjectionType = "authority"
	ObjectionOther      ObjectionType = "other"
)

// ObjectionTypes lists every objection type with other last.
var ObjectionTypes = []ObjectionType{
	ObjectionPrice,
	ObjectionTiming,
	ObjectionNeed,
	ObjectionTrust,
	ObjectionCompetitor,
	ObjectionAuthority,
	ObjectionOther,
}

// ParseObjectionType maps an untrusted string onto an ObjectionType, falling
// back to other.
func ParseObjectionType(s string) ObjectionType {
	candidate := ObjectionType(strings.ToLower(strings.TrimSpace(s)))
	for _, ot := range ObjectionTypes {
		if ot == candidate {
			return ot
		}
	}
	return ObjectionOther
}

// ObjectionRequest is the payload for handling an objection.
type ObjectionRequest struct {
	Message      string                 `json:"message"`
	SessionID    string                 `json:"session_id,omitempty"`
	History      []string               `json:"conversation_history,omitempty"`
	CustomerData map[string]interface{} `json:"customer_data,omitempty"`
}

// Validate checks required fields.
func (r ObjectionRequest) Validate() error {
	if blank(r.Message) {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Objection is an identified customer objection.
type Objection struct {
	Type       ObjectionType `json:"type"`
	Concern    string        `json:"concern"`
	Reason     string        `json:"reason,omitempty"`
	Confidence float64       `json:"confidence"`
	Keywords   []string      `json:"keywords,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ObjectionHandling is the proposed answer to an objection.
type ObjectionHandling struct {
	Response      string        `json:"response"`
	Strategy      string        `json:"strategy"`
	ObjectionType ObjectionType `json:"objection_type,omitempty"`
	NextSteps     []string      `json:"next_steps,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// ObjectionResult pairs an objection with its handling.
type ObjectionResult struct {
	Objection Objection         `json:"objection"`
	Handling  ObjectionHandling `json:"handling"`
	Complete  bool              `json:"complete"`
	Guardrail *GuardrailResult  `json:"guardrail,omitempty"`
}

// TurnRole identifies who produced a transcript line.
type TurnRole string

const (
	TurnCustomer  TurnRole = "customer"
	TurnAssistant TurnRole = "assistant"
)

// Turn is one line of a stored conversation transcript.
type Turn struct {
	Role TurnRole  `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// DefaultLastTactic is the tactic recorded for a session that has not been
// answered yet.
const DefaultLastTactic = "none"

// ConversationState is the persisted per-session conversation document.
type ConversationState struct {
	SessionID  string    `json:"session_id"`
	Stage      Stage     `json:"stage"`
	NextStage  Stage     `json:"next_stage"`
	LastTactic string    `json:"last_tactic"`
	Channel    Channel   `json:"channel,omitempty"`
	Transcript []Turn    `json:"transcript"`
	TurnCount  int       `json:"turn_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewConversationState returns the initial document for a session.
func NewConversationState(sessionID string, now time.Time) ConversationState {
	return ConversationState{
		SessionID:  sessionID,
		LastTactic: DefaultLastTactic,
		Transcript: []Turn{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CustomerLines returns the customer side of the transcript, oldest first.
func (c ConversationState) CustomerLines() []string {
	lines := make([]string, 0, len(c.Transcript))
	for _, t := range c.Transcript {
		if t.Role == TurnCustomer {
			lines = append(lines, t.Text)
		}
	}
	return lines
}

// Append adds turns and drops the oldest ones beyond maxTurns.
func (c *ConversationState) Append(maxTurns int, turns ...Turn) {
	c.Transcript = append(c.Transcript, turns...)
	c.TurnCount += len(turns)
	if maxTurns > 0 && len(c.Transcript) > maxTurns {
		c.Transcript = append([]Turn(nil), c.Transcript[len(c.Transcript)-maxTurns:]...)
	}
}
