// Package assistant orchestrates one customer turn of SalesPipe.
//
// A turn runs stage classification, the anchor check, reply generation (model
// or fallback), guardrail validation of generated text and finally the
// breadcrumb, memory, conversation state and analytics writes. Turns of the
// same session are serialised; different sessions run in parallel.
package assistant

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/analytics"
	"github.com/BTreeMap/SalesPipe/internal/guardrails"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/sales"
	"github.com/BTreeMap/SalesPipe/internal/session"
	"github.com/BTreeMap/SalesPipe/internal/store"
)

// DefaultMaxTurns bounds the stored transcript of a session.
const DefaultMaxTurns = 50

// Breadcrumb module names written by the assistant.
const (
	ModuleSales      = "sales"
	ModuleObjections = "objections"
	ModuleAnchors    = "anchors"
	ModuleGuardrails = "guardrails"
)

// Components are the engines and stores a turn runs through.
type Components struct {
	Classifier *sales.Classifier
	Scripts    *sales.ScriptEngine
	Objections *sales.ObjectionHandler
	Guardrails *guardrails.Checker
	Anchors    *session.AnchorStore
	Memory     *session.MemoryStore
	Trail      *session.Trail
}

// Opts holds configuration options for the Assistant.
type Opts struct {
	Store    store.Store
	Tracker  *analytics.Tracker
	Locker   *session.Locker
	MaxTurns int
	Clock    func() time.Time
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithStateStore persists conversation state in st instead of process memory.
func WithStateStore(st store.Store) Option {
	return func(o *Opts) {
		o.Store = st
	}
}

// WithTracker records stage and conversion events.
func WithTracker(t *analytics.Tracker) Option {
	return func(o *Opts) {
		o.Tracker = t
	}
}

// WithLocker shares a session lock table with other components.
func WithLocker(l *session.Locker) Option {
	return func(o *Opts) {
		o.Locker = l
	}
}

// WithMaxTurns bounds the stored transcript.
func WithMaxTurns(n int) Option {
	return func(o *Opts) {
		o.MaxTurns = n
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// Assistant handles customer turns.
type Assistant struct {
	c        Components
	store    store.Store
	tracker  *analytics.Tracker
	locks    *session.Locker
	maxTurns int
	now      func() time.Time
}

// New creates an Assistant. Nil components are replaced by their defaults
// without a language model, so every reply is a fallback.
func New(c Components, opts ...Option) *Assistant {
	cfg := Opts{MaxTurns: DefaultMaxTurns, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if c.Classifier == nil {
		c.Classifier = sales.NewClassifier()
	}
	if c.Scripts == nil {
		c.Scripts = sales.NewScriptEngine(nil)
	}
	if c.Objections == nil {
		c.Objections = sales.NewObjectionHandler(nil)
	}
	if c.Guardrails == nil {
		c.Guardrails = guardrails.NewChecker(nil)
	}
	if c.Anchors == nil {
		c.Anchors = session.NewAnchorStore()
	}
	if c.Memory == nil {
		c.Memory = session.NewMemoryStore()
	}
	if c.Trail == nil {
		c.Trail = session.NewTrail()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewInMemoryStore()
	}
	if cfg.Locker == nil {
		cfg.Locker = session.NewLocker()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Assistant{
		c:        c,
		store:    cfg.Store,
		tracker:  cfg.Tracker,
		locks:    cfg.Locker,
		maxTurns: cfg.MaxTurns,
		now:      cfg.Clock,
	}
}

// HandleMessage answers one customer message. The stage is classified from
// the supplied history, or from the stored transcript when none is given, so
// a first message always lands in greeting.
func (a *Assistant) HandleMessage(ctx context.Context, req models.SalesMessageRequest) (models.SalesReply, error) {
	return a.handle(ctx, req, models.ChannelAPI)
}

func (a *Assistant) handle(ctx context.Context, req models.SalesMessageRequest, channel models.Channel) (models.SalesReply, error) {
	if err := req.Validate(); err != nil {
		return models.SalesReply{}, err
	}
	start := a.now()
	sid := req.SessionID

	unlock := a.locks.Lock(sid)
	defer unlock()

	state := a.loadState(sid, start)
	history := req.History
	if len(history) == 0 {
		history = state.CustomerLines()
	}
	stage := a.c.Classifier.Classify(history)

	check := a.c.Anchors.Validate(sid, req.Message)
	customer := req.CustomerData
	if !check.Allowed {
		slog.Info("Assistant.HandleMessage: message outside active anchor", "session_id", sid, "reason", check.Reason)
		a.c.Trail.Add(sid, ModuleAnchors, "validate_message", map[string]interface{}{"message": req.Message}, check, nil)
	}
	if anchor, ok := a.c.Anchors.Active(sid); ok {
		customer = withAnchor(customer, anchor)
	}

	reply := a.c.Scripts.Respond(ctx, stage, req.Message, history, customer)
	reply.SessionID = sid
	if !check.Allowed {
		reply.AnchorViolation = check.Reason
	}

	if reply.ScriptUsed == models.ScriptLLM {
		verdict := a.c.Guardrails.Validate(ctx, reply.Response, map[string]interface{}{"session_id": sid, "stage": string(stage)})
		reply.Guardrail = &verdict
		if !verdict.IsValid {
			slog.Warn("Assistant.HandleMessage: generated reply rejected by guardrails", "session_id", sid, "level", verdict.Level)
			a.c.Trail.Add(sid, ModuleGuardrails, "reject_reply", map[string]interface{}{"stage": string(stage)}, verdict, nil)
			reply.Response = a.c.Scripts.Fallback(stage)
			reply.ScriptUsed = models.ScriptFallback
		}
	}

	a.c.Trail.Add(sid, ModuleSales, "handle_message",
		map[string]interface{}{"stage": string(stage), "message": req.Message, "channel": string(channel)},
		map[string]interface{}{"next_stage": string(reply.NextStage), "script_used": string(reply.ScriptUsed)},
		nil)

	if _, err := a.c.Memory.Store(models.MemoryRequest{
		SessionID: sid,
		Content:   req.Message,
		Metadata:  map[string]interface{}{"stage": string(stage), "role": string(models.TurnCustomer)},
	}); err != nil {
		slog.Warn("Assistant.HandleMessage: memory write failed", "session_id", sid, "error", err)
	}

	previous := state.Stage
	now := a.now()
	state.Stage = stage
	state.NextStage = reply.NextStage
	state.LastTactic = a.tactic(stage, reply.ScriptUsed)
	if channel != models.ChannelAPI || state.Channel == "" {
		state.Channel = channel
	}
	state.UpdatedAt = now
	state.Append(a.maxTurns,
		models.Turn{Role: models.TurnCustomer, Text: req.Message, Time: start},
		models.Turn{Role: models.TurnAssistant, Text: reply.Response, Time: now},
	)
	if err := a.store.SaveConversationState(state); err != nil {
		slog.Error("Assistant.HandleMessage: failed to save conversation state", "session_id", sid, "error", err)
	}

	if a.tracker != nil {
		a.tracker.TrackStage(sid, stage, map[string]interface{}{
			"script_used":   string(reply.ScriptUsed),
			"response_time": now.Sub(start).Seconds(),
			"success":       true,
		})
		if previous == models.StageClosing && stage == models.StageClosing {
			a.tracker.Track(analytics.EventConversion, sid, map[string]interface{}{"channel": string(channel)})
		}
	}

	slog.Debug("Assistant.HandleMessage: turn handled", "session_id", sid, "stage", stage, "script_used", reply.ScriptUsed)
	return reply, nil
}

// HandleObjection identifies and answers an objection. A model answer goes
// through the guardrails and is replaced by the canned answer when rejected.
// With a session id the outcome is written to that session's trail.
func (a *Assistant) HandleObjection(ctx context.Context, req models.ObjectionRequest) (models.ObjectionResult, error) {
	if err := req.Validate(); err != nil {
		return models.ObjectionResult{}, err
	}
	if req.SessionID != "" {
		unlock := a.locks.Lock(req.SessionID)
		defer unlock()
	}

	res := a.c.Objections.HandleFlow(ctx, req)
	if res.Handling.Strategy != sales.FallbackStrategy {
		verdict := a.c.Guardrails.Validate(ctx, res.Handling.Response, map[string]interface{}{
			"session_id":     req.SessionID,
			"stage":          string(models.StageObjectionHandling),
			"objection_type": string(res.Objection.Type),
		})
		res.Guardrail = &verdict
		if !verdict.IsValid {
			slog.Warn("Assistant.HandleObjection: generated answer rejected by guardrails", "session_id", req.SessionID, "level", verdict.Level)
			if req.SessionID != "" {
				a.c.Trail.Add(req.SessionID, ModuleGuardrails, "reject_reply",
					map[string]interface{}{"stage": string(models.StageObjectionHandling), "objection_type": string(res.Objection.Type)},
					verdict, nil)
			}
			res.Handling = a.c.Objections.Fallback(res.Objection)
		}
	}
	if req.SessionID != "" {
		a.c.Trail.Add(req.SessionID, ModuleObjections, "handle_objection",
			map[string]interface{}{"message": req.Message},
			map[string]interface{}{"type": string(res.Objection.Type), "strategy": res.Handling.Strategy},
			nil)
		if a.tracker != nil {
			a.tracker.TrackStage(req.SessionID, models.StageObjectionHandling, map[string]interface{}{
				"objection_type": string(res.Objection.Type),
				"success":        res.Complete,
			})
		}
	}
	return res, nil
}

// HandleInbound answers a message that arrived on a messaging channel. The
// session id is "<channel>:<sender>".
func (a *Assistant) HandleInbound(ctx context.Context, msg models.Response) (string, error) {
	channel := msg.Channel
	if channel == "" {
		channel = models.ChannelAPI
	}
	reply, err := a.handle(ctx, models.SalesMessageRequest{
		SessionID: InboundSessionID(channel, msg.From),
		Message:   msg.Body,
	}, channel)
	if err != nil {
		return "", err
	}
	return reply.Response, nil
}

// InboundSessionID derives the session id of a channel conversation.
func InboundSessionID(channel models.Channel, from string) string {
	return string(channel) + ":" + strings.TrimSpace(from)
}

// State returns the stored conversation state of a session, or nil when the
// session has not been seen.
func (a *Assistant) State(sessionID string) (*models.ConversationState, error) {
	return a.store.GetConversationState(sessionID)
}

func (a *Assistant) loadState(sessionID string, now time.Time) models.ConversationState {
	st, err := a.store.GetConversationState(sessionID)
	if err != nil {
		slog.Error("Assistant.loadState: failed to load conversation state", "session_id", sessionID, "error", err)
	}
	if st == nil {
		return models.NewConversationState(sessionID, now)
	}
	return *st
}

func (a *Assistant) tactic(stage models.Stage, used models.ScriptUsed) string {
	script, _ := a.c.Scripts.GetScript(string(stage))
	name := script.Name
	if name == "" {
		name = string(stage)
	}
	return name + ":" + string(used)
}

func withAnchor(customer map[string]interface{}, anchor models.AnchorPoint) map[string]interface{} {
	out := make(map[string]interface{}, len(customer)+2)
	for k, v := range customer {
		out[k] = v
	}
	out["anchor_objective"] = anchor.Objective
	if len(anchor.Constraints) > 0 {
		out["anchor_constraints"] = strings.Join(anchor.Constraints, "; ")
	}
	return out
}
