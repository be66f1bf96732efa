// Package agents routes work between specialised in-process agents.
//
// Each agent has a role, a set of capabilities (request types it serves) and
// a handler. Requests go to an explicitly named agent, else to an active agent
// whose capabilities include the request type, else to any active agent, and
// among candidates the one with the lowest in-flight load wins.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

var (
	// ErrEmptyAgentID is returned when registering an agent without id.
	ErrEmptyAgentID = errors.New("agent id is required")
	// ErrNilHandler is returned when registering an agent without handler.
	ErrNilHandler = errors.New("agent handler is required")
	// ErrAgentNotFound is returned for unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")
)

// ErrNoAgentAvailable is the error text of a reply that found no agent.
const ErrNoAgentAvailable = "No agent available"

// DefaultRequestType is used for requests without a type.
const DefaultRequestType = "general"

// Handler serves one routed request.
type Handler func(ctx context.Context, req models.AgentRequest) (interface{}, error)

type agent struct {
	id           string
	role         models.AgentRole
	handler      Handler
	capabilities []string
	active       bool
	load         int
	order        int
}

// AgentStatus is the public view of an agent.
type AgentStatus struct {
	Role         models.AgentRole `json:"role"`
	Active       bool             `json:"active"`
	Load         int              `json:"load"`
	Capabilities []string         `json:"capabilities"`
}

// Status summarises every registered agent.
type Status struct {
	TotalAgents  int                    `json:"total_agents"`
	ActiveAgents int                    `json:"active_agents"`
	Agents       map[string]AgentStatus `json:"agents"`
}

// SessionHop is one routing decision for a session.
type SessionHop struct {
	AgentID   string    `json:"agent"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo tracks which agents served a session.
type SessionInfo struct {
	CurrentAgent string       `json:"current_agent"`
	History      []SessionHop `json:"history"`
	StartedAt    time.Time    `json:"started_at"`
}

// WorkflowStep names an agent and the request it should run.
type WorkflowStep struct {
	Name    string              `json:"name"`
	AgentID string              `json:"agent_id"`
	Request models.AgentRequest `json:"request"`
}

// StepResult is the outcome of one workflow step.
type StepResult struct {
	Step    string      `json:"step"`
	AgentID string      `json:"agent"`
	Result  interface{} `json:"result,omitempty"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

// WorkflowResult is the outcome of RunWorkflow.
type WorkflowResult struct {
	SessionID    string       `json:"session_id"`
	Results      []StepResult `json:"workflow_results"`
	SuccessCount int          `json:"success_count"`
	TotalSteps   int          `json:"total_steps"`
}

// Coordinator owns the agent registry.
type Coordinator struct {
	mu       sync.Mutex
	agents   map[string]*agent
	sessions map[string]*SessionInfo
	seq      int
	now      func() time.Time
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		agents:   make(map[string]*agent),
		sessions: make(map[string]*SessionInfo),
		now:      time.Now,
	}
}

// Register adds or replaces an agent. New agents start active.
func (c *Coordinator) Register(id string, role models.AgentRole, handler Handler, capabilities []string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyAgentID
	}
	if handler == nil {
		return ErrNilHandler
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.agents[id] = &agent{
		id:           id,
		role:         role,
		handler:      handler,
		capabilities: append([]string(nil), capabilities...),
		active:       true,
		order:        c.seq,
	}
	slog.Info("Coordinator.Register: agent registered", "agent_id", id, "role", role)
	return nil
}

// SetActive enables or disables an agent for capability routing.
func (c *Coordinator) SetActive(id string, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.active = active
	return nil
}

func (a *agent) serves(reqType string) bool {
	for _, c := range a.capabilities {
		if c == reqType {
			return true
		}
	}
	return false
}

// selectLocked picks the agent for req and reserves a load slot on it.
func (c *Coordinator) selectLocked(req models.AgentRequest) *agent {
	if a, ok := c.agents[req.AgentID]; ok && req.AgentID != "" {
		return a
	}
	reqType := req.Type
	if reqType == "" {
		reqType = DefaultRequestType
	}

	var matching, active []*agent
	for _, a := range c.agents {
		if !a.active {
			continue
		}
		active = append(active, a)
		if a.serves(reqType) {
			matching = append(matching, a)
		}
	}
	candidates := matching
	if len(candidates) == 0 {
		candidates = active
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0]
}

// Route selects an agent for req and runs its handler.
func (c *Coordinator) Route(ctx context.Context, req models.AgentRequest) models.AgentReply {
	c.mu.Lock()
	a := c.selectLocked(req)
	if a == nil {
		c.mu.Unlock()
		slog.Warn("Coordinator.Route: no agent available", "session_id", req.SessionID, "type", req.Type)
		return models.AgentReply{Success: false, Error: ErrNoAgentAvailable}
	}
	a.load++
	c.recordLocked(req, a.id)
	handler := a.handler
	c.mu.Unlock()

	resp, err := handler(ctx, req)

	c.mu.Lock()
	a.load--
	c.mu.Unlock()

	if err != nil {
		slog.Error("Coordinator.Route: agent failed", "agent_id", a.id, "session_id", req.SessionID, "error", err)
		return models.AgentReply{AgentID: a.id, Success: false, Error: err.Error()}
	}
	slog.Debug("Coordinator.Route: request routed", "agent_id", a.id, "session_id", req.SessionID)
	return models.AgentReply{AgentID: a.id, Response: resp, Success: true}
}

func (c *Coordinator) recordLocked(req models.AgentRequest, agentID string) {
	if req.SessionID == "" {
		return
	}
	now := c.now()
	info, ok := c.sessions[req.SessionID]
	if !ok {
		info = &SessionInfo{StartedAt: now}
		c.sessions[req.SessionID] = info
	}
	info.CurrentAgent = agentID
	info.History = append(info.History, SessionHop{AgentID: agentID, Type: req.Type, Timestamp: now})
}

// RunWorkflow runs steps in order on their named agents. A failing or unknown
// step is recorded and the workflow continues.
func (c *Coordinator) RunWorkflow(ctx context.Context, sessionID string, steps []WorkflowStep) WorkflowResult {
	out := WorkflowResult{SessionID: sessionID, TotalSteps: len(steps), Results: make([]StepResult, 0, len(steps))}
	for _, step := range steps {
		name := step.Name
		if name == "" {
			name = "unknown"
		}
		c.mu.Lock()
		a, ok := c.agents[step.AgentID]
		var handler Handler
		if ok {
			handler = a.handler
		}
		c.mu.Unlock()
		if !ok {
			out.Results = append(out.Results, StepResult{Step: name, AgentID: step.AgentID, Error: fmt.Sprintf("Agent %s not found", step.AgentID)})
			continue
		}

		req := step.Request
		if req.SessionID == "" {
			req.SessionID = sessionID
		}
		res, err := handler(ctx, req)
		if err != nil {
			out.Results = append(out.Results, StepResult{Step: name, AgentID: step.AgentID, Error: err.Error()})
			continue
		}
		out.Results = append(out.Results, StepResult{Step: name, AgentID: step.AgentID, Result: res, Success: true})
		out.SuccessCount++
	}
	return out
}

// Status reports every agent with its current load.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{TotalAgents: len(c.agents), Agents: make(map[string]AgentStatus, len(c.agents))}
	for id, a := range c.agents {
		if a.active {
			st.ActiveAgents++
		}
		st.Agents[id] = AgentStatus{
			Role:         a.role,
			Active:       a.active,
			Load:         a.load,
			Capabilities: append([]string(nil), a.capabilities...),
		}
	}
	return st
}

// Session returns the routing history of a session.
func (c *Coordinator) Session(sessionID string) (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	cp := *info
	cp.History = append([]SessionHop(nil), info.History...)
	return cp, true
}
