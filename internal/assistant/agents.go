package assistant

import (
	"context"
	"fmt"

	"github.com/BTreeMap/SalesPipe/internal/agents"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Agent ids registered by RegisterAgents.
const (
	AgentIDSales         = "sales_agent"
	AgentIDObjections    = "objection_agent"
	AgentIDQualification = "qualification_agent"
)

// Request types served by the registered agents.
const (
	RequestSalesMessage = "sales_message"
	RequestObjection    = "objection"
	RequestStage        = "stage"
)

// RegisterAgents puts the assistant's sub-flows behind the coordinator.
func (a *Assistant) RegisterAgents(c *agents.Coordinator) error {
	regs := []struct {
		id   string
		role models.AgentRole
		h    agents.Handler
		caps []string
	}{
		{AgentIDSales, models.AgentSales, a.salesAgent, []string{RequestSalesMessage, agents.DefaultRequestType}},
		{AgentIDObjections, models.AgentClosing, a.objectionAgent, []string{RequestObjection}},
		{AgentIDQualification, models.AgentQualification, a.stageAgent, []string{RequestStage}},
	}
	for _, r := range regs {
		if err := c.Register(r.id, r.role, r.h, r.caps); err != nil {
			return fmt.Errorf("register %s: %w", r.id, err)
		}
	}
	return nil
}

func (a *Assistant) salesAgent(ctx context.Context, req models.AgentRequest) (interface{}, error) {
	return a.HandleMessage(ctx, models.SalesMessageRequest{
		SessionID:    req.SessionID,
		Message:      payloadString(req.Payload, "message"),
		History:      payloadStrings(req.Payload, "conversation_history"),
		CustomerData: payloadMap(req.Payload, "customer_data"),
	})
}

func (a *Assistant) objectionAgent(ctx context.Context, req models.AgentRequest) (interface{}, error) {
	return a.HandleObjection(ctx, models.ObjectionRequest{
		SessionID:    req.SessionID,
		Message:      payloadString(req.Payload, "message"),
		History:      payloadStrings(req.Payload, "conversation_history"),
		CustomerData: payloadMap(req.Payload, "customer_data"),
	})
}

func (a *Assistant) stageAgent(ctx context.Context, req models.AgentRequest) (interface{}, error) {
	history := payloadStrings(req.Payload, "conversation_history")
	stage := a.c.Classifier.Classify(history)
	return map[string]interface{}{"stage": stage, "next_stage": stage.Next()}, nil
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadMap(p map[string]interface{}, key string) map[string]interface{} {
	m, _ := p[key].(map[string]interface{})
	return m
}

// payloadStrings accepts both []string and decoded JSON arrays.
func payloadStrings(p map[string]interface{}, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
