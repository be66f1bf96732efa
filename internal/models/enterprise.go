package models

import "time"

// Lead status and source defaults.
const (
	DefaultLeadStatus = "new"
	DefaultLeadSource = "salespipe"
)

// Lead is a prospective customer mirrored into a CRM.
type Lead struct {
	ID           string                 `json:"id"`
	CRMType      string                 `json:"crm_type"`
	Name         string                 `json:"name"`
	Email        string                 `json:"email"`
	Phone        string                 `json:"phone"`
	Company      string                 `json:"company"`
	Status       string                 `json:"status"`
	Source       string                 `json:"source"`
	Notes        string                 `json:"notes"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// ApplyDefaults fills status and source when the caller left them empty.
func (l *Lead) ApplyDefaults() {
	if blank(l.Status) {
		l.Status = DefaultLeadStatus
	}
	if blank(l.Source) {
		l.Source = DefaultLeadSource
	}
}

// LeadPatch carries the optional fields of a lead update.
type LeadPatch struct {
	Name         *string                `json:"name,omitempty"`
	Email        *string                `json:"email,omitempty"`
	Phone        *string                `json:"phone,omitempty"`
	Company      *string                `json:"company,omitempty"`
	Status       *string                `json:"status,omitempty"`
	Notes        *string                `json:"notes,omitempty"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
}

// Apply copies the set fields onto l and merges custom fields.
func (p LeadPatch) Apply(l *Lead) {
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.Email != nil {
		l.Email = *p.Email
	}
	if p.Phone != nil {
		l.Phone = *p.Phone
	}
	if p.Company != nil {
		l.Company = *p.Company
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.Notes != nil {
		l.Notes = *p.Notes
	}
	if len(p.CustomFields) > 0 {
		if l.CustomFields == nil {
			l.CustomFields = make(map[string]interface{}, len(p.CustomFields))
		}
		for k, v := range p.CustomFields {
			l.CustomFields[k] = v
		}
	}
}

// LeadSyncRequest is the payload for pushing a lead to a CRM.
type LeadSyncRequest struct {
	CRMType string `json:"crm_type"`
	Lead    Lead   `json:"lead_data"`
}

// Validate checks required fields.
func (r LeadSyncRequest) Validate() error {
	if blank(r.CRMType) {
		return ErrEmptyCRMType
	}
	return nil
}

// CRMConnectRequest registers credentials for a CRM type.
type CRMConnectRequest struct {
	CRMType     string            `json:"crm_type"`
	Credentials map[string]string `json:"credentials"`
}

// Validate checks required fields.
func (r CRMConnectRequest) Validate() error {
	if blank(r.CRMType) {
		return ErrEmptyCRMType
	}
	return nil
}

// CRMIntegration describes a connected CRM without its credentials.
type CRMIntegration struct {
	CRMType     string     `json:"crm_type"`
	Connected   bool       `json:"connected"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}

// Survey defaults and statuses.
const (
	DefaultSurveyChannel = "whatsapp"
	DefaultSurveyMetric  = "diagnostico"

	SurveyStatusSent     = "sent"
	SurveyStatusReceived = "received"
)

// Survey is one satisfaction survey sent to, or answered by, a customer.
type Survey struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Channel   string    `json:"channel"`
	Metric    string    `json:"metric"`
	Answer    string    `json:"answer,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SurveyRequest is the payload for sending or answering a survey.
type SurveyRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Metric    string `json:"metric,omitempty"`
	Answer    string `json:"answer,omitempty"`
}

// Validate checks required fields.
func (r SurveyRequest) Validate() error {
	if blank(r.SessionID) {
		return ErrEmptySessionID
	}
	return nil
}

// Survey builds the record for r with defaults applied.
func (r SurveyRequest) Survey(id, status string, now time.Time) Survey {
	s := Survey{
		ID:        id,
		SessionID: r.SessionID,
		UserID:    r.UserID,
		Channel:   r.Channel,
		Metric:    r.Metric,
		Answer:    r.Answer,
		Status:    status,
		Timestamp: now,
	}
	if blank(s.Channel) {
		s.Channel = DefaultSurveyChannel
	}
	if blank(s.Metric) {
		s.Metric = DefaultSurveyMetric
	}
	return s
}

// AnalyticsEvent is one tracked business event.
type AnalyticsEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"event_type"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AgentRole is the specialty of a coordinated agent.
type AgentRole string

const (
	AgentSales         AgentRole = "sales"
	AgentSupport       AgentRole = "support"
	AgentQualification AgentRole = "qualification"
	AgentClosing       AgentRole = "closing"
	AgentFollowUp      AgentRole = "follow_up"
)

// AgentRequest is a unit of work routed to an agent.
type AgentRequest struct {
	AgentID   string                 `json:"agent_id,omitempty"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// AgentReply is the outcome of routing a request.
type AgentReply struct {
	AgentID  string      `json:"agent_id,omitempty"`
	Response interface{} `json:"response,omitempty"`
	Success  bool        `json:"success"`
	Error    string      `json:"error,omitempty"`
}

// Entity is a knowledge graph node.
type Entity struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Relationship is a directed knowledge graph edge.
type Relationship struct {
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ExtractRequest asks for entities and relationships to be pulled out of text.
type ExtractRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

// Validate checks required fields.
func (r ExtractRequest) Validate() error {
	if blank(r.Text) {
		return ErrEmptyText
	}
	return nil
}
