package models

// RAGRequest asks a question against what is known about a session.
type RAGRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Query     string `json:"query"`
}

// Validate checks required fields.
func (r RAGRequest) Validate() error {
	if blank(r.SessionID) {
		return ErrEmptySessionID
	}
	if blank(r.Query) {
		return ErrEmptyQuery
	}
	return nil
}

// RAG source kinds.
const (
	SourceMemory = "memory"
	SourceEntity = "entity"
)

// RAGSource is one piece of retrieved context.
type RAGSource struct {
	Kind  string  `json:"kind"`
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// RAGAnswer is the outcome of a retrieval-augmented query.
type RAGAnswer struct {
	SessionID   string       `json:"session_id"`
	UserID      string       `json:"user_id,omitempty"`
	Query       string       `json:"query"`
	Answer      string       `json:"answer"`
	Sources     []RAGSource  `json:"sources"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
	Note        string       `json:"note,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// LeadAnalysisRequest asks for the qualification of a session's customer.
type LeadAnalysisRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// Validate checks required fields.
func (r LeadAnalysisRequest) Validate() error {
	if blank(r.SessionID) {
		return ErrEmptySessionID
	}
	return nil
}

// Lead temperatures.
const (
	LeadHot  = "hot"
	LeadWarm = "warm"
	LeadCold = "cold"
)

// LeadAnalysis scores how close a session's customer is to buying.
type LeadAnalysis struct {
	SessionID      string       `json:"session_id"`
	UserID         string       `json:"user_id,omitempty"`
	Stage          Stage        `json:"stage"`
	CustomerTurns  int          `json:"customer_turns"`
	Objections     int          `json:"objections"`
	Score          float64      `json:"score"`
	Classification string       `json:"classification"`
	Breadcrumbs    []Breadcrumb `json:"breadcrumbs"`
}
