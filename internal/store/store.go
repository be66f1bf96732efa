// Package store provides storage backends for SalesPipe.
//
// A Store keeps the documents that outlive a process: CRM leads, the
// per-session conversation state, surveys, and the inbound and outbound
// message logs.
// The SQL backends additionally implement DedupRepo and OutboxRepo for
// restart-safe webhook handling and outbound delivery.
package store

import (
	"errors"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// ErrDSNNotSet is returned when a SQL backend is created without a DSN.
var ErrDSNNotSet = errors.New("database DSN not set")

// Store is the document store used by the service.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	// SaveLead upserts a lead by ID.
	SaveLead(lead models.Lead) error
	// GetLead returns nil, nil when the lead does not exist.
	GetLead(id string) (*models.Lead, error)
	ListLeads() ([]models.Lead, error)

	// SaveConversationState upserts the state document of a session.
	SaveConversationState(state models.ConversationState) error
	// GetConversationState returns nil, nil when the session has no state yet.
	GetConversationState(sessionID string) (*models.ConversationState, error)

	// SaveSurvey appends a survey record.
	SaveSurvey(survey models.Survey) error
	// ListSurveys returns the surveys of a session, oldest first.
	ListSurveys(sessionID string) ([]models.Survey, error)

	Close() error
}

// Opts holds configuration for the SQL backends.
type Opts struct {
	DSN string
}

// Option configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for Postgres URLs or key/value DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}
