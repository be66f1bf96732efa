package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SalesPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the shared-database backend.
type PostgresStore struct {
	sqlRepo
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ DedupRepo  = (*PostgresStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore.NewPostgresStore: DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: open failed", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{sqlRepo{db: db, d: postgresDialect}}, nil
}

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore.AddReceipt: insert failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *PostgresStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time, message_id, channel) VALUES ($1, $2, $3, $4, $5)`,
		r.From, r.Body, r.Time, nilIfEmpty(r.MessageID), string(r.Channel))
	if err != nil {
		slog.Error("PostgresStore.AddResponse: insert failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *PostgresStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time, message_id, channel FROM responses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		var messageID sql.NullString
		var channel string
		if err := rows.Scan(&r.From, &r.Body, &r.Time, &messageID, &channel); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		r.MessageID = messageID.String
		r.Channel = models.Channel(channel)
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

func (s *PostgresStore) SaveLead(lead models.Lead) error {
	doc, err := leadDocument(lead)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO leads (id, crm_type, email, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET crm_type = EXCLUDED.crm_type, email = EXCLUDED.email,
			document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		lead.ID, lead.CRMType, nilIfEmpty(lead.Email), doc, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveLead: upsert failed", "error", err, "lead_id", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM leads WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}
	lead, err := decodeLead(doc)
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (s *PostgresStore) ListLeads() ([]models.Lead, error) {
	rows, err := s.db.Query(`SELECT document FROM leads ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		lead, err := decodeLead(doc)
		if err != nil {
			slog.Warn("PostgresStore.ListLeads: skipping undecodable lead", "error", err)
			continue
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

func (s *PostgresStore) SaveConversationState(state models.ConversationState) error {
	doc, err := stateDocument(state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversation_states (session_id, stage, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET stage = EXCLUDED.stage, document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		state.SessionID, string(state.Stage), doc, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveConversationState: upsert failed", "error", err, "session_id", state.SessionID)
		return fmt.Errorf("failed to save conversation state %s: %w", state.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetConversationState(sessionID string) (*models.ConversationState, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM conversation_states WHERE session_id = $1`, sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation state %s: %w", sessionID, err)
	}
	state, err := decodeState(doc)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database connection")
	return s.db.Close()
}
