package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/SalesPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the single-file backend.
type SQLiteStore struct {
	sqlRepo
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ DedupRepo  = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore.NewSQLiteStore: DSN not set")
		return nil, ErrDSNNotSet
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: open failed", "error", err)
		return nil, err
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "dir", dir)

	return &SQLiteStore{sqlRepo{db: db, d: sqliteDialect}}, nil
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore.AddReceipt: insert failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
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

func (s *SQLiteStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time, message_id, channel) VALUES (?, ?, ?, ?, ?)`,
		r.From, r.Body, r.Time, nilIfEmpty(r.MessageID), string(r.Channel))
	if err != nil {
		slog.Error("SQLiteStore.AddResponse: insert failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *SQLiteStore) GetResponses() ([]models.Response, error) {
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

func (s *SQLiteStore) SaveLead(lead models.Lead) error {
	doc, err := leadDocument(lead)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO leads (id, crm_type, email, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET crm_type = excluded.crm_type, email = excluded.email,
			document = excluded.document, updated_at = excluded.updated_at`,
		lead.ID, lead.CRMType, nilIfEmpty(lead.Email), doc, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveLead: upsert failed", "error", err, "lead_id", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	slog.Debug("SQLiteStore.SaveLead: lead saved", "lead_id", lead.ID, "crm_type", lead.CRMType)
	return nil
}

func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM leads WHERE id = ?`, id).Scan(&doc)
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

func (s *SQLiteStore) ListLeads() ([]models.Lead, error) {
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
			slog.Warn("SQLiteStore.ListLeads: skipping undecodable lead", "error", err)
			continue
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

func (s *SQLiteStore) SaveConversationState(state models.ConversationState) error {
	doc, err := stateDocument(state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversation_states (session_id, stage, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET stage = excluded.stage, document = excluded.document,
			updated_at = excluded.updated_at`,
		state.SessionID, string(state.Stage), doc, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveConversationState: upsert failed", "error", err, "session_id", state.SessionID)
		return fmt.Errorf("failed to save conversation state %s: %w", state.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversationState(sessionID string) (*models.ConversationState, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM conversation_states WHERE session_id = ?`, sessionID).Scan(&doc)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connection")
	return s.db.Close()
}
