package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const outboxColumns = `id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// leadDocument and stateDocument serialise the full document into a JSON
// column next to the indexed fields.
func leadDocument(lead models.Lead) (string, error) {
	data, err := json.Marshal(lead)
	if err != nil {
		return "", fmt.Errorf("marshal lead %s: %w", lead.ID, err)
	}
	return string(data), nil
}

func decodeLead(doc string) (models.Lead, error) {
	var lead models.Lead
	if err := json.Unmarshal([]byte(doc), &lead); err != nil {
		return lead, fmt.Errorf("unmarshal lead: %w", err)
	}
	return lead, nil
}

func stateDocument(state models.ConversationState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal conversation state %s: %w", state.SessionID, err)
	}
	return string(data), nil
}

func decodeState(doc string) (models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return state, fmt.Errorf("unmarshal conversation state: %w", err)
	}
	return state, nil
}
