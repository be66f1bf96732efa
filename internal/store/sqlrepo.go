package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/util"
)

// Statements shared by the SQL backends, written with ? placeholders.
const (
	qIsDuplicate   = `SELECT message_id FROM inbound_dedup WHERE message_id = ?`
	qMarkProcessed = `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`

	qOpenByDedupeKey = `SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled', 'failed')`

	qEnqueue = `INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`

	qDueOutbox = `SELECT id FROM outbox_messages
		WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC LIMIT ?`

	qMarkSending  = `UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`
	qMarkSent     = `UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`
	qRetryLater   = `UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`
	qMarkFailed   = `UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`
	qRequeueStale = `UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`

	qSaveSurvey  = `INSERT INTO surveys (id, session_id, user_id, channel, metric, answer, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	qListSurveys = `SELECT id, session_id, user_id, channel, metric, answer, status, created_at FROM surveys WHERE session_id = ? ORDER BY created_at, id`
)

// dialect carries what differs between SQLite and Postgres.
type dialect struct {
	name          string
	numbered      bool   // $1, $2, ... instead of ?
	recordInbound string // dedup insert that affects no row on conflict
	claimSuffix   string // row locking clause for the due-message select
	claimInPlace  bool   // claim with one UPDATE ... RETURNING
}

var (
	sqliteDialect = dialect{
		name:          "SQLiteStore",
		recordInbound: `INSERT OR IGNORE INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?)`,
	}
	postgresDialect = dialect{
		name:          "PostgresStore",
		numbered:      true,
		recordInbound: `INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		claimSuffix:   " FOR UPDATE SKIP LOCKED",
		claimInPlace:  true,
	}
)

// bind rewrites ? placeholders for the dialect.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlRepo implements DedupRepo, OutboxRepo and the survey log for both SQL
// backends.
type sqlRepo struct {
	db *sql.DB
	d  dialect
}

func (r sqlRepo) exec(query string, args ...interface{}) (sql.Result, error) {
	return r.db.Exec(r.d.bind(query), args...)
}

func (r sqlRepo) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := r.db.QueryRow(r.d.bind(qIsDuplicate), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (r sqlRepo) RecordInbound(messageID, sender string) (bool, error) {
	result, err := r.exec(r.d.recordInbound, messageID, sender, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (r sqlRepo) MarkProcessed(messageID string) error {
	if _, err := r.exec(qMarkProcessed, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (r sqlRepo) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := r.db.QueryRow(r.d.bind(qOpenByDedupeKey), dedupeKey).Scan(&existingID)
		if err == nil {
			slog.Debug(r.d.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.NewID("outbox_")
	now := time.Now()
	if _, err := r.exec(qEnqueue, id, recipient, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now); err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(r.d.name+".EnqueueOutboxMessage: queued", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages moves due messages to sending. Postgres claims with a
// single UPDATE ... RETURNING over SKIP LOCKED rows; SQLite selects and
// updates inside one transaction.
func (r sqlRepo) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	if r.d.claimInPlace {
		query := `UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
			WHERE id IN (` + qDueOutbox + r.d.claimSuffix + `)
			RETURNING ` + outboxColumns
		rows, err := r.db.Query(r.d.bind(query), now, now, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		defer rows.Close()
		return collectOutbox(rows)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim outbox begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(r.d.bind(`SELECT `+outboxColumns+` FROM outbox_messages WHERE id IN (`+qDueOutbox+`) ORDER BY created_at ASC`), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	msgs, err := collectOutbox(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	mark := r.d.bind(qMarkSending)
	for i := range msgs {
		if _, err := tx.Exec(mark, now, now, msgs[i].ID); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		locked := now
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox commit failed: %w", err)
	}
	return msgs, nil
}

func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func (r sqlRepo) MarkOutboxMessageSent(id string) error {
	if _, err := r.exec(qMarkSent, time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (r sqlRepo) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := r.exec(qRetryLater, errMsg, nextAttemptAt, time.Now(), id); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (r sqlRepo) MarkOutboxMessageFailed(id string, errMsg string) error {
	if _, err := r.exec(qMarkFailed, errMsg, time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox failed failed: %w", err)
	}
	return nil
}

func (r sqlRepo) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := r.exec(qRequeueStale, time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(r.d.name+".RequeueStaleSendingMessages: requeued", "count", n)
	}
	return int(n), nil
}

func (r sqlRepo) SaveSurvey(sv models.Survey) error {
	_, err := r.exec(qSaveSurvey, sv.ID, sv.SessionID, nilIfEmpty(sv.UserID), sv.Channel, sv.Metric, nilIfEmpty(sv.Answer), sv.Status, sv.Timestamp)
	if err != nil {
		slog.Error(r.d.name+".SaveSurvey: insert failed", "error", err, "session_id", sv.SessionID)
		return fmt.Errorf("failed to save survey %s: %w", sv.ID, err)
	}
	return nil
}

func (r sqlRepo) ListSurveys(sessionID string) ([]models.Survey, error) {
	rows, err := r.db.Query(r.d.bind(qListSurveys), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list surveys: %w", err)
	}
	defer rows.Close()

	var out []models.Survey
	for rows.Next() {
		var sv models.Survey
		var userID, answer sql.NullString
		if err := rows.Scan(&sv.ID, &sv.SessionID, &userID, &sv.Channel, &sv.Metric, &answer, &sv.Status, &sv.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan survey row: %w", err)
		}
		sv.UserID = userID.String
		sv.Answer = answer.String
		out = append(out, sv)
	}
	return out, rows.Err()
}
