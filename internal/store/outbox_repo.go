package store

import (
	"errors"
	"time"
)

// ErrOutboxMessageNotFound is returned when updating an unknown outbox message.
var ErrOutboxMessageNotFound = errors.New("outbox message not found")

// Outbox message kinds.
const (
	// OutboxKindReply is an assistant reply to a customer on a messaging channel.
	OutboxKindReply = "reply"
	// OutboxKindCRMSync is a lead pushed to the external CRM endpoint.
	OutboxKindCRMSync = "crm_sync"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

func (s OutboxStatus) terminal() bool {
	return s == OutboxStatusSent || s == OutboxStatusCanceled || s == OutboxStatusFailed
}

// OutboxMessage is a durable outgoing message record.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists outgoing messages so a restart never loses a reply.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new message. If dedupeKey is non-empty and
	// a non-terminal message with that key exists, its ID is returned instead.
	EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// MarkOutboxMessageFailed records a final failure; the message is not retried.
	MarkOutboxMessageFailed(id string, errMsg string) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
