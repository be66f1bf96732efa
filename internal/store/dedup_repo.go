package store

import (
	"time"
)

// DedupRecord is one inbound webhook message seen by the service.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo drops provider retries of the same inbound message.
type DedupRepo interface {
	// IsDuplicate reports whether messageID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records messageID and reports false if it was already recorded.
	RecordInbound(messageID, sender string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}
