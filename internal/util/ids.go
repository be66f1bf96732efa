package util

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a random identifier with the given prefix, e.g. "lead_3f2a...".
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewLeadID generates a lead identifier.
func NewLeadID() string {
	return NewID("lead_")
}

// NewRequestID generates a request identifier for log correlation.
func NewRequestID() string {
	return uuid.NewString()
}

// NewSortableID returns a ULID for t. IDs generated in the same process sort
// in creation order.
func NewSortableID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
