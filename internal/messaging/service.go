// Package messaging connects SalesPipe to customer messaging channels.
//
// Each channel is a Service: it turns inbound webhooks or socket events into
// models.Response values and sends plain-text replies. The Dispatcher reads
// every service's responses, asks the assistant for a reply and queues it on
// the durable outbox.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Channel tuning.
const (
	// DefaultChannelBufferSize is the buffer of receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked emit before the event is dropped.
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted phone number.
	minPhoneDigits = 6
)

var (
	// ErrServiceStopped is returned when sending through a stopped service.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrNoSender is returned when a service can receive but not send.
	ErrNoSender = errors.New("messaging service has no outbound sender")
	// ErrEmptyRecipient is returned for a blank recipient.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	// ErrUnsupported is returned when the configured client lacks an operation.
	ErrUnsupported = errors.New("operation not supported by messaging client")
	// ErrUnknownMessage is returned for a message id without tracked status.
	ErrUnknownMessage = errors.New("message status unknown")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable messaging channel.
type Service interface {
	// Channel names the transport.
	Channel() models.Channel

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of delivery events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound customer messages.
	Responses() <-chan models.Response
}

// canonicalPhone strips everything but digits and requires a plausible length.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	return canonical, nil
}

// emitter owns the event channels of a service. Emits never block longer
// than DefaultChannelTimeout and are dropped after Stop.
type emitter struct {
	name      string
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

func newEmitter(name string) *emitter {
	return &emitter{
		name:      name,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// Receipts returns the channel of delivery events.
func (e *emitter) Receipts() <-chan models.Receipt {
	return e.receipts
}

// Responses returns the channel of inbound messages.
func (e *emitter) Responses() <-chan models.Response {
	return e.responses
}

func (e *emitter) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// stop marks the emitter stopped and closes both channels once.
func (e *emitter) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.receipts)
	close(e.responses)
}

func (e *emitter) emitReceipt(r models.Receipt) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	select {
	case e.receipts <- r:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+".emitReceipt: receipts channel blocked, dropping receipt", "to", r.To)
		return false
	}
}

func (e *emitter) emitResponse(r models.Response) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn(e.name+".emitResponse: service stopped, dropping message", "from", r.From)
		return false
	}
	select {
	case e.responses <- r:
		slog.Debug(e.name+".emitResponse: inbound message queued", "from", r.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+".emitResponse: responses channel blocked, dropping message", "from", r.From)
		return false
	}
}
