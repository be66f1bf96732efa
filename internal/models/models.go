// Package models defines the core data structures for SalesPipe.
//
// It includes the JSON envelope used by the API, inbound and outbound message
// records shared by the messaging layer, and the request types accepted by the
// HTTP surface together with their validation rules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an inbound chat message
	MaxMessageLength = 4096
	// MinPriority is the lowest accepted anchor priority
	MinPriority = 1
	// MaxPriority is the highest accepted anchor priority
	MaxPriority = 10
	// DefaultPriority is applied when an anchor request omits priority
	DefaultPriority = 5
)

// Validation errors
var (
	ErrEmptySessionID        = errors.New("session_id is required")
	ErrEmptyMessage          = errors.New("message is required")
	ErrMessageTooLong        = errors.New("message exceeds maximum length")
	ErrEmptyObjective        = errors.New("objective is required")
	ErrInvalidPriority       = errors.New("priority must be between 1 and 10")
	ErrImportanceOutOfRange  = errors.New("importance must be between 0 and 1")
	ErrEmptyContent          = errors.New("content is required")
	ErrEmptyText             = errors.New("text is required")
	ErrEmptyQuery            = errors.New("query is required")
	ErrEmptyAction           = errors.New("action is required")
	ErrEmptyCRMType          = errors.New("crm_type is required")
	ErrEmptyEntityID         = errors.New("entity id is required")
	ErrInvalidGuardrailClass = errors.New("unknown guardrail category")
	ErrEmptyAnswer           = errors.New("answer is required")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// Channel names the transport an inbound message arrived on.
type Channel string

const (
	ChannelAPI      Channel = "api"
	ChannelTwilio   Channel = "twilio"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelCloud    Channel = "whatsapp_cloud"
)

// Receipt records an outbound delivery event.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a customer on any channel.
type Response struct {
	From      string  `json:"from"`
	Body      string  `json:"body"`
	Time      int64   `json:"time"`
	MessageID string  `json:"message_id,omitempty"`
	Channel   Channel `json:"channel,omitempty"`
}

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithResult creates an error API response that still carries a payload,
// used when a degraded result is more useful to the caller than nothing.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithResult(result).
		Build()
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
