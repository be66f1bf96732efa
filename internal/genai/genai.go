// Package genai provides chat-completion operations using the OpenAI API.
//
// The Client is the single language-model collaborator of SalesPipe. Engines
// depend on the narrow Completer interface so that an unconfigured model can
// be represented by a nil Completer and replaced by deterministic fallbacks.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Default configuration constants
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
	DefaultTimeout     = 20 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the API answers without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned by NewClient when no API key is available.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message of a completion request.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest describes a single chat completion. Zero Temperature and
// MaxTokens fall back to the client defaults.
type CompletionRequest struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSON asks the model for a single JSON object.
	JSON bool
	// Label names the caller in debug logs.
	Label string
}

// UserRequest is a convenience for the common system plus single user prompt shape.
func UserRequest(system, user string) CompletionRequest {
	return CompletionRequest{System: system, Messages: []Message{{Role: RoleUser, Content: user}}}
}

// Completer is what the engines need from a language model.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChatService adapts the SDK completion service to chatService.
type openAIChatService struct {
	svc openai.ChatCompletionService
}

func (s openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	debugMode   bool
	stateDir    string
}

var _ Completer = (*Client)(nil)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	DebugMode   bool
	StateDir    string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAPIKey overrides the API key used for authentication.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the model identifier.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) {
		o.Temperature = temp
	}
}

// WithMaxTokens sets the default completion budget.
func WithMaxTokens(tokens int) Option {
	return func(o *Opts) {
		o.MaxTokens = tokens
	}
}

// WithTimeout bounds every completion call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithDebugMode enables writing request/response pairs to the state directory.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
	}
}

// WithStateDir sets the directory that receives debug logs.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// NewClient initializes a new GenAI client. The API key comes from WithAPIKey
// or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Debug("GenAI.NewClient: no API key configured")
		return nil, ErrMissingAPIKey
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "timeout", cfg.Timeout, "debug", cfg.DebugMode)
	return &Client{
		chat:        openAIChatService{svc: cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Complete sends one chat completion request and returns the first choice.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	params := c.buildParams(req)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	label := req.Label
	if label == "" {
		label = "Complete"
	}
	resp, err := c.chat.Create(ctx, params)
	c.logDebug(label, params, resp, err)
	if err != nil {
		slog.Warn("GenAI.Complete: chat completion failed", "label", label, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) buildParams(req CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}
