// Package api provides the HTTP server of SalesPipe.
//
// It exposes the cognitive (reasoning, anchors, guardrails), knowledge
// (memory, breadcrumbs, knowledge graph, retrieval), sales (messages,
// objections, lead scoring, channel webhooks) and enterprise (analytics,
// surveys, CRM, agents) endpoints. Every JSON payload uses the
// models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/agents"
	"github.com/BTreeMap/SalesPipe/internal/analytics"
	"github.com/BTreeMap/SalesPipe/internal/assistant"
	"github.com/BTreeMap/SalesPipe/internal/crm"
	"github.com/BTreeMap/SalesPipe/internal/guardrails"
	"github.com/BTreeMap/SalesPipe/internal/knowledge"
	"github.com/BTreeMap/SalesPipe/internal/messaging"
	"github.com/BTreeMap/SalesPipe/internal/reasoning"
	"github.com/BTreeMap/SalesPipe/internal/session"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/survey"
)

// Default server configuration
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	healthCheckTimeout     = 5 * time.Second
)

// Services are the process-wide components served over HTTP. Nil fields get
// a default instance without a language model.
type Services struct {
	Store       store.Store
	Reasoning   *reasoning.Engine
	Anchors     *session.AnchorStore
	Guardrails  *guardrails.Checker
	Memory      *session.MemoryStore
	Trail       *session.Trail
	Graph       *knowledge.Graph
	Extractor   *knowledge.Extractor
	Retriever   *knowledge.Retriever
	Assistant   *assistant.Assistant
	Tracker     *analytics.Tracker
	CRM         *crm.Integrator
	Coordinator *agents.Coordinator
	Surveys     *survey.Recorder
	// Twilio answers the Twilio webhook. Without it the webhook acknowledges
	// synchronously.
	Twilio *messaging.TwilioService
	// Cloud answers the WhatsApp Cloud webhook. Without it the webhook only
	// parses payloads.
	Cloud *messaging.CloudService
}

// HealthCheck reports whether a component is ready.
type HealthCheck func(ctx context.Context) error

// Opts holds configuration options for the Server.
type Opts struct {
	AllowedOrigins []string
	Retention      time.Duration
	HealthChecks   map[string]HealthCheck
	APIToken       string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAllowedOrigins enables CORS for the given origins. "*" allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) {
		o.AllowedOrigins = origins
	}
}

// WithRetention sets the memory retention used by the cleanup endpoint.
func WithRetention(d time.Duration) Option {
	return func(o *Opts) {
		o.Retention = d
	}
}

// WithAPIToken requires "Authorization: Bearer <token>" on every route except
// the health check and the channel webhooks.
func WithAPIToken(token string) Option {
	return func(o *Opts) {
		o.APIToken = token
	}
}

// WithHealthCheck adds a named readiness check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *Opts) {
		if o.HealthChecks == nil {
			o.HealthChecks = make(map[string]HealthCheck)
		}
		o.HealthChecks[name] = check
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st          store.Store
	reasoner    *reasoning.Engine
	anchors     *session.AnchorStore
	guard       *guardrails.Checker
	memory      *session.MemoryStore
	trail       *session.Trail
	graph       *knowledge.Graph
	extractor   *knowledge.Extractor
	retriever   *knowledge.Retriever
	assistant   *assistant.Assistant
	tracker     *analytics.Tracker
	crm         *crm.Integrator
	coordinator *agents.Coordinator
	surveys     *survey.Recorder
	twilio      *messaging.TwilioService
	cloud       *messaging.CloudService

	apiToken     string
	origins      map[string]bool
	anyOrigin    bool
	retention    time.Duration
	healthChecks map[string]HealthCheck
	started      time.Time
}

// NewServer creates a Server.
func NewServer(svc Services, opts ...Option) *Server {
	cfg := Opts{Retention: session.DefaultRetention}
	for _, opt := range opts {
		opt(&cfg)
	}
	if svc.Store == nil {
		svc.Store = store.NewInMemoryStore()
	}
	if svc.Reasoning == nil {
		svc.Reasoning = reasoning.NewEngine(nil)
	}
	if svc.Anchors == nil {
		svc.Anchors = session.NewAnchorStore()
	}
	if svc.Guardrails == nil {
		svc.Guardrails = guardrails.NewChecker(nil)
	}
	if svc.Memory == nil {
		svc.Memory = session.NewMemoryStore()
	}
	if svc.Trail == nil {
		svc.Trail = session.NewTrail()
	}
	if svc.Graph == nil {
		svc.Graph = knowledge.NewGraph()
	}
	if svc.Extractor == nil {
		svc.Extractor = knowledge.NewExtractor(svc.Graph, nil)
	}
	if svc.Retriever == nil {
		svc.Retriever = knowledge.NewRetriever(svc.Memory, svc.Graph, svc.Trail, nil)
	}
	if svc.Tracker == nil {
		svc.Tracker = analytics.NewTracker()
	}
	if svc.Assistant == nil {
		svc.Assistant = assistant.New(assistant.Components{
			Guardrails: svc.Guardrails,
			Anchors:    svc.Anchors,
			Memory:     svc.Memory,
			Trail:      svc.Trail,
		}, assistant.WithStateStore(svc.Store), assistant.WithTracker(svc.Tracker))
	}
	if svc.CRM == nil {
		svc.CRM = crm.NewIntegrator(svc.Store)
	}
	if svc.Coordinator == nil {
		svc.Coordinator = agents.NewCoordinator()
	}
	if svc.Surveys == nil {
		svc.Surveys = survey.NewRecorder(svc.Store, survey.WithTracker(svc.Tracker))
	}
	if svc.Twilio == nil {
		svc.Twilio = messaging.NewTwilioService(nil)
	}

	s := &Server{
		st:           svc.Store,
		reasoner:     svc.Reasoning,
		anchors:      svc.Anchors,
		guard:        svc.Guardrails,
		memory:       svc.Memory,
		trail:        svc.Trail,
		graph:        svc.Graph,
		extractor:    svc.Extractor,
		retriever:    svc.Retriever,
		assistant:    svc.Assistant,
		tracker:      svc.Tracker,
		crm:          svc.CRM,
		coordinator:  svc.Coordinator,
		surveys:      svc.Surveys,
		twilio:       svc.Twilio,
		cloud:        svc.Cloud,
		apiToken:     cfg.APIToken,
		origins:      make(map[string]bool),
		retention:    cfg.Retention,
		healthChecks: cfg.HealthChecks,
		started:      time.Now(),
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			s.anyOrigin = true
		}
		s.origins[o] = true
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(s.loggingMiddleware(s.corsMiddleware(s.authMiddleware(s.routes()))))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
