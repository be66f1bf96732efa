// Command SalesPipe runs the conversational sales assistant service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/agents"
	"github.com/BTreeMap/SalesPipe/internal/analytics"
	"github.com/BTreeMap/SalesPipe/internal/api"
	"github.com/BTreeMap/SalesPipe/internal/assistant"
	"github.com/BTreeMap/SalesPipe/internal/crm"
	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/guardrails"
	"github.com/BTreeMap/SalesPipe/internal/knowledge"
	"github.com/BTreeMap/SalesPipe/internal/lockfile"
	"github.com/BTreeMap/SalesPipe/internal/messaging"
	"github.com/BTreeMap/SalesPipe/internal/playbook"
	"github.com/BTreeMap/SalesPipe/internal/reasoning"
	"github.com/BTreeMap/SalesPipe/internal/sales"
	"github.com/BTreeMap/SalesPipe/internal/scheduler"
	"github.com/BTreeMap/SalesPipe/internal/session"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/survey"
	"github.com/BTreeMap/SalesPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SalesPipe/internal/util"
	"github.com/BTreeMap/SalesPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	DefaultStateDir        = "/var/lib/salespipe"
	DefaultAppDBFileName   = "salespipe.db"
	DefaultWhatsAppDBFile  = "whatsmeow.db"
	DefaultCRMSyncInterval = 300
	DefaultMemoryRetention = 30
	DefaultLogLevel        = "info"
	healthCheckSessionID   = "__health__"
	jobMemoryCleanup       = "memory_cleanup"
	jobCRMResync           = "crm_resync"
	storeDriverPostgres    = "postgres"
	channelNone            = "none"
	channelTwilio          = "twilio"
	channelWhatsApp        = "whatsapp"
	channelCloud           = "cloud"
)

// Config holds environment configuration.
type Config struct {
	LogLevel           string
	StateDir           string
	DatabaseDSN        string
	WhatsAppDBDSN      string
	OpenAIKey          string
	OpenAIModel        string
	OpenAITimeout      time.Duration
	GenAIDebug         bool
	APIAddr            string
	APIToken           string
	AllowedOrigins     []string
	AlignmentThreshold float64
	MaxReasoningDepth  int
	RetentionDays      int
	MaxTurns           int
	PlaybookPath       string
	Channel            string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TwilioWebhookURL   string
	CloudAPIToken      string
	CloudPhoneNumberID string
	CloudVerifyToken   string
	CRMEndpoint        string
	CRMAPIKey          string
	CRMSyncInterval    time.Duration
	MemoryCleanupCron  string
	OutboxPollInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	channel     *string
	playbook    *string
	qrOutput    *string
	numeric     *bool
	cleanupCron *string
}

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config)
	applyFlags(&config, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, flags); err != nil {
		slog.Error("SalesPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SalesPipe exited successfully")
}

// parseLogLevel maps SALESPIPE_LOG_LEVEL onto a slog level, defaulting to info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		LogLevel:           envOr("SALESPIPE_LOG_LEVEL", DefaultLogLevel),
		StateDir:           envOr("SALESPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:        os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        envOr("OPENAI_MODEL", genai.DefaultModel),
		OpenAITimeout:      util.ParseDurationEnv("OPENAI_TIMEOUT", genai.DefaultTimeout),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:            envOr("API_ADDR", api.DefaultAddr),
		APIToken:           os.Getenv("API_TOKEN"),
		AllowedOrigins:     util.SplitList(os.Getenv("ALLOWED_ORIGINS")),
		AlignmentThreshold: util.ParseFloatEnv("ANCHOR_ALIGNMENT_THRESHOLD", session.DefaultAlignmentThreshold),
		MaxReasoningDepth:  util.ParseIntEnv("MAX_REASONING_DEPTH", reasoning.DefaultMaxDepth),
		RetentionDays:      util.ParseIntEnv("MEMORY_RETENTION_DAYS", DefaultMemoryRetention),
		MaxTurns:           util.ParseIntEnv("MAX_CONVERSATION_TURNS", assistant.DefaultMaxTurns),
		PlaybookPath:       os.Getenv("SALES_PLAYBOOK_PATH"),
		Channel:            strings.ToLower(envOr("MESSAGING_CHANNEL", channelNone)),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:   os.Getenv("TWILIO_WEBHOOK_URL"),
		CloudAPIToken:      os.Getenv("WHATSAPP_API_TOKEN"),
		CloudPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		CloudVerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		CRMEndpoint:        os.Getenv("CRM_ENDPOINT"),
		CRMAPIKey:          os.Getenv("CRM_API_KEY"),
		CRMSyncInterval:    time.Duration(util.ParseIntEnv("CRM_SYNC_INTERVAL", DefaultCRMSyncInterval)) * time.Second,
		MemoryCleanupCron:  os.Getenv("MEMORY_CLEANUP_CRON"),
		OutboxPollInterval: util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", store.DefaultOutboxPollInterval),
	}

	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = whatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"SALESPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"API_TOKEN_SET", config.APIToken != "",
		"MESSAGING_CHANNEL", config.Channel,
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"WHATSAPP_API_TOKEN_SET", config.CloudAPIToken != "",
		"CRM_ENDPOINT_SET", config.CRMEndpoint != "",
		"MEMORY_CLEANUP_CRON", config.MemoryCleanupCron)
	return config
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func whatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFile) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory (overrides $SALESPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseDSN, "SQLite path or Postgres DSN (overrides $DATABASE_DSN)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:     flag.String("channel", config.Channel, "messaging channel: none, twilio, whatsapp or cloud (overrides $MESSAGING_CHANNEL)"),
		playbook:    flag.String("playbook", config.PlaybookPath, "sales playbook YAML override (overrides $SALES_PLAYBOOK_PATH)"),
		qrOutput:    flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		cleanupCron: flag.String("memory-cleanup-cron", config.MemoryCleanupCron, "cron spec for the memory retention sweep (overrides $MEMORY_CLEANUP_CRON)"),
	}
	flag.Parse()
	return flags
}

// applyFlags copies flag values onto config. A state directory given only on
// the command line moves the default database files with it.
func applyFlags(config *Config, flags Flags) {
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if config.WhatsAppDBDSN == whatsAppDSN(config.StateDir) {
			config.WhatsAppDBDSN = whatsAppDSN(*flags.stateDir)
		}
		config.StateDir = *flags.stateDir
	}
	config.DatabaseDSN = *flags.dbDSN
	config.OpenAIKey = *flags.openaiKey
	config.APIAddr = *flags.apiAddr
	config.Channel = strings.ToLower(strings.TrimSpace(*flags.channel))
	config.PlaybookPath = *flags.playbook
	config.MemoryCleanupCron = *flags.cleanupCron
	slog.Debug("flags applied",
		"state_dir", config.StateDir,
		"db_dsn_set", config.DatabaseDSN != "",
		"api_addr", config.APIAddr,
		"channel", config.Channel,
		"playbook", config.PlaybookPath)
}

// openStore picks the document store backend from the DSN.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Debug("openStore: no DSN, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == storeDriverPostgres {
		slog.Debug("openStore: using PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("openStore: using SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

func buildGenAIOptions(config Config) []genai.Option {
	opts := []genai.Option{
		genai.WithModel(config.OpenAIModel),
		genai.WithTimeout(config.OpenAITimeout),
		genai.WithDebugMode(config.GenAIDebug),
		genai.WithStateDir(config.StateDir),
	}
	if config.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
	}
	return opts
}

// newCompleter returns nil when no API key is configured, which switches
// every engine to its deterministic fallback.
func newCompleter(config Config) (genai.Completer, error) {
	client, err := genai.NewClient(buildGenAIOptions(config)...)
	if errors.Is(err, genai.ErrMissingAPIKey) {
		slog.Warn("OpenAI API key not set, running with deterministic fallbacks")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("OpenAI client configured", "model", client.Model())
	return client, nil
}

func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// channelSet is the messaging wiring selected by MESSAGING_CHANNEL.
type channelSet struct {
	services []messaging.Service
	twilio   *messaging.TwilioService
	cloud    *messaging.CloudService
	closers  []func()
}

func buildChannels(ctx context.Context, config Config, flags Flags, dedup store.DedupRepo) (channelSet, error) {
	var cs channelSet
	switch config.Channel {
	case "", channelNone:
		slog.Info("No messaging channel configured")
	case channelTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromNumber(config.TwilioFromNumber),
		)
		if err != nil {
			return cs, fmt.Errorf("twilio client: %w", err)
		}
		opts := []messaging.TwilioOption{messaging.WithTwilioDedup(dedup)}
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(config.TwilioAuthToken, config.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not validated")
		}
		cs.twilio = messaging.NewTwilioService(client, opts...)
		cs.services = append(cs.services, cs.twilio)
	case channelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return cs, fmt.Errorf("whatsapp client: %w", err)
		}
		cs.services = append(cs.services, messaging.NewWhatsAppService(client, dedup))
		cs.closers = append(cs.closers, client.Disconnect)
	case channelCloud:
		cs.cloud = messaging.NewCloudService(
			messaging.WithCloudCredentials(config.CloudAPIToken, config.CloudPhoneNumberID),
			messaging.WithVerifyToken(config.CloudVerifyToken),
			messaging.WithCloudDedup(dedup),
		)
		cs.services = append(cs.services, cs.cloud)
	default:
		return cs, fmt.Errorf("unknown messaging channel %q", config.Channel)
	}
	return cs, nil
}

func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(config.StateDir, config.APIAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	dedup, _ := st.(store.DedupRepo)
	outbox, _ := st.(store.OutboxRepo)

	llm, err := newCompleter(config)
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}

	var pb playbook.Source = playbook.Default()
	var watcher *playbook.Watcher
	if config.PlaybookPath != "" {
		watcher, err = playbook.NewWatcher(config.PlaybookPath)
		if err != nil {
			return fmt.Errorf("load playbook: %w", err)
		}
		pb = watcher
	}
	salesOpts := []sales.Option{sales.WithPlaybook(pb)}

	anchors := session.NewAnchorStore(session.WithAlignmentThreshold(config.AlignmentThreshold))
	memory := session.NewMemoryStore()
	trail := session.NewTrail()
	guard := guardrails.NewChecker(llm)
	graph := knowledge.NewGraph()
	tracker := analytics.NewTracker()

	asst := assistant.New(assistant.Components{
		Classifier: sales.NewClassifier(salesOpts...),
		Scripts:    sales.NewScriptEngine(llm, salesOpts...),
		Objections: sales.NewObjectionHandler(llm, salesOpts...),
		Guardrails: guard,
		Anchors:    anchors,
		Memory:     memory,
		Trail:      trail,
	},
		assistant.WithStateStore(st),
		assistant.WithTracker(tracker),
		assistant.WithMaxTurns(config.MaxTurns),
	)

	crmOpts := []crm.Option{}
	if config.CRMEndpoint != "" {
		crmOpts = append(crmOpts, crm.WithEndpoint(config.CRMEndpoint, config.CRMAPIKey), crm.WithOutbox(outbox))
	}
	integrator := crm.NewIntegrator(st, crmOpts...)

	coordinator := agents.NewCoordinator()
	if err := asst.RegisterAgents(coordinator); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	channels, err := buildChannels(ctx, config, flags, dedup)
	if err != nil {
		return err
	}
	for _, closeFn := range channels.closers {
		defer closeFn()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background []func()
	if watcher != nil {
		done := make(chan struct{})
		go func() { defer close(done); watcher.Run(runCtx) }()
		background = append(background, func() { <-done })
	}

	dispatcher := messaging.NewDispatcher(asst.HandleInbound, channels.services,
		messaging.WithMessageLog(st),
		messaging.WithDedup(dedup),
		messaging.WithOutbox(outbox),
	)
	if len(channels.services) > 0 {
		for _, svc := range channels.services {
			if err := svc.Start(runCtx); err != nil {
				return fmt.Errorf("start %s: %w", svc.Channel(), err)
			}
			defer svc.Stop()
		}
		dispatcher.Start(runCtx)
		background = append(background, dispatcher.Wait)
	}

	if outbox != nil {
		sender := store.NewOutboxSender(outbox, store.RouteByKind(map[string]store.OutboxSendFunc{
			store.OutboxKindReply:   dispatcher.Deliver,
			store.OutboxKindCRMSync: integrator.Push,
		}), config.OutboxPollInterval)
		if err := sender.RecoverStaleMessages(); err != nil {
			slog.Warn("Outbox recovery failed", "error", err)
		}
		done := make(chan struct{})
		go func() { defer close(done); sender.Run(runCtx) }()
		background = append(background, func() { <-done })
	}

	retention := time.Duration(config.RetentionDays) * 24 * time.Hour
	sched, err := buildScheduler(config, memory, integrator, retention)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(api.Services{
		Store:       st,
		Reasoning:   reasoning.NewEngine(llm, reasoning.WithMaxDepth(config.MaxReasoningDepth)),
		Anchors:     anchors,
		Guardrails:  guard,
		Memory:      memory,
		Trail:       trail,
		Graph:       graph,
		Extractor:   knowledge.NewExtractor(graph, llm),
		Retriever:   knowledge.NewRetriever(memory, graph, trail, llm),
		Assistant:   asst,
		Tracker:     tracker,
		Surveys:     survey.NewRecorder(st, survey.WithTracker(tracker)),
		CRM:         integrator,
		Coordinator: coordinator,
		Twilio:      channels.twilio,
		Cloud:       channels.cloud,
	},
		api.WithAllowedOrigins(config.AllowedOrigins),
		api.WithRetention(retention),
		api.WithAPIToken(config.APIToken),
		api.WithHealthCheck("store", func(ctx context.Context) error {
			_, err := st.GetConversationState(healthCheckSessionID)
			return err
		}),
	)

	slog.Info("Bootstrapping SalesPipe",
		"llm_configured", llm != nil,
		"channel", config.Channel,
		"crm_push", integrator.PushEnabled(),
		"scheduled_jobs", len(sched.Entries()))

	err = server.Run(runCtx, config.APIAddr)
	cancel()
	for _, wait := range background {
		wait()
	}
	return err
}

// buildScheduler registers the opt-in maintenance jobs.
func buildScheduler(config Config, memory *session.MemoryStore, integrator *crm.Integrator, retention time.Duration) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler()
	if config.MemoryCleanupCron != "" {
		err := sched.AddJob(jobMemoryCleanup, config.MemoryCleanupCron, func(ctx context.Context) error {
			n := memory.Cleanup(retention)
			slog.Info("Scheduler job: memory cleanup", "removed", n)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("schedule memory cleanup: %w", err)
		}
	}
	if integrator.PushEnabled() && config.CRMSyncInterval > 0 {
		err := sched.Every(jobCRMResync, config.CRMSyncInterval, func(ctx context.Context) error {
			n, err := integrator.ResyncAll(ctx)
			if err != nil {
				return err
			}
			slog.Info("Scheduler job: crm resync", "queued", n)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("schedule crm resync: %w", err)
		}
	}
	return sched, nil
}
