// Package analytics keeps a bounded in-process log of business events and
// derives dashboard figures from it: per-type counts, the sales conversion
// funnel and response-time performance.
package analytics

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/util"
)

// Defaults.
const (
	DefaultMaxEvents = 10000
	DefaultWindow    = 24 * time.Hour
)

// Event types emitted by the service.
const (
	EventConversion  = "conversion"
	EventStagePrefix = "stage_"
)

// FunnelStages is the order of the conversion funnel.
var FunnelStages = []string{"greeting", "qualification", "presentation", "objection", "closing", "conversion"}

// Metrics summarises the events of a time window.
type Metrics struct {
	TotalEvents    int            `json:"total_events"`
	EventsByType   map[string]int `json:"events_by_type"`
	UniqueSessions int            `json:"unique_sessions"`
	TimeRange      string         `json:"time_range"`
}

// Funnel counts events per funnel stage. Each rate is the percentage of the
// previous stage's count that reached the stage.
type Funnel struct {
	Stages            map[string]int     `json:"stages"`
	ConversionRates   map[string]float64 `json:"conversion_rates"`
	OverallConversion float64            `json:"overall_conversion"`
}

// Performance summarises response times and outcomes.
type Performance struct {
	TotalEvents         int     `json:"total_events"`
	AverageResponseTime float64 `json:"average_response_time"`
	SuccessRate         float64 `json:"success_rate"`
	EventsPerHour       float64 `json:"events_per_hour"`
}

// Dashboard is the combined view served to operators.
type Dashboard struct {
	Metrics     Metrics     `json:"metrics"`
	Funnel      Funnel      `json:"funnel"`
	Performance Performance `json:"performance"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Opts configures a Tracker.
type Opts struct {
	MaxEvents int
	Clock     func() time.Time
}

// Option configures Opts.
type Option func(*Opts)

// WithMaxEvents bounds the number of retained events.
func WithMaxEvents(n int) Option {
	return func(o *Opts) {
		o.MaxEvents = n
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// Tracker records events and answers dashboard queries. It is safe for
// concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	events    []models.AnalyticsEvent
	maxEvents int
	now       func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	cfg := Opts{MaxEvents: DefaultMaxEvents, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	return &Tracker{maxEvents: cfg.MaxEvents, now: cfg.Clock}
}

// Track records an event, dropping the oldest ones beyond the cap.
func (t *Tracker) Track(eventType, sessionID string, data map[string]interface{}) models.AnalyticsEvent {
	now := t.now()
	ev := models.AnalyticsEvent{
		ID:        util.NewSortableID(now),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: now,
	}
	if ev.Data == nil {
		ev.Data = map[string]interface{}{}
	}

	t.mu.Lock()
	t.events = append(t.events, ev)
	if over := len(t.events) - t.maxEvents; over > 0 {
		t.events = append([]models.AnalyticsEvent(nil), t.events[over:]...)
	}
	t.mu.Unlock()

	slog.Debug("Tracker.Track: event tracked", "event_type", eventType, "session_id", sessionID)
	return ev
}

// TrackStage records that a session reached stage.
func (t *Tracker) TrackStage(sessionID string, stage models.Stage, data map[string]interface{}) models.AnalyticsEvent {
	return t.Track(EventStagePrefix+string(stage), sessionID, data)
}

// Len returns the number of retained events.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}

func (t *Tracker) since(window time.Duration, eventType string) []models.AnalyticsEvent {
	if window <= 0 {
		window = DefaultWindow
	}
	cutoff := t.now().Add(-window)

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.AnalyticsEvent
	for _, ev := range t.events {
		if !ev.Timestamp.After(cutoff) {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func windowOrDefault(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultWindow
	}
	return window
}

// Metrics counts events in window, optionally restricted to one type.
func (t *Tracker) Metrics(eventType string, window time.Duration) Metrics {
	events := t.since(window, eventType)
	m := Metrics{
		TotalEvents:  len(events),
		EventsByType: make(map[string]int),
		TimeRange:    windowOrDefault(window).String(),
	}
	sessions := make(map[string]struct{})
	for _, ev := range events {
		m.EventsByType[ev.Type]++
		sessions[ev.SessionID] = struct{}{}
	}
	m.UniqueSessions = len(sessions)
	return m
}

// funnelStage maps an event type onto a funnel stage.
func funnelStage(eventType string) (string, bool) {
	lower := strings.ToLower(eventType)
	for _, stage := range FunnelStages[:len(FunnelStages)-1] {
		if strings.Contains(lower, stage) {
			return stage, true
		}
	}
	if strings.Contains(lower, "conversion") || strings.Contains(lower, "sale") {
		return EventConversion, true
	}
	return "", false
}

// Funnel computes the conversion funnel for window.
func (t *Tracker) Funnel(window time.Duration) Funnel {
	f := Funnel{
		Stages:          make(map[string]int, len(FunnelStages)),
		ConversionRates: make(map[string]float64, len(FunnelStages)),
	}
	for _, stage := range FunnelStages {
		f.Stages[stage] = 0
	}
	for _, ev := range t.since(window, "") {
		if stage, ok := funnelStage(ev.Type); ok {
			f.Stages[stage]++
		}
	}

	prev := f.Stages[FunnelStages[0]]
	for _, stage := range FunnelStages {
		count := f.Stages[stage]
		if prev > 0 {
			f.ConversionRates[stage] = float64(count) / float64(prev) * 100
		} else {
			f.ConversionRates[stage] = 0
		}
		prev = count
	}
	f.OverallConversion = f.ConversionRates[EventConversion]
	return f
}

// Performance averages the response_time field of events and reports the
// share of events whose success field is true.
func (t *Tracker) Performance(window time.Duration) Performance {
	events := t.since(window, "")
	p := Performance{TotalEvents: len(events)}

	var total float64
	var timed, succeeded int
	for _, ev := range events {
		if v, ok := ev.Data["response_time"]; ok {
			if f, ok := toFloat(v); ok {
				total += f
				timed++
			}
		}
		if ok, _ := ev.Data["success"].(bool); ok {
			succeeded++
		}
	}
	if timed > 0 {
		p.AverageResponseTime = total / float64(timed)
	}
	if len(events) > 0 {
		p.SuccessRate = float64(succeeded) / float64(len(events)) * 100
	}
	hours := windowOrDefault(window).Hours()
	if hours < 1 {
		hours = 1
	}
	p.EventsPerHour = float64(len(events)) / hours
	return p
}

// Dashboard combines metrics, funnel and performance for window.
func (t *Tracker) Dashboard(window time.Duration) Dashboard {
	return Dashboard{
		Metrics:     t.Metrics("", window),
		Funnel:      t.Funnel(window),
		Performance: t.Performance(window),
		Timestamp:   t.now(),
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case time.Duration:
		return n.Seconds(), true
	default:
		return 0, false
	}
}
