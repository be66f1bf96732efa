// Package survey records the satisfaction surveys sent to customers and the
// answers they give.
package survey

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/analytics"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/util"
)

// Analytics event types.
const (
	EventSent     = "survey_sent"
	EventAnswered = "survey_answered"
)

// Opts configures a Recorder.
type Opts struct {
	Tracker *analytics.Tracker
	Clock   func() time.Time
}

// Option configures Opts.
type Option func(*Opts)

// WithTracker records an analytics event per survey.
func WithTracker(t *analytics.Tracker) Option {
	return func(o *Opts) {
		o.Tracker = t
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// Recorder writes surveys to the document store.
type Recorder struct {
	st      store.Store
	tracker *analytics.Tracker
	now     func() time.Time
}

// NewRecorder creates a Recorder on st.
func NewRecorder(st store.Store, opts ...Option) *Recorder {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Recorder{st: st, tracker: cfg.Tracker, now: cfg.Clock}
}

// Send records that a survey went out to the customer of req.SessionID.
// Channel and metric default to whatsapp and diagnostico.
func (r *Recorder) Send(req models.SurveyRequest) (models.Survey, error) {
	if err := req.Validate(); err != nil {
		return models.Survey{}, err
	}
	req.Answer = ""
	return r.save(req, models.SurveyStatusSent, EventSent)
}

// Answer records the customer's answer to a survey.
func (r *Recorder) Answer(req models.SurveyRequest) (models.Survey, error) {
	if err := req.Validate(); err != nil {
		return models.Survey{}, err
	}
	if strings.TrimSpace(req.Answer) == "" {
		return models.Survey{}, models.ErrEmptyAnswer
	}
	return r.save(req, models.SurveyStatusReceived, EventAnswered)
}

// List returns the surveys of a session, oldest first.
func (r *Recorder) List(sessionID string) ([]models.Survey, error) {
	return r.st.ListSurveys(sessionID)
}

func (r *Recorder) save(req models.SurveyRequest, status, event string) (models.Survey, error) {
	sv := req.Survey(util.NewID("survey_"), status, r.now())
	if err := r.st.SaveSurvey(sv); err != nil {
		return models.Survey{}, fmt.Errorf("save survey: %w", err)
	}
	slog.Info("Recorder.save: survey recorded", "session_id", sv.SessionID, "status", status, "metric", sv.Metric)
	if r.tracker != nil {
		r.tracker.Track(event, sv.SessionID, map[string]interface{}{"metric": sv.Metric, "channel": sv.Channel})
	}
	return sv, nil
}
