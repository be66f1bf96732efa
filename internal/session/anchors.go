package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// ErrAnchorNotFound is returned when an anchor id is unknown for a session.
var ErrAnchorNotFound = errors.New("anchor point not found")

// Rejection reasons reported by Validate.
const (
	reasonConstraintPrefix = "Violates constraint: "
	ReasonLowAlignment     = "Low alignment with objective"
)

type sessionAnchors struct {
	history  []*models.AnchorPoint
	activeID string
	seq      int
}

// AnchorStore keeps the anchor history of every session. The most recently
// created anchor of a session is its active anchor.
type AnchorStore struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionAnchors
	threshold float64
	now       func() time.Time
}

// NewAnchorStore creates an empty AnchorStore.
func NewAnchorStore(opts ...Option) *AnchorStore {
	cfg := buildOpts(opts)
	return &AnchorStore{
		sessions:  make(map[string]*sessionAnchors),
		threshold: cfg.AlignmentThreshold,
		now:       cfg.Clock,
	}
}

// Threshold returns the alignment threshold used by Validate.
func (s *AnchorStore) Threshold() float64 {
	return s.threshold
}

// Create validates req, stores a new anchor and makes it active.
func (s *AnchorStore) Create(req models.AnchorRequest) (models.AnchorPoint, error) {
	if err := req.Validate(); err != nil {
		return models.AnchorPoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sa, ok := s.sessions[req.SessionID]
	if !ok {
		sa = &sessionAnchors{}
		s.sessions[req.SessionID] = sa
	}
	now := s.now()
	anchor := &models.AnchorPoint{
		ID:          sequenceID(req.SessionID, sa.seq),
		SessionID:   req.SessionID,
		Objective:   req.Objective,
		Constraints: copyStrings(req.Constraints),
		Context:     copyMap(req.Context),
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if anchor.Constraints == nil {
		anchor.Constraints = []string{}
	}
	if anchor.Context == nil {
		anchor.Context = map[string]interface{}{}
	}
	sa.seq++
	sa.history = append(sa.history, anchor)
	sa.activeID = anchor.ID

	slog.Debug("AnchorStore.Create: anchor created", "session_id", req.SessionID, "anchor_id", anchor.ID, "constraints", len(anchor.Constraints))
	return cloneAnchor(anchor), nil
}

// Active returns the active anchor of a session.
func (s *AnchorStore) Active(sessionID string) (models.AnchorPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.activeLocked(sessionID)
	if a == nil {
		return models.AnchorPoint{}, false
	}
	return cloneAnchor(a), true
}

func (s *AnchorStore) activeLocked(sessionID string) *models.AnchorPoint {
	sa, ok := s.sessions[sessionID]
	if !ok || sa.activeID == "" {
		return nil
	}
	for _, a := range sa.history {
		if a.ID == sa.activeID {
			return a
		}
	}
	return nil
}

// Update changes an existing anchor in place.
func (s *AnchorStore) Update(sessionID, anchorID string, upd models.AnchorUpdate) (models.AnchorPoint, error) {
	if err := upd.Validate(); err != nil {
		return models.AnchorPoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sa, ok := s.sessions[sessionID]
	if !ok {
		return models.AnchorPoint{}, ErrAnchorNotFound
	}
	for _, a := range sa.history {
		if a.ID != anchorID {
			continue
		}
		if strings.TrimSpace(upd.Objective) != "" {
			a.Objective = upd.Objective
		}
		if upd.Constraints != nil {
			a.Constraints = copyStrings(upd.Constraints)
		}
		for k, v := range upd.Context {
			a.Context[k] = v
		}
		if upd.Priority != nil {
			a.Priority = *upd.Priority
		}
		a.UpdatedAt = s.now()
		return cloneAnchor(a), nil
	}
	return models.AnchorPoint{}, ErrAnchorNotFound
}

// History returns every anchor of a session in creation order.
func (s *AnchorStore) History(sessionID string) []models.AnchorPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sa, ok := s.sessions[sessionID]
	if !ok {
		return []models.AnchorPoint{}
	}
	out := make([]models.AnchorPoint, 0, len(sa.history))
	for _, a := range sa.history {
		out = append(out, cloneAnchor(a))
	}
	return out
}

// Clear removes every anchor of a session and returns how many were removed.
func (s *AnchorStore) Clear(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	n := len(sa.history)
	sa.history = nil
	sa.activeID = ""
	return n
}

// Validate checks a proposed action against the active anchor of a session.
// Without an active anchor every action is allowed. Constraints are checked
// in list order before objective alignment.
func (s *AnchorStore) Validate(sessionID, action string) models.ActionCheck {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anchor := s.activeLocked(sessionID)
	if anchor == nil {
		return models.ActionCheck{Allowed: true}
	}

	lowered := strings.ToLower(action)
	for _, c := range anchor.Constraints {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(c)) {
			return models.ActionCheck{Allowed: false, Reason: reasonConstraintPrefix + c}
		}
	}

	if Alignment(anchor.Objective, action) < s.threshold {
		return models.ActionCheck{Allowed: false, Reason: ReasonLowAlignment}
	}
	return models.ActionCheck{Allowed: true}
}

// Alignment is the share of distinct objective words that also occur in the
// action, using lowercase whitespace-separated words.
func Alignment(objective, action string) float64 {
	objWords := wordSet(objective)
	actWords := wordSet(action)
	shared := 0
	for w := range objWords {
		if _, ok := actWords[w]; ok {
			shared++
		}
	}
	denom := len(objWords)
	if denom < 1 {
		denom = 1
	}
	return float64(shared) / float64(denom)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func cloneAnchor(a *models.AnchorPoint) models.AnchorPoint {
	out := *a
	out.Constraints = copyStrings(a.Constraints)
	out.Context = copyMap(a.Context)
	out.Metadata = copyMap(a.Metadata)
	return out
}
