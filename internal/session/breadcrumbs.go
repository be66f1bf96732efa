package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Trail defaults.
const (
	DefaultTrailLimit         = 100
	DefaultModuleHistoryLimit = 50
	summaryTimelineLength     = 20
)

// TimelineEntry is a condensed breadcrumb used by TrailSummary.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Action    string    `json:"action"`
}

// TrailSummary describes a session's breadcrumb trail.
type TrailSummary struct {
	Total    int             `json:"total"`
	Modules  map[string]int  `json:"modules"`
	Timeline []TimelineEntry `json:"timeline"`
	First    *time.Time      `json:"first,omitempty"`
	Last     *time.Time      `json:"last,omitempty"`
}

type sessionTrail struct {
	crumbs []models.Breadcrumb
	seq    int
}

// Trail is the append-only decision log of every session.
type Trail struct {
	mu       sync.RWMutex
	sessions map[string]*sessionTrail
	now      func() time.Time
}

// NewTrail creates an empty Trail.
func NewTrail(opts ...Option) *Trail {
	cfg := buildOpts(opts)
	return &Trail{sessions: make(map[string]*sessionTrail), now: cfg.Clock}
}

// Add appends a breadcrumb and returns it.
func (t *Trail) Add(sessionID, module, action string, context map[string]interface{}, result interface{}, metadata map[string]interface{}) models.Breadcrumb {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sessions[sessionID]
	if !ok {
		st = &sessionTrail{}
		t.sessions[sessionID] = st
	}
	ctx := copyMap(context)
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	crumb := models.Breadcrumb{
		ID:        sequenceID(sessionID, st.seq),
		SessionID: sessionID,
		Module:    module,
		Action:    action,
		Context:   ctx,
		Result:    result,
		Timestamp: t.now(),
		Metadata:  copyMap(metadata),
	}
	st.seq++
	st.crumbs = append(st.crumbs, crumb)
	return cloneCrumb(crumb)
}

// Get returns the last limit breadcrumbs of a session in insertion order,
// optionally restricted to one module. A non-positive limit returns all.
func (t *Trail) Get(sessionID, module string, limit int) []models.Breadcrumb {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.sessions[sessionID]
	if !ok {
		return []models.Breadcrumb{}
	}
	var matches []models.Breadcrumb
	for _, c := range st.crumbs {
		if module == "" || c.Module == module {
			matches = append(matches, c)
		}
	}
	return tail(matches, limit)
}

// Summary describes the trail of a session.
func (t *Trail) Summary(sessionID string) TrailSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := TrailSummary{Modules: map[string]int{}, Timeline: []TimelineEntry{}}
	st, ok := t.sessions[sessionID]
	if !ok || len(st.crumbs) == 0 {
		return summary
	}
	summary.Total = len(st.crumbs)
	for _, c := range st.crumbs {
		summary.Modules[c.Module]++
	}
	for _, c := range tail(st.crumbs, summaryTimelineLength) {
		summary.Timeline = append(summary.Timeline, TimelineEntry{Timestamp: c.Timestamp, Module: c.Module, Action: c.Action})
	}
	first := st.crumbs[0].Timestamp
	last := st.crumbs[len(st.crumbs)-1].Timestamp
	summary.First, summary.Last = &first, &last
	return summary
}

// Search returns breadcrumbs of a session whose action, context or result
// contains query, case-insensitively. An empty module searches all modules.
func (t *Trail) Search(sessionID, query, module string) []models.Breadcrumb {
	needle := strings.ToLower(strings.TrimSpace(query))

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := []models.Breadcrumb{}
	st, ok := t.sessions[sessionID]
	if !ok {
		return out
	}
	for _, c := range st.crumbs {
		if module != "" && c.Module != module {
			continue
		}
		if needle == "" ||
			strings.Contains(strings.ToLower(c.Action), needle) ||
			strings.Contains(searchText(c.Context), needle) ||
			strings.Contains(searchText(c.Result), needle) {
			out = append(out, cloneCrumb(c))
		}
	}
	return out
}

// ModuleHistory returns the last limit breadcrumbs of module across all
// sessions ordered by time.
func (t *Trail) ModuleHistory(module string, limit int) []models.Breadcrumb {
	if limit <= 0 {
		limit = DefaultModuleHistoryLimit
	}

	t.mu.RLock()
	var matches []models.Breadcrumb
	for _, st := range t.sessions {
		for _, c := range st.crumbs {
			if c.Module == module {
				matches = append(matches, c)
			}
		}
	}
	t.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.Before(matches[j].Timestamp)
	})
	return tail(matches, limit)
}

// Clear removes every breadcrumb of a session and returns how many were removed.
func (t *Trail) Clear(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionID]
	if !ok {
		return 0
	}
	n := len(st.crumbs)
	st.crumbs = nil
	return n
}

func tail(crumbs []models.Breadcrumb, limit int) []models.Breadcrumb {
	if limit > 0 && len(crumbs) > limit {
		crumbs = crumbs[len(crumbs)-limit:]
	}
	out := make([]models.Breadcrumb, 0, len(crumbs))
	for _, c := range crumbs {
		out = append(out, cloneCrumb(c))
	}
	return out
}

func cloneCrumb(c models.Breadcrumb) models.Breadcrumb {
	c.Context = copyMap(c.Context)
	c.Metadata = copyMap(c.Metadata)
	return c
}
