package session

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Memory defaults.
const (
	DefaultRetrieveLimit = 10
	// ConsolidationThreshold is the importance above which short-term memories
	// are promoted to long-term.
	ConsolidationThreshold = 0.7
	DefaultRetention       = 30 * 24 * time.Hour
)

// ConsolidationResult reports what Consolidate did.
type ConsolidationResult struct {
	Converted          int `json:"converted"`
	RemainingShortTerm int `json:"remaining_short_term"`
}

// MemoryStats summarises a session's memories.
type MemoryStats struct {
	Total             int                       `json:"total"`
	ByType            map[models.MemoryType]int `json:"by_type"`
	AverageImportance float64                   `json:"average_importance"`
	LastUpdated       *time.Time                `json:"last_updated,omitempty"`
}

type sessionMemories struct {
	items       []*models.Memory
	seq         int
	lastUpdated time.Time
}

// MemoryStore keeps memories per session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionMemories
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := buildOpts(opts)
	return &MemoryStore{sessions: make(map[string]*sessionMemories), now: cfg.Clock}
}

// Store validates and saves a memory, returning the stored copy.
func (s *MemoryStore) Store(req models.MemoryRequest) (models.Memory, error) {
	if err := req.Validate(); err != nil {
		return models.Memory{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[req.SessionID]
	if !ok {
		sm = &sessionMemories{}
		s.sessions[req.SessionID] = sm
	}
	now := s.now()
	mem := &models.Memory{
		ID:         sequenceID(req.SessionID, sm.seq),
		SessionID:  req.SessionID,
		Content:    req.Content,
		Type:       models.ParseMemoryType(req.MemoryType),
		Importance: req.ImportanceOrDefault(),
		Timestamp:  now,
		Metadata:   copyMap(req.Metadata),
	}
	sm.seq++
	sm.items = append(sm.items, mem)
	sm.lastUpdated = now

	slog.Debug("MemoryStore.Store: memory stored", "session_id", req.SessionID, "memory_id", mem.ID, "type", mem.Type)
	return cloneMemory(mem), nil
}

// Retrieve returns up to limit memories of a session ordered by importance
// then recency, both descending. An empty query matches everything; otherwise
// it is a case-insensitive substring of the content or metadata. An empty
// memType matches every type. Returned memories count as accessed.
func (s *MemoryStore) Retrieve(sessionID, query string, memType models.MemoryType, limit int) []models.Memory {
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[sessionID]
	if !ok {
		return []models.Memory{}
	}

	var matches []*models.Memory
	for _, m := range sm.items {
		if memType != "" && m.Type != memType {
			continue
		}
		if needle != "" && !strings.Contains(searchText(m.Content), needle) && !strings.Contains(searchText(m.Metadata), needle) {
			continue
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Importance != matches[j].Importance {
			return matches[i].Importance > matches[j].Importance
		}
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	now := s.now()
	out := make([]models.Memory, 0, len(matches))
	for _, m := range matches {
		m.AccessCount++
		accessed := now
		m.LastAccessed = &accessed
		out = append(out, cloneMemory(m))
	}
	return out
}

// Consolidate promotes important short-term memories of a session to long-term.
func (s *MemoryStore) Consolidate(sessionID string) ConsolidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ConsolidationResult
	sm, ok := s.sessions[sessionID]
	if !ok {
		return res
	}
	for _, m := range sm.items {
		if m.Type != models.MemoryShortTerm {
			continue
		}
		if m.Importance > ConsolidationThreshold {
			m.Type = models.MemoryLongTerm
			res.Converted++
		} else {
			res.RemainingShortTerm++
		}
	}
	if res.Converted > 0 {
		sm.lastUpdated = s.now()
	}
	return res
}

// Forget removes memories of a session. A non-empty id removes that memory, a
// non-empty memType removes every memory of that type, and neither removes
// all. It returns how many memories were removed.
func (s *MemoryStore) Forget(sessionID, id string, memType models.MemoryType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	kept := sm.items[:0]
	removed := 0
	for _, m := range sm.items {
		drop := false
		switch {
		case id != "":
			drop = m.ID == id
		case memType != "":
			drop = m.Type == memType
		default:
			drop = true
		}
		if drop {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(sm.items); i++ {
		sm.items[i] = nil
	}
	sm.items = kept
	if removed > 0 {
		sm.lastUpdated = s.now()
	}
	return removed
}

// Stats summarises the memories of a session.
func (s *MemoryStore) Stats(sessionID string) MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := MemoryStats{ByType: make(map[models.MemoryType]int)}
	sm, ok := s.sessions[sessionID]
	if !ok {
		return stats
	}
	var sum float64
	for _, m := range sm.items {
		stats.Total++
		stats.ByType[m.Type]++
		sum += m.Importance
	}
	if stats.Total > 0 {
		stats.AverageImportance = sum / float64(stats.Total)
	}
	if !sm.lastUpdated.IsZero() {
		last := sm.lastUpdated
		stats.LastUpdated = &last
	}
	return stats
}

// Cleanup drops memories older than retention across all sessions and
// returns how many were removed. A non-positive retention uses DefaultRetention.
func (s *MemoryStore) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := s.now()
	cutoff := now.Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, sm := range s.sessions {
		kept := make([]*models.Memory, 0, len(sm.items))
		for _, m := range sm.items {
			if m.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, m)
		}
		if dropped := len(sm.items) - len(kept); dropped > 0 {
			removed += dropped
			sm.lastUpdated = now
		}
		sm.items = kept
	}
	if removed > 0 {
		slog.Info("MemoryStore.Cleanup: expired memories removed", "removed", removed, "cutoff", cutoff)
	}
	return removed
}

func cloneMemory(m *models.Memory) models.Memory {
	out := *m
	out.Metadata = copyMap(m.Metadata)
	if m.LastAccessed != nil {
		t := *m.LastAccessed
		out.LastAccessed = &t
	}
	return out
}
