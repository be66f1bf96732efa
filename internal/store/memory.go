package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/util"
)

// InMemoryStore keeps every document in process memory. It is used when no
// database is configured and by tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	receipts  []models.Receipt
	responses []models.Response
	leads     map[string]models.Lead
	states    map[string]models.ConversationState
	surveys   []models.Survey
	dedup     map[string]DedupRecord
	outbox    map[string]*OutboxMessage
}

var (
	_ Store      = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads:  make(map[string]models.Lead),
		states: make(map[string]models.ConversationState),
		dedup:  make(map[string]DedupRecord),
		outbox: make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

func (s *InMemoryStore) SaveLead(lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (s *InMemoryStore) GetLead(id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	out := cloneLead(lead)
	return &out, nil
}

func (s *InMemoryStore) ListLeads() ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, cloneLead(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveConversationState(state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.Transcript = append([]models.Turn(nil), state.Transcript...)
	s.states[state.SessionID] = state
	return nil
}

func (s *InMemoryStore) GetConversationState(sessionID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sessionID]
	if !ok {
		return nil, nil
	}
	state.Transcript = append([]models.Turn(nil), state.Transcript...)
	return &state, nil
}

func (s *InMemoryStore) SaveSurvey(survey models.Survey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surveys = append(s.surveys, survey)
	return nil
}

func (s *InMemoryStore) ListSurveys(sessionID string) ([]models.Survey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Survey
	for _, sv := range s.surveys {
		if sv.SessionID == sessionID {
			out = append(out, sv)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && !m.Status.terminal() {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.NewID("outbox_")
	s.outbox[id] = &OutboxMessage{
		ID:          id,
		Recipient:   recipient,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*OutboxMessage, 0)
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) MarkOutboxMessageFailed(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of every outbox message, oldest first.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrOutboxMessageNotFound
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return nil
}

func cloneLead(l models.Lead) models.Lead {
	if l.CustomFields != nil {
		cf := make(map[string]interface{}, len(l.CustomFields))
		for k, v := range l.CustomFields {
			cf[k] = v
		}
		l.CustomFields = cf
	}
	return l
}
