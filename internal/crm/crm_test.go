package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSyncLeadRequiresConnection(t *testing.T) {
	c := NewIntegrator(store.NewInMemoryStore())
	_, err := c.SyncLead("hubspot", models.Lead{Name: "Ana"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.SyncLead(" ", models.Lead{}); !errors.Is(err, models.ErrEmptyCRMType) {
		t.Fatalf("expected ErrEmptyCRMType, got %v", err)
	}
}

func TestSyncLeadAppliesDefaultsAndKeepsCreatedAt(t *testing.T) {
	st := store.NewInMemoryStore()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	c := NewIntegrator(st, WithClock(func() time.Time { return now }))
	if _, err := c.Connect("HubSpot", map[string]string{"token": "x"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	lead, err := c.SyncLead("hubspot", models.Lead{Name: "Ana", Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("SyncLead: %v", err)
	}
	if lead.ID == "" || lead.CRMType != "hubspot" {
		t.Errorf("unexpected lead identity %+v", lead)
	}
	if lead.Status != models.DefaultLeadStatus || lead.Source != models.DefaultLeadSource {
		t.Errorf("defaults not applied: %+v", lead)
	}

	now = t0.Add(time.Hour)
	lead.Notes = "llamar el lunes"
	again, err := c.SyncLead("hubspot", lead)
	if err != nil {
		t.Fatalf("SyncLead again: %v", err)
	}
	if !again.CreatedAt.Equal(t0) || !again.UpdatedAt.Equal(now) {
		t.Errorf("timestamps not preserved: created=%v updated=%v", again.CreatedAt, again.UpdatedAt)
	}
	stored, err := c.GetLead(lead.ID)
	if err != nil {
		t.Fatalf("GetLead: %v", err)
	}
	if stored.Notes != "llamar el lunes" {
		t.Errorf("expected updated notes, got %q", stored.Notes)
	}
	if got := len(st.OutboxMessages()); got != 0 {
		t.Errorf("expected no outbox messages without endpoint, got %d", got)
	}
}

func TestGetAndUpdateLead(t *testing.T) {
	c := NewIntegrator(store.NewInMemoryStore())
	if _, err := c.GetLead("missing"); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
	if _, err := c.UpdateLead("missing", models.LeadPatch{}); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}

	c.Connect("salesforce", nil)
	lead, _ := c.SyncLead("salesforce", models.Lead{Name: "Luis"})
	status := "qualified"
	updated, err := c.UpdateLead(lead.ID, models.LeadPatch{Status: &status})
	if err != nil {
		t.Fatalf("UpdateLead: %v", err)
	}
	if updated.Status != "qualified" || updated.Name != "Luis" {
		t.Errorf("unexpected updated lead %+v", updated)
	}
}

func TestSyncQueuesAndPushDelivers(t *testing.T) {
	var gotAuth, gotType string
	var gotLead models.Lead
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get(HeaderCRMType)
		if err := json.NewDecoder(r.Body).Decode(&gotLead); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	st := store.NewInMemoryStore()
	c := NewIntegrator(st, WithEndpoint(srv.URL, "secret"), WithOutbox(st), WithHTTPClient(srv.Client()))
	c.Connect("hubspot", nil)
	lead, err := c.SyncLead("hubspot", models.Lead{Name: "Ana"})
	if err != nil {
		t.Fatalf("SyncLead: %v", err)
	}

	msgs := st.OutboxMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbox message, got %d", len(msgs))
	}
	if msgs[0].Kind != store.OutboxKindCRMSync || msgs[0].DedupeKey != "crm_sync:"+lead.ID {
		t.Errorf("unexpected outbox message %+v", msgs[0])
	}

	if err := c.Push(context.Background(), msgs[0]); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotAuth != "Bearer secret" || gotType != "hubspot" {
		t.Errorf("unexpected headers auth=%q type=%q", gotAuth, gotType)
	}
	if gotLead.ID != lead.ID || gotLead.Name != "Ana" {
		t.Errorf("unexpected pushed lead %+v", gotLead)
	}
	integrations := c.Integrations()
	if len(integrations) != 1 || integrations[0].LastSync == nil {
		t.Errorf("expected last sync to be recorded, got %+v", integrations)
	}
}

func TestPushRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st := store.NewInMemoryStore()
	c := NewIntegrator(st, WithEndpoint(srv.URL, ""), WithOutbox(st))
	c.Connect("hubspot", nil)
	lead, _ := c.SyncLead("hubspot", models.Lead{Name: "Ana"})

	msg := store.OutboxMessage{ID: "m1", PayloadJSON: `{"lead_id":"` + lead.ID + `"}`}
	if err := c.Push(context.Background(), msg); err == nil {
		t.Fatal("expected error for 502 response")
	}
	if err := c.Push(context.Background(), store.OutboxMessage{ID: "m2", PayloadJSON: `{}`}); err == nil {
		t.Fatal("expected error for missing lead_id")
	}
	if err := NewIntegrator(st).Push(context.Background(), msg); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestResyncAllSkipsDisconnected(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveLead(models.Lead{ID: "lead_orphan", CRMType: "pipedrive"})

	c := NewIntegrator(st, WithEndpoint("http://crm.invalid/leads", ""), WithOutbox(st), WithClock(fixedClock(time.Unix(0, 0))))
	c.Connect("hubspot", nil)
	c.SyncLead("hubspot", models.Lead{ID: "lead_a", Name: "Ana"})

	n, err := c.ResyncAll(context.Background())
	if err != nil {
		t.Fatalf("ResyncAll: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 queued lead, got %d", n)
	}
	if got := len(st.OutboxMessages()); got != 1 {
		t.Errorf("expected dedupe to keep a single message, got %d", got)
	}
}
