// Package crm mirrors sales leads into an external CRM.
//
// Leads are kept in the document store so they survive restarts. When a CRM
// endpoint is configured every synced lead is also queued on the durable
// outbox, and the outbox sender calls Push to deliver it.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/util"
	"github.com/tidwall/gjson"
)

var (
	// ErrNotConnected is returned when syncing to a CRM type that was never connected.
	ErrNotConnected = errors.New("crm not connected")
	// ErrLeadNotFound is returned for an unknown lead id.
	ErrLeadNotFound = errors.New("lead not found")
	// ErrNoEndpoint is returned by Push when no CRM endpoint is configured.
	ErrNoEndpoint = errors.New("crm endpoint not configured")
)

// HeaderCRMType carries the CRM type on pushed requests.
const HeaderCRMType = "X-CRM-Type"

const defaultPushTimeout = 15 * time.Second

type integration struct {
	credentials map[string]string
	connectedAt time.Time
	lastSync    *time.Time
}

// Integrator manages CRM connections and lead synchronisation.
type Integrator struct {
	store      store.Store
	outbox     store.OutboxRepo
	endpoint   string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time

	mu           sync.RWMutex
	integrations map[string]*integration
}

// Opts holds configuration for an Integrator.
type Opts struct {
	Endpoint   string
	APIKey     string
	Outbox     store.OutboxRepo
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Option configures Opts.
type Option func(*Opts)

// WithEndpoint sets the URL leads are pushed to and the bearer key sent with them.
func WithEndpoint(url, apiKey string) Option {
	return func(o *Opts) {
		o.Endpoint = url
		o.APIKey = apiKey
	}
}

// WithOutbox enables durable pushes through repo.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) {
		o.Outbox = repo
	}
}

// WithHTTPClient overrides the client used by Push.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// NewIntegrator creates an Integrator backed by st.
func NewIntegrator(st store.Store, opts ...Option) *Integrator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultPushTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Integrator{
		store:        st,
		outbox:       cfg.Outbox,
		endpoint:     strings.TrimSpace(cfg.Endpoint),
		apiKey:       cfg.APIKey,
		httpClient:   cfg.HTTPClient,
		now:          cfg.Clock,
		integrations: make(map[string]*integration),
	}
}

// PushEnabled reports whether synced leads are forwarded to an endpoint.
func (c *Integrator) PushEnabled() bool {
	return c.outbox != nil && c.endpoint != ""
}

// Connect registers credentials for crmType, replacing earlier ones.
func (c *Integrator) Connect(crmType string, credentials map[string]string) (models.CRMIntegration, error) {
	crmType = strings.ToLower(strings.TrimSpace(crmType))
	if crmType == "" {
		return models.CRMIntegration{}, models.ErrEmptyCRMType
	}
	creds := make(map[string]string, len(credentials))
	for k, v := range credentials {
		creds[k] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	in := &integration{credentials: creds, connectedAt: c.now()}
	c.integrations[crmType] = in
	slog.Info("Integrator.Connect: crm connected", "crm_type", crmType, "credentials_set", len(creds) > 0)
	return in.view(crmType), nil
}

// Integrations lists the connected CRM types ordered by name.
func (c *Integrator) Integrations() []models.CRMIntegration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.CRMIntegration, 0, len(c.integrations))
	for name, in := range c.integrations {
		out = append(out, in.view(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CRMType < out[j].CRMType })
	return out
}

func (in *integration) view(name string) models.CRMIntegration {
	v := models.CRMIntegration{CRMType: name, Connected: true, ConnectedAt: in.connectedAt}
	if in.lastSync != nil {
		t := *in.lastSync
		v.LastSync = &t
	}
	return v
}

func (c *Integrator) connected(crmType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.integrations[crmType]
	return ok
}

// SyncLead stores lead under crmType and queues a push when enabled. A lead
// without an id gets a new one; an existing lead keeps its creation time.
func (c *Integrator) SyncLead(crmType string, lead models.Lead) (models.Lead, error) {
	crmType = strings.ToLower(strings.TrimSpace(crmType))
	if crmType == "" {
		return models.Lead{}, models.ErrEmptyCRMType
	}
	if !c.connected(crmType) {
		return models.Lead{}, fmt.Errorf("%w: %s", ErrNotConnected, crmType)
	}

	now := c.now()
	if strings.TrimSpace(lead.ID) == "" {
		lead.ID = util.NewLeadID()
	}
	lead.CRMType = crmType
	lead.ApplyDefaults()
	lead.CreatedAt = now
	existing, err := c.store.GetLead(lead.ID)
	if err != nil {
		return models.Lead{}, fmt.Errorf("load lead: %w", err)
	}
	if existing != nil {
		lead.CreatedAt = existing.CreatedAt
	}
	lead.UpdatedAt = now

	if err := c.store.SaveLead(lead); err != nil {
		slog.Error("Integrator.SyncLead: save failed", "lead_id", lead.ID, "error", err)
		return models.Lead{}, fmt.Errorf("save lead: %w", err)
	}
	if err := c.enqueue(lead); err != nil {
		slog.Warn("Integrator.SyncLead: push not queued", "lead_id", lead.ID, "error", err)
	}
	slog.Debug("Integrator.SyncLead: lead synced", "lead_id", lead.ID, "crm_type", crmType)
	return lead, nil
}

func (c *Integrator) enqueue(lead models.Lead) error {
	if !c.PushEnabled() {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"lead_id": lead.ID, "crm_type": lead.CRMType})
	if err != nil {
		return err
	}
	_, err = c.outbox.EnqueueOutboxMessage(lead.CRMType, store.OutboxKindCRMSync, string(payload), "crm_sync:"+lead.ID)
	return err
}

// GetLead returns the stored lead or ErrLeadNotFound.
func (c *Integrator) GetLead(id string) (models.Lead, error) {
	lead, err := c.store.GetLead(id)
	if err != nil {
		return models.Lead{}, fmt.Errorf("load lead: %w", err)
	}
	if lead == nil {
		return models.Lead{}, ErrLeadNotFound
	}
	return *lead, nil
}

// UpdateLead applies patch to a stored lead and queues a push when enabled.
func (c *Integrator) UpdateLead(id string, patch models.LeadPatch) (models.Lead, error) {
	lead, err := c.GetLead(id)
	if err != nil {
		return models.Lead{}, err
	}
	patch.Apply(&lead)
	lead.UpdatedAt = c.now()
	if err := c.store.SaveLead(lead); err != nil {
		return models.Lead{}, fmt.Errorf("save lead: %w", err)
	}
	if err := c.enqueue(lead); err != nil {
		slog.Warn("Integrator.UpdateLead: push not queued", "lead_id", id, "error", err)
	}
	return lead, nil
}

// Push delivers one crm_sync outbox message to the configured endpoint. It
// always sends the latest stored version of the lead.
func (c *Integrator) Push(ctx context.Context, msg store.OutboxMessage) error {
	if c.endpoint == "" {
		return ErrNoEndpoint
	}
	leadID := gjson.Get(msg.PayloadJSON, "lead_id").String()
	if leadID == "" {
		return fmt.Errorf("outbox message %s: missing lead_id", msg.ID)
	}
	lead, err := c.GetLead(leadID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("marshal lead: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCRMType, lead.CRMType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push lead: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push lead: unexpected status %d", resp.StatusCode)
	}

	now := c.now()
	c.mu.Lock()
	if in, ok := c.integrations[lead.CRMType]; ok {
		in.lastSync = &now
	}
	c.mu.Unlock()
	slog.Info("Integrator.Push: lead delivered", "lead_id", lead.ID, "crm_type", lead.CRMType)
	return nil
}

// ResyncAll queues a push for every stored lead whose CRM is still connected.
// It returns the number of queued leads.
func (c *Integrator) ResyncAll(ctx context.Context) (int, error) {
	if !c.PushEnabled() {
		return 0, nil
	}
	leads, err := c.store.ListLeads()
	if err != nil {
		return 0, fmt.Errorf("list leads: %w", err)
	}
	n := 0
	for _, lead := range leads {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if !c.connected(lead.CRMType) {
			continue
		}
		if err := c.enqueue(lead); err != nil {
			slog.Warn("Integrator.ResyncAll: enqueue failed", "lead_id", lead.ID, "error", err)
			continue
		}
		n++
	}
	slog.Debug("Integrator.ResyncAll: leads queued", "count", n)
	return n, nil
}
