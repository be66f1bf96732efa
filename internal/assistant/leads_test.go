package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/SalesPipe/internal/analytics"
	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/session"
	"github.com/google/go-cmp/cmp"
)

func TestAnalyzeLeadFromConversation(t *testing.T) {
	trail := session.NewTrail()
	tracker := analytics.NewTracker()
	a := New(Components{Trail: trail}, WithTracker(tracker))
	ctx := context.Background()

	for _, msg := range []string{"quiero comprar", "quiero contratar", "sí, comprar ya", "gracias"} {
		if _, err := a.HandleMessage(ctx, models.SalesMessageRequest{SessionID: "s1", Message: msg}); err != nil {
			t.Fatalf("HandleMessage(%q): %v", msg, err)
		}
	}
	if _, err := a.HandleObjection(ctx, models.ObjectionRequest{SessionID: "s1", Message: "Es muy caro"}); err != nil {
		t.Fatalf("HandleObjection: %v", err)
	}

	got, err := a.AnalyzeLead(ctx, models.LeadAnalysisRequest{SessionID: "s1", UserID: "u1"})
	if err != nil {
		t.Fatalf("AnalyzeLead: %v", err)
	}
	if got.Stage != models.StageClosing || got.CustomerTurns != 4 || got.Objections != 1 {
		t.Errorf("unexpected analysis inputs %+v", got)
	}
	if got.Score != 0.87 || got.Classification != models.LeadHot {
		t.Errorf("score = %v (%s), want 0.87 (hot)", got.Score, got.Classification)
	}

	var actions []string
	for _, c := range got.Breadcrumbs {
		actions = append(actions, c.Action)
	}
	if diff := cmp.Diff([]string{"entry", "analysis", "scoring"}, actions); diff != "" {
		t.Errorf("breadcrumbs mismatch (-want +got):\n%s", diff)
	}
	if crumbs := trail.Get("s1", ModuleLeadAnalysis, 0); len(crumbs) != 3 {
		t.Errorf("expected three lead analysis breadcrumbs on the trail, got %d", len(crumbs))
	}
	if m := tracker.Metrics(EventLeadAnalyzed, 0); m.TotalEvents != 1 {
		t.Errorf("expected one %s event, got %d", EventLeadAnalyzed, m.TotalEvents)
	}
}

func TestAnalyzeLeadUnknownSession(t *testing.T) {
	a := New(Components{})
	got, err := a.AnalyzeLead(context.Background(), models.LeadAnalysisRequest{SessionID: "nuevo"})
	if err != nil {
		t.Fatalf("AnalyzeLead: %v", err)
	}
	if got.Stage != models.StageGreeting || got.Score != 0.1 || got.Classification != models.LeadCold {
		t.Errorf("unexpected analysis %+v", got)
	}
	if _, err := a.AnalyzeLead(context.Background(), models.LeadAnalysisRequest{}); !errors.Is(err, models.ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestLeadScoreBounds(t *testing.T) {
	tests := []struct {
		name       string
		stage      models.Stage
		turns      int
		objections int
		want       float64
		class      string
	}{
		{"engagement bonus capped", models.StageClosing, 40, 0, 0.95, models.LeadHot},
		{"objection cost capped", models.StageGreeting, 0, 10, 0, models.LeadCold},
		{"warm presentation", models.StagePresentation, 1, 0, 0.53, models.LeadWarm},
		{"unknown stage", models.Stage("otro"), 2, 0, 0.06, models.LeadCold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := leadScore(tt.stage, tt.turns, tt.objections)
			if got != tt.want || classifyLead(got) != tt.class {
				t.Errorf("leadScore = %v (%s), want %v (%s)", got, classifyLead(got), tt.want, tt.class)
			}
		})
	}
}
