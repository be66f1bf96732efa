package assistant

import (
	"context"
	"math"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// ModuleLeadAnalysis is the breadcrumb module of lead scoring.
const ModuleLeadAnalysis = "lead_analysis"

// EventLeadAnalyzed is tracked for every scored lead.
const EventLeadAnalyzed = "lead_analyzed"

// Score thresholds of the lead temperatures.
const (
	HotLeadScore  = 0.7
	WarmLeadScore = 0.4
)

var stageScores = map[models.Stage]float64{
	models.StageGreeting:          0.1,
	models.StageQualification:     0.3,
	models.StagePresentation:      0.5,
	models.StageObjectionHandling: 0.55,
	models.StageClosing:           0.8,
	models.StageFollowUp:          0.6,
}

const (
	turnBonus     = 0.03
	maxTurnBonus  = 0.15
	objectionCost = 0.05
	maxObjectCost = 0.15
)

// AnalyzeLead scores a session's customer from the stored conversation: the
// stage reached sets the base, customer engagement adds to it and handled
// objections subtract. Each step is written to the session trail.
func (a *Assistant) AnalyzeLead(ctx context.Context, req models.LeadAnalysisRequest) (models.LeadAnalysis, error) {
	if err := req.Validate(); err != nil {
		return models.LeadAnalysis{}, err
	}
	sid := req.SessionID
	unlock := a.locks.Lock(sid)
	defer unlock()

	out := models.LeadAnalysis{SessionID: sid, UserID: req.UserID}
	entry := a.c.Trail.Add(sid, ModuleLeadAnalysis, "entry", map[string]interface{}{"user_id": req.UserID}, nil, nil)

	state := a.loadState(sid, a.now())
	out.Stage = state.Stage
	if out.Stage == "" {
		out.Stage = models.StageGreeting
	}
	out.CustomerTurns = len(state.CustomerLines())
	out.Objections = len(a.c.Trail.Get(sid, ModuleObjections, 0))
	analysis := a.c.Trail.Add(sid, ModuleLeadAnalysis, "analysis", nil, map[string]interface{}{
		"stage":          string(out.Stage),
		"customer_turns": out.CustomerTurns,
		"objections":     out.Objections,
	}, nil)

	out.Score = leadScore(out.Stage, out.CustomerTurns, out.Objections)
	out.Classification = classifyLead(out.Score)
	scoring := a.c.Trail.Add(sid, ModuleLeadAnalysis, "scoring", nil, map[string]interface{}{
		"score":          out.Score,
		"classification": out.Classification,
	}, nil)
	out.Breadcrumbs = []models.Breadcrumb{entry, analysis, scoring}

	if a.tracker != nil {
		a.tracker.Track(EventLeadAnalyzed, sid, map[string]interface{}{"score": out.Score, "classification": out.Classification})
	}
	return out, nil
}

func leadScore(stage models.Stage, turns, objections int) float64 {
	score := stageScores[stage]
	score += math.Min(maxTurnBonus, turnBonus*float64(turns))
	score -= math.Min(maxObjectCost, objectionCost*float64(objections))
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*100) / 100
}

func classifyLead(score float64) string {
	switch {
	case score >= HotLeadScore:
		return models.LeadHot
	case score >= WarmLeadScore:
		return models.LeadWarm
	default:
		return models.LeadCold
	}
}
