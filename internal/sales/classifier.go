package sales

import (
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/playbook"
)

// Classifier maps conversation history onto a sales stage.
type Classifier struct {
	pb playbook.Source
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ...Option) *Classifier {
	cfg := buildOpts(opts)
	return &Classifier{pb: cfg.Playbook}
}

// Classify returns greeting for an empty history. Otherwise the most recent
// line is matched against the playbook stage rules in order and the first
// match wins; no match yields the playbook default stage.
func (c *Classifier) Classify(history []string) models.Stage {
	if len(history) == 0 {
		return models.StageGreeting
	}
	last := history[len(history)-1]
	if strings.TrimSpace(last) == "" {
		return c.pb.Current().DefaultStage
	}
	if st, ok := c.pb.Current().MatchStage(last); ok {
		return st
	}
	return c.pb.Current().DefaultStage
}
