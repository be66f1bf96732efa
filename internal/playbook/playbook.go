// Package playbook holds the sales playbook: per-stage scripts, the keyword
// rules used to guess a stage, objection patterns with their strategies and
// the canned fallback replies.
//
// One Playbook value is shared by every sales component. The default is
// embedded in the binary and can be replaced by a YAML file with the same shape.
package playbook

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/util"
	"gopkg.in/yaml.v3"
)

//go:embed playbook.yaml
var defaultYAML []byte

var (
	// ErrMissingScript is returned when a playbook lacks a script for a stage.
	ErrMissingScript = errors.New("playbook: missing script for stage")
	// ErrUnknownStage is returned when a rule references an unknown stage.
	ErrUnknownStage = errors.New("playbook: unknown stage")
	// ErrMissingFallback is returned when a fallback reply is empty.
	ErrMissingFallback = errors.New("playbook: missing fallback reply")
)

// StageRule maps keywords to a stage.
type StageRule struct {
	Stage    models.Stage `yaml:"stage"`
	Keywords []string     `yaml:"keywords"`
}

// ObjectionPlay is the playbook entry for one objection type.
type ObjectionPlay struct {
	Type       models.ObjectionType `yaml:"type"`
	Patterns   []string             `yaml:"patterns"`
	Strategies []string             `yaml:"strategies"`
	NextSteps  []string             `yaml:"next_steps"`
}

// Fallbacks are the replies used when the language model is unavailable.
type Fallbacks struct {
	Sales          string `yaml:"sales"`
	Objection      string `yaml:"objection"`
	ObjectionError string `yaml:"objection_error"`
}

// Playbook is the shared sales table.
type Playbook struct {
	Company          string                         `yaml:"company"`
	DefaultStage     models.Stage                   `yaml:"default_stage"`
	StageRules       []StageRule                    `yaml:"stage_rules"`
	Scripts          map[models.Stage]models.Script `yaml:"scripts"`
	Objections       []ObjectionPlay                `yaml:"objections"`
	DefaultNextSteps []string                       `yaml:"default_next_steps"`
	Fallbacks        Fallbacks                      `yaml:"fallbacks"`
}

var defaultPlaybook *Playbook

func init() {
	pb, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded playbook is invalid: %v", err))
	}
	defaultPlaybook = pb
}

// Source yields the playbook in effect. A *Playbook is a Source of itself;
// a *Watcher yields the latest successfully loaded file.
type Source interface {
	Current() *Playbook
}

// Current returns p, or the embedded default when p is nil.
func (p *Playbook) Current() *Playbook {
	if p == nil {
		return Default()
	}
	return p
}

// Default returns the embedded playbook.
func Default() *Playbook {
	return defaultPlaybook
}

// Load returns the playbook at path, or the embedded default when path is empty.
func Load(path string) (*Playbook, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook %s: %w", path, err)
	}
	pb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	return pb, nil
}

// Parse decodes and validates a YAML playbook.
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, err
	}
	if err := pb.validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

func (p *Playbook) validate() error {
	for _, st := range models.Stages {
		if _, ok := p.Scripts[st]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingScript, st)
		}
	}
	if p.DefaultStage == "" {
		p.DefaultStage = models.StageQualification
	}
	if _, ok := models.ParseStage(string(p.DefaultStage)); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, p.DefaultStage)
	}
	for _, rule := range p.StageRules {
		if _, ok := models.ParseStage(string(rule.Stage)); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStage, rule.Stage)
		}
	}
	for i, play := range p.Objections {
		p.Objections[i].Type = models.ParseObjectionType(string(play.Type))
	}
	if p.Fallbacks.Sales == "" || p.Fallbacks.Objection == "" || p.Fallbacks.ObjectionError == "" {
		return ErrMissingFallback
	}
	return nil
}

// Script returns the script for stage, defaulting to the greeting script.
func (p *Playbook) Script(stage models.Stage) models.Script {
	if s, ok := p.Scripts[stage]; ok {
		return s
	}
	return p.Scripts[models.StageGreeting]
}

// MatchStage returns the stage of the first rule with a keyword in text.
func (p *Playbook) MatchStage(text string) (models.Stage, bool) {
	for _, rule := range p.StageRules {
		for _, kw := range rule.Keywords {
			if util.ContainsPhrase(text, kw) {
				return rule.Stage, true
			}
		}
	}
	return "", false
}

// SalesFallback renders the canned reply for stage.
func (p *Playbook) SalesFallback(stage models.Stage) string {
	return strings.ReplaceAll(p.Fallbacks.Sales, "{stage}", string(stage))
}

// DetectObjection returns the first objection type whose patterns occur in
// text together with the matched patterns. ok is false when nothing matched.
func (p *Playbook) DetectObjection(text string) (objType models.ObjectionType, matched []string, ok bool) {
	for _, play := range p.Objections {
		var hits []string
		for _, pattern := range play.Patterns {
			if util.ContainsPhrase(text, pattern) {
				hits = append(hits, pattern)
			}
		}
		if len(hits) > 0 {
			return play.Type, hits, true
		}
	}
	return models.ObjectionOther, nil, false
}

// Play returns the playbook entry for objType.
func (p *Playbook) Play(objType models.ObjectionType) (ObjectionPlay, bool) {
	for _, play := range p.Objections {
		if play.Type == objType {
			return play, true
		}
	}
	return ObjectionPlay{}, false
}

// Strategies returns the handling strategies for objType.
func (p *Playbook) Strategies(objType models.ObjectionType) []string {
	play, _ := p.Play(objType)
	return play.Strategies
}

// NextSteps returns the follow-up steps for objType, or the defaults.
func (p *Playbook) NextSteps(objType models.ObjectionType) []string {
	if play, ok := p.Play(objType); ok && len(play.NextSteps) > 0 {
		return play.NextSteps
	}
	return p.DefaultNextSteps
}
