// Package sales holds the sales sub-flows: the stage classifier, the script
// engine and the objection handler. All three read the same playbook table.
package sales

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/playbook"
)

// Opts holds configuration options shared by the sales components.
type Opts struct {
	Playbook playbook.Source
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithPlaybook replaces the embedded playbook. Pass a *playbook.Watcher to
// pick up edits of the playbook file without a restart.
func WithPlaybook(pb playbook.Source) Option {
	return func(o *Opts) {
		o.Playbook = pb
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Playbook == nil {
		cfg.Playbook = playbook.Default()
	}
	return cfg
}

// lastN returns at most the n most recent history lines.
func lastN(history []string, n int) []string {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// formatCustomer renders customer data with sorted keys so prompts are stable.
func formatCustomer(data map[string]interface{}) string {
	if len(data) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, data[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
