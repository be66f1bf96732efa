// Package session provides the process-wide, per-session stores of SalesPipe:
// anchor points, memories and the breadcrumb trail, plus a keyed lock used to
// serialise work on a single session.
//
// Every store is safe for concurrent use. Values handed out are copies, so
// callers may modify them freely.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultAlignmentThreshold is the minimum objective alignment an action needs.
const DefaultAlignmentThreshold = 0.2

// Opts holds configuration shared by the session stores.
type Opts struct {
	Clock              func() time.Time
	AlignmentThreshold float64
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// WithAlignmentThreshold sets the anchor alignment threshold.
func WithAlignmentThreshold(threshold float64) Option {
	return func(o *Opts) {
		o.AlignmentThreshold = threshold
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{Clock: time.Now, AlignmentThreshold: DefaultAlignmentThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

func sequenceID(sessionID string, n int) string {
	return fmt.Sprintf("%s_%d", sessionID, n)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// searchText renders an arbitrary value for case-insensitive substring search.
func searchText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return strings.ToLower(fmt.Sprint(t))
		}
		return strings.ToLower(string(data))
	}
}
