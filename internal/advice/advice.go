// Package advice serves rule-based care guides per canonical disease
// key, with severity-aware selection of which sections to surface.
package advice

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/greenday-app/leafdx/internal/aggregate"
	"gopkg.in/yaml.v3"
)

//go:embed data/remedies.yaml
var remediesYAML []byte

// Guide is the care guide for one disease key.
type Guide struct {
	Key       string   `json:"key" yaml:"-"`
	Immediate []string `json:"immediate" yaml:"immediate"`
	Care      []string `json:"care" yaml:"care"`
	Prevent   []string `json:"prevent" yaml:"prevent"`
	Caution   []string `json:"caution" yaml:"caution"`
	Pro       []string `json:"pro" yaml:"pro"`
}

var (
	guidesOnce sync.Once
	guides     map[string]Guide
)

func loadGuides() map[string]Guide {
	guidesOnce.Do(func() {
		if err := yaml.Unmarshal(remediesYAML, &guides); err != nil {
			panic(fmt.Sprintf("embedded remedy guides are invalid: %v", err))
		}
		for key, g := range guides {
			g.Key = key
			guides[key] = g
		}
	})
	return guides
}

// For returns the guide for key. Keys without a dedicated entry get
// the default guide; the boolean reports whether the match was exact.
func For(key string) (Guide, bool) {
	all := loadGuides()
	if g, ok := all[key]; ok {
		return g, true
	}
	g := all["default"]
	g.Key = key
	return g, false
}

// Lines flattens a guide into the advice shown for a given severity.
// Immediate steps and ongoing care always appear. Prevention is shown
// while the situation is not urgent; cautions and the escalation path
// appear from MEDIUM upward.
func (g Guide) Lines(severity aggregate.Severity) []string {
	out := make([]string, 0, len(g.Immediate)+len(g.Care)+len(g.Prevent)+len(g.Caution)+len(g.Pro))
	out = append(out, g.Immediate...)
	out = append(out, g.Care...)
	if severity == aggregate.SeverityLow {
		out = append(out, g.Prevent...)
	}
	if severity == aggregate.SeverityMedium || severity == aggregate.SeverityHigh {
		out = append(out, g.Caution...)
	}
	if severity == aggregate.SeverityHigh {
		out = append(out, g.Pro...)
	}
	return out
}
