// Package aggregate merges ensemble votes and zero-shot similarities
// into a single probability distribution over canonical disease keys.
package aggregate

import (
	"sort"

	"github.com/greenday-app/leafdx/internal/vocab"
	"gonum.org/v1/gonum/floats"
)

// Default aggregation parameters.
const (
	// DefaultThreshold is the noise floor below which an ensemble
	// vote is discarded.
	DefaultThreshold = 0.25
	// DefaultZeroShotWeight scales zero-shot similarities relative
	// to a full-weight classifier vote.
	DefaultZeroShotWeight = 0.8
)

// Severity tiers derived from the winning probability.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// SeverityFor maps a winning probability onto its tier.
func SeverityFor(p float64) Severity {
	switch {
	case p >= 0.8:
		return SeverityHigh
	case p >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Config controls vote filtering and weighting.
type Config struct {
	Threshold      float64
	ZeroShotWeight float64
	// Ignore lists keys excluded from aggregation entirely, such as
	// dataset artifacts like "invalid".
	Ignore []string
}

// DefaultConfig returns the standard aggregation parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:      DefaultThreshold,
		ZeroShotWeight: DefaultZeroShotWeight,
		Ignore:         []string{"invalid"},
	}
}

// Vote is one normalized ensemble prediction. Weight is the model's
// aggregation weight; zero or negative means full weight.
type Vote struct {
	Key        string
	Confidence float64
	Weight     float64
}

// Candidate is a key with its final probability.
type Candidate struct {
	Key         string  `json:"key"`
	Probability float64 `json:"probability"`
}

// Result is the aggregation outcome. Scores is sorted by descending
// probability with first-seen order breaking ties; it is nil when
// nothing survived filtering.
type Result struct {
	Top      Candidate
	Severity Severity
	Scores   []Candidate
}

// Aggregate accumulates filtered ensemble votes and weighted zero-shot
// similarities, then normalizes to a probability distribution. Every
// surviving vote adds to its key's mass; repeated votes for a key
// reinforce it rather than shadowing each other.
func Aggregate(cfg Config, votes []Vote, zeroShot map[string]float64) Result {
	ignored := make(map[string]struct{}, len(cfg.Ignore))
	for _, k := range cfg.Ignore {
		ignored[k] = struct{}{}
	}

	weights := make(map[string]float64)
	var order []string

	add := func(key string, w float64) {
		if _, skip := ignored[key]; skip || key == "" {
			return
		}
		if _, seen := weights[key]; !seen {
			order = append(order, key)
		}
		weights[key] += w
	}

	for _, v := range votes {
		if v.Confidence < cfg.Threshold {
			continue
		}
		w := v.Weight
		if w <= 0 {
			w = 1.0
		}
		add(v.Key, w*v.Confidence)
	}

	// Zero-shot keys enter in sorted order after the ensemble keys
	// so the tie-break stays deterministic across runs.
	zsKeys := make([]string, 0, len(zeroShot))
	for k := range zeroShot {
		zsKeys = append(zsKeys, k)
	}
	sort.Strings(zsKeys)
	for _, k := range zsKeys {
		add(k, cfg.ZeroShotWeight*zeroShot[k])
	}

	if len(order) == 0 {
		return Result{
			Top:      Candidate{Key: vocab.Unknown, Probability: 0.0},
			Severity: SeverityLow,
		}
	}

	mass := make([]float64, len(order))
	for i, k := range order {
		mass[i] = weights[k]
	}
	total := floats.Sum(mass)

	scores := make([]Candidate, len(order))
	for i, k := range order {
		scores[i] = Candidate{Key: k, Probability: mass[i] / total}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Probability > scores[j].Probability
	})

	top := scores[0]
	return Result{
		Top:      top,
		Severity: SeverityFor(top.Probability),
		Scores:   scores,
	}
}
