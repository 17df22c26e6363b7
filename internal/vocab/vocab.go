// Package vocab defines the canonical disease-key vocabulary and the
// normalization of raw classifier labels onto it.
package vocab

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Unknown is the sentinel key used when no confident match exists.
// It is a real vocabulary member, never an empty string or nil.
const Unknown = "unknown"

//go:embed data/vocabulary.yaml
var defaultVocabularyYAML []byte

// Vocabulary holds the fixed set of canonical disease keys plus the
// synonym table used during label normalization.
type Vocabulary struct {
	keys     []string
	keySet   map[string]struct{}
	synonyms map[string]string
}

type vocabularyFile struct {
	Keys     []string          `yaml:"keys"`
	Synonyms map[string]string `yaml:"synonyms"`
}

// Load reads a vocabulary definition from r.
func Load(r io.Reader) (*Vocabulary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Vocabulary, error) {
	var f vocabularyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(f.Keys) == 0 {
		return nil, fmt.Errorf("vocabulary has no keys")
	}

	v := &Vocabulary{
		keys:     make([]string, 0, len(f.Keys)+1),
		keySet:   make(map[string]struct{}, len(f.Keys)+1),
		synonyms: make(map[string]string, len(f.Synonyms)),
	}
	for _, k := range f.Keys {
		k = normKey(k)
		if k == "" {
			continue
		}
		if _, dup := v.keySet[k]; dup {
			continue
		}
		v.keys = append(v.keys, k)
		v.keySet[k] = struct{}{}
	}
	if _, ok := v.keySet[Unknown]; !ok {
		v.keys = append(v.keys, Unknown)
		v.keySet[Unknown] = struct{}{}
	}
	for raw, canonical := range f.Synonyms {
		v.synonyms[normKey(raw)] = normKey(canonical)
	}
	return v, nil
}

var (
	defaultOnce sync.Once
	defaultV    *Vocabulary
)

// Default returns the built-in vocabulary shipped with the binary.
func Default() *Vocabulary {
	defaultOnce.Do(func() {
		v, err := parse(defaultVocabularyYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded vocabulary is invalid: %v", err))
		}
		defaultV = v
	})
	return defaultV
}

// Keys returns the canonical keys in their declared order.
func (v *Vocabulary) Keys() []string {
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Contains reports whether key is part of the canonical vocabulary.
func (v *Vocabulary) Contains(key string) bool {
	_, ok := v.keySet[key]
	return ok
}

// CandidatePhrases returns the human-readable forms of the canonical
// keys (underscores replaced with spaces), excluding the unknown
// sentinel. These are the candidate texts fed to zero-shot scoring.
func (v *Vocabulary) CandidatePhrases() []string {
	phrases := make([]string, 0, len(v.keys))
	for _, k := range v.keys {
		if k == Unknown {
			continue
		}
		phrases = append(phrases, strings.ReplaceAll(k, "_", " "))
	}
	return phrases
}

// Normalize maps a raw model label onto its canonical disease key.
// Species-prefixed labels are reduced to their disease half first.
// Labels that match nothing pass through in normalized form; filtering
// unvocabularied noise is the aggregator's job, not ours.
func (v *Vocabulary) Normalize(raw string) string {
	parsed := ParseLabel(raw)
	k := normKey(parsed.Disease)
	if canonical, ok := v.synonyms[k]; ok {
		return canonical
	}
	return k
}

// normKey lowercases, maps hyphens and spaces to underscores and
// collapses doubled underscores.
func normKey(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
