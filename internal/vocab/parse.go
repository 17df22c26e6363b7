package vocab

import "strings"

// speciesSeparator is the exact delimiter used by plant-dataset label
// conventions ("Tomato___Early_blight"). Single or double underscores
// inside a disease name are never treated as a species split.
const speciesSeparator = "___"

// LabelKind discriminates the two shapes a raw model label can take.
type LabelKind int

const (
	// LabelPlain is a bare disease label with no species prefix.
	LabelPlain LabelKind = iota
	// LabelSpeciesPrefixed is a "Species___Disease" label.
	LabelSpeciesPrefixed
)

// ParsedLabel is the structured form of a raw model label. Species is
// empty unless Kind is LabelSpeciesPrefixed.
type ParsedLabel struct {
	Kind    LabelKind
	Species string
	Disease string
}

// ParseLabel splits a raw label into species and disease halves.
// Only the first triple-underscore separates; everything after it is
// the disease even if it contains further separators.
func ParseLabel(raw string) ParsedLabel {
	species, disease, found := strings.Cut(raw, speciesSeparator)
	if !found || strings.TrimSpace(species) == "" {
		return ParsedLabel{Kind: LabelPlain, Disease: raw}
	}
	if strings.TrimSpace(disease) == "" {
		// A trailing separator with nothing after it is not a
		// species split ("Tomato___" stays a plain label).
		return ParsedLabel{Kind: LabelPlain, Disease: raw}
	}
	return ParsedLabel{
		Kind:    LabelSpeciesPrefixed,
		Species: species,
		Disease: disease,
	}
}
