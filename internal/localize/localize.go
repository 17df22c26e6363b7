// Package localize turns canonical disease keys into display labels.
// Resolution order: built-in override dictionary, injected translator,
// humanized key fallback.
package localize

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed data/labels_ko.yaml
var koreanLabelsYAML []byte

// Translator is an external translation collaborator. Failures are
// soft; the localizer falls back to the humanized key.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// Localizer resolves display labels for one target language.
type Localizer struct {
	lang       string
	overrides  map[string]string
	translator Translator
	titler     cases.Caser
}

// Option configures a Localizer.
type Option func(*Localizer)

// WithTranslator installs an external translator used for keys the
// override dictionary does not cover.
func WithTranslator(t Translator) Option {
	return func(l *Localizer) { l.translator = t }
}

var (
	koOnce      sync.Once
	koOverrides map[string]string
)

func koreanOverrides() map[string]string {
	koOnce.Do(func() {
		if err := yaml.Unmarshal(koreanLabelsYAML, &koOverrides); err != nil {
			panic(fmt.Sprintf("embedded korean labels are invalid: %v", err))
		}
	})
	return koOverrides
}

// New builds a localizer for the given BCP 47 language tag. Korean
// ships with a full override dictionary; other languages rely on the
// translator and the humanized fallback.
func New(lang string, opts ...Option) *Localizer {
	l := &Localizer{
		lang:   lang,
		titler: cases.Title(language.English),
	}
	if strings.HasPrefix(strings.ToLower(lang), "ko") {
		l.overrides = koreanOverrides()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Localize resolves the display label for a canonical key.
func (l *Localizer) Localize(ctx context.Context, key string) string {
	if label, ok := l.overrides[key]; ok {
		return label
	}

	human := Humanize(key, l.titler)

	if l.translator != nil && l.lang != "" && !strings.HasPrefix(strings.ToLower(l.lang), "en") {
		translated, err := l.translator.Translate(ctx, human, l.lang)
		if err != nil {
			slog.Warn("Label translation failed, using fallback", "key", key, "lang", l.lang, "error", err)
		} else if translated != "" {
			return translated
		}
	}

	return human
}

// Humanize converts a canonical key into English title case.
func Humanize(key string, titler cases.Caser) string {
	return titler.String(strings.ReplaceAll(key, "_", " "))
}
