package localize

import (
	"context"
	"errors"
	"testing"

	"github.com/greenday-app/leafdx/internal/vocab"
	"github.com/stretchr/testify/assert"
)

type fakeTranslator struct {
	result string
	err    error
	calls  int
}

func (f *fakeTranslator) Translate(_ context.Context, text, targetLang string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.result, nil
}

func TestKoreanOverrides(t *testing.T) {
	l := New("ko")
	ctx := context.Background()
	assert.Equal(t, "흰가루병", l.Localize(ctx, "powdery_mildew"))
	assert.Equal(t, "알 수 없음", l.Localize(ctx, vocab.Unknown))
}

func TestKoreanOverridesCoverVocabulary(t *testing.T) {
	l := New("ko")
	for _, key := range vocab.Default().Keys() {
		_, ok := l.overrides[key]
		assert.True(t, ok, "missing korean label for %s", key)
	}
}

func TestEnglishHumanizesWithoutTranslator(t *testing.T) {
	l := New("en")
	assert.Equal(t, "Powdery Mildew", l.Localize(context.Background(), "powdery_mildew"))
	assert.Equal(t, "Unknown", l.Localize(context.Background(), "unknown"))
}

func TestTranslatorUsedForUncoveredLanguage(t *testing.T) {
	tr := &fakeTranslator{result: "Mehltau"}
	l := New("de", WithTranslator(tr))
	got := l.Localize(context.Background(), "powdery_mildew")
	assert.Equal(t, "Mehltau", got)
	assert.Equal(t, 1, tr.calls)
}

func TestTranslatorNotCalledForEnglish(t *testing.T) {
	tr := &fakeTranslator{result: "should not appear"}
	l := New("en", WithTranslator(tr))
	got := l.Localize(context.Background(), "leaf_spot")
	assert.Equal(t, "Leaf Spot", got)
	assert.Equal(t, 0, tr.calls)
}

func TestTranslatorFailureFallsBack(t *testing.T) {
	tr := &fakeTranslator{err: errors.New("service down")}
	l := New("de", WithTranslator(tr))
	got := l.Localize(context.Background(), "leaf_spot")
	assert.Equal(t, "Leaf Spot", got)
}

func TestKoreanOverrideWinsOverTranslator(t *testing.T) {
	tr := &fakeTranslator{result: "should not appear"}
	l := New("ko", WithTranslator(tr))
	got := l.Localize(context.Background(), "rust")
	assert.Equal(t, "녹병", got)
	assert.Equal(t, 0, tr.calls)
}
