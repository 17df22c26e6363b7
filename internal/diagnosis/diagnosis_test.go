package diagnosis

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/greenday-app/leafdx/internal/classifier"
	"github.com/greenday-app/leafdx/internal/imgproc"
	"github.com/greenday-app/leafdx/internal/registry"
	"github.com/greenday-app/leafdx/internal/store"
	"github.com/greenday-app/leafdx/internal/testutil"
	"github.com/greenday-app/leafdx/internal/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClassifier struct {
	id      string
	weight  float64
	results [][]classifier.Prediction // per-call results, last repeats
	err     error
	calls   int
	mu      sync.Mutex
}

func (m *mockClassifier) ID() string { return m.id }
func (m *mockClassifier) Weight() float64 {
	if m.weight == 0 {
		return 1.0
	}
	return m.weight
}

func (m *mockClassifier) Classify(_ image.Image, _ int) ([]classifier.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.calls
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) == 0 {
		return nil, nil
	}
	if call >= len(m.results) {
		call = len(m.results) - 1
	}
	return m.results[call], nil
}

func (m *mockClassifier) Close() {}

func (m *mockClassifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockZeroShot struct {
	scores map[string]float64
	err    error
	calls  int
}

func (m *mockZeroShot) ScoreKeys(image.Image, *vocab.Vocabulary) (map[string]float64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.scores, nil
}
func (m *mockZeroShot) Close() {}

type fakeProvider struct {
	order  []string
	models map[string]*mockClassifier
	errs   map[string]error
	zs     registry.ZeroShot
	zsErr  error
}

func (f *fakeProvider) ClassifierIDs() []string { return f.order }

func (f *fakeProvider) Classifier(id string) (registry.Classifier, error) {
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if m, ok := f.models[id]; ok {
		return m, nil
	}
	return nil, registry.ErrUnknownModel
}

func (f *fakeProvider) ZeroShot() (registry.ZeroShot, error) {
	if f.zsErr != nil {
		return nil, f.zsErr
	}
	if f.zs == nil {
		return nil, registry.ErrNoZeroShot
	}
	return f.zs, nil
}

type memoryStore struct {
	mu      sync.Mutex
	records []*store.Record
	saveErr error
	findErr error
}

func (m *memoryStore) Save(_ context.Context, rec *store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if rec.ID == "" {
		rec.ID = "rec-1"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) FindByOwnerAndFingerprint(_ context.Context, owner string, fingerprint int64, since time.Time) (*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.OwnerID == owner && r.Fingerprint == fingerprint && !r.CreatedAt.Before(since) {
			return r, nil
		}
	}
	return nil, nil
}

type staticLocalizer struct{}

func (staticLocalizer) Localize(_ context.Context, key string) string { return "L:" + key }

func leafBytes(t *testing.T) []byte {
	t.Helper()
	return testutil.EncodePNG(t, testutil.LeafImage(t, 300, 300))
}

func singleModelProvider(preds ...classifier.Prediction) (*fakeProvider, *mockClassifier) {
	m := &mockClassifier{id: "m1", results: [][]classifier.Prediction{preds}}
	return &fakeProvider{
		order:  []string{"m1"},
		models: map[string]*mockClassifier{"m1": m},
	}, m
}

func TestDiagnoseRejectsInvalidImage(t *testing.T) {
	provider, m := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	d := New(DefaultConfig(), provider, &memoryStore{}, staticLocalizer{})

	_, err := d.Diagnose(context.Background(), []byte("junk"), DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, imgproc.ErrInvalidImage)
	assert.Equal(t, 0, m.callCount())
}

func TestDiagnoseHappyPath(t *testing.T) {
	provider, _ := singleModelProvider(
		classifier.Prediction{Label: "Tomato___Early_blight", Score: 0.9},
		classifier.Prediction{Label: "healthy", Score: 0.1},
	)
	ms := &memoryStore{}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})

	opts := DefaultOptions()
	opts.OwnerID = "owner-1"
	res, err := d.Diagnose(context.Background(), leafBytes(t), opts)
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.False(t, res.Cached)
	assert.Equal(t, "early_blight", res.Record.DiseaseKey)
	assert.Equal(t, "L:early_blight", res.Record.DiseaseLabel)
	assert.Equal(t, "HIGH", res.Record.Severity)
	assert.InDelta(t, 1.0, res.Record.Score, 1e-9)
	assert.Equal(t, "owner-1", res.Record.OwnerID)
	assert.NotZero(t, res.Record.ByteSize)
	assert.NotEmpty(t, res.Record.Thumbnail)
	assert.True(t, res.Record.Cropped)
	require.Len(t, ms.records, 1)
	require.Len(t, res.Record.PerModel, 1)
	assert.Equal(t, "m1", res.Record.PerModel[0].Model)
	assert.Equal(t, "Tomato___Early_blight", res.Record.PerModel[0].Label)
	assert.Equal(t, "early_blight", res.Record.PerModel[0].Key)
}

func TestDiagnoseCacheIdempotence(t *testing.T) {
	provider, m := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	ms := &memoryStore{}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})

	opts := DefaultOptions()
	opts.OwnerID = "owner-1"
	data := leafBytes(t)

	first, err := d.Diagnose(context.Background(), data, opts)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, m.callCount())

	second, err := d.Diagnose(context.Background(), data, opts)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	// The model must not run again for a cached photo.
	assert.Equal(t, 1, m.callCount())
	assert.Len(t, ms.records, 1)
}

func TestDiagnoseCacheScopedToOwner(t *testing.T) {
	provider, m := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	ms := &memoryStore{}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})
	data := leafBytes(t)

	opts := DefaultOptions()
	opts.OwnerID = "owner-1"
	_, err := d.Diagnose(context.Background(), data, opts)
	require.NoError(t, err)

	opts.OwnerID = "owner-2"
	res, err := d.Diagnose(context.Background(), data, opts)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, m.callCount())
}

func TestDiagnoseCacheReadErrorDegradesToMiss(t *testing.T) {
	provider, _ := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	ms := &memoryStore{findErr: errors.New("disk on fire")}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})

	res, err := d.Diagnose(context.Background(), leafBytes(t), DefaultOptions())
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestDiagnoseTTARunsAllVariants(t *testing.T) {
	provider, m := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	d := New(DefaultConfig(), provider, &memoryStore{}, staticLocalizer{})

	opts := DefaultOptions()
	opts.UseTTA = true
	res, err := d.Diagnose(context.Background(), leafBytes(t), opts)
	require.NoError(t, err)
	assert.Equal(t, 5, m.callCount())
	assert.True(t, res.Record.UsedTTA)
}

func TestDiagnoseTTACountSeenAveraging(t *testing.T) {
	// "steady" appears in all five passes at 0.5; "spike" only in the
	// first at 0.9. Count-seen averaging keeps spike at 0.9 rather
	// than diluting it to 0.18, so spike must win.
	perCall := [][]classifier.Prediction{
		{{Label: "steady", Score: 0.5}, {Label: "spike", Score: 0.9}},
		{{Label: "steady", Score: 0.5}},
		{{Label: "steady", Score: 0.5}},
		{{Label: "steady", Score: 0.5}},
		{{Label: "steady", Score: 0.5}},
	}
	m := &mockClassifier{id: "m1", results: perCall}
	provider := &fakeProvider{order: []string{"m1"}, models: map[string]*mockClassifier{"m1": m}}
	d := New(DefaultConfig(), provider, &memoryStore{}, staticLocalizer{})

	opts := DefaultOptions()
	opts.UseTTA = true
	res, err := d.Diagnose(context.Background(), leafBytes(t), opts)
	require.NoError(t, err)
	assert.Equal(t, "spike", res.Record.DiseaseKey)
}

func TestDiagnoseModelFailureIsolation(t *testing.T) {
	good := &mockClassifier{id: "good", results: [][]classifier.Prediction{{{Label: "scab", Score: 0.8}}}}
	bad := &mockClassifier{id: "bad", err: errors.New("session exploded")}
	provider := &fakeProvider{
		order:  []string{"bad", "good"},
		models: map[string]*mockClassifier{"bad": bad, "good": good},
	}
	d := New(DefaultConfig(), provider, &memoryStore{}, staticLocalizer{})

	res, err := d.Diagnose(context.Background(), leafBytes(t), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "scab", res.Record.DiseaseKey)
}

func TestDiagnoseAllModelsFailWithoutZeroShot(t *testing.T) {
	provider := &fakeProvider{
		order: []string{"m1", "m2"},
		errs: map[string]error{
			"m1": errors.New("missing file"),
			"m2": errors.New("missing file"),
		},
	}
	d := New(DefaultConfig(), provider, &memoryStore{}, staticLocalizer{})

	_, err := d.Diagnose(context.Background(), leafBytes(t), DefaultOptions())
	assert.ErrorIs(t, err, ErrInferenceUnavailable)
}

func TestDiagnoseAllInferencesFailDegradesToUnknown(t *testing.T) {
	m1 := &mockClassifier{id: "m1", err: errors.New("forward pass exploded")}
	m2 := &mockClassifier{id: "m2", err: errors.New("forward pass exploded")}
	provider := &fakeProvider{
		order:  []string{"m1", "m2"},
		models: map[string]*mockClassifier{"m1": m1, "m2": m2},
	}
	ms := &memoryStore{}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})

	res, err := d.Diagnose(context.Background(), leafBytes(t), DefaultOptions())
	require.NoError(t, err)

	// Both models loaded; failed forward passes degrade to an unknown
	// result, which is still part of the plant's history.
	assert.Equal(t, vocab.Unknown, res.Record.DiseaseKey)
	assert.Equal(t, "LOW", res.Record.Severity)
	assert.Zero(t, res.Record.Score)
	require.Len(t, ms.records, 1)
	assert.Equal(t, 1, m1.callCount())
	assert.Equal(t, 1, m2.callCount())
}

func TestDiagnoseZeroShotRescuesFailedEnsemble(t *testing.T) {
	provider := &fakeProvider{
		order: []string{"m1"},
		errs:  map[string]error{"m1": errors.New("missing file")},
		zs:    &mockZeroShot{scores: map[string]float64{"rust": 0.7}},
	}
	ms := &memoryStore{}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})

	opts := DefaultOptions()
	opts.IncludeZeroShot = true
	res, err := d.Diagnose(context.Background(), leafBytes(t), opts)
	require.NoError(t, err)
	assert.Equal(t, "rust", res.Record.DiseaseKey)
	assert.True(t, res.Record.UsedZeroShot)
}

func TestDiagnoseZeroShotFailureIsSoft(t *testing.T) {
	provider, _ := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	provider.zs = &mockZeroShot{err: errors.New("encoder gone")}
	d := New(DefaultConfig(), provider, &memoryStore{}, staticLocalizer{})

	opts := DefaultOptions()
	opts.IncludeZeroShot = true
	res, err := d.Diagnose(context.Background(), leafBytes(t), opts)
	require.NoError(t, err)
	assert.Equal(t, "rust", res.Record.DiseaseKey)
	assert.False(t, res.Record.UsedZeroShot)
}

func TestDiagnoseUnknownResultIsPersisted(t *testing.T) {
	// Predictions all below the noise floor leave nothing to
	// aggregate; the unknown outcome still lands in history.
	provider, _ := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.1})
	ms := &memoryStore{}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})

	res, err := d.Diagnose(context.Background(), leafBytes(t), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, vocab.Unknown, res.Record.DiseaseKey)
	assert.Equal(t, 0.0, res.Record.Score)
	assert.Equal(t, "LOW", res.Record.Severity)
	assert.Len(t, ms.records, 1)
}

func TestDiagnosePersistFailureIsHard(t *testing.T) {
	provider, _ := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	ms := &memoryStore{saveErr: errors.New("disk full")}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})

	_, err := d.Diagnose(context.Background(), leafBytes(t), DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist diagnosis")
}

func TestDiagnoseProgressStates(t *testing.T) {
	provider, _ := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	d := New(DefaultConfig(), provider, &memoryStore{}, staticLocalizer{})

	var states []State
	_, err := d.DiagnoseWithProgress(context.Background(), leafBytes(t), DefaultOptions(), func(s State) {
		states = append(states, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateReceived, StateFingerprinted, StateInferring,
		StateAggregating, StateLocalizing, StatePersisted, StateDone,
	}, states)
}

func TestDiagnoseProgressStatesOnCacheHit(t *testing.T) {
	provider, _ := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	ms := &memoryStore{}
	d := New(DefaultConfig(), provider, ms, staticLocalizer{})
	data := leafBytes(t)

	_, err := d.Diagnose(context.Background(), data, DefaultOptions())
	require.NoError(t, err)

	var states []State
	res, err := d.DiagnoseWithProgress(context.Background(), data, DefaultOptions(), func(s State) {
		states = append(states, s)
	})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, []State{StateReceived, StateFingerprinted, StateDone}, states)
}

func TestOptionsClamp(t *testing.T) {
	o := Options{TopK: 0}
	o.clamp()
	assert.Equal(t, 1, o.TopK)

	o = Options{TopK: 99}
	o.clamp()
	assert.Equal(t, 5, o.TopK)
}

func TestDiagnoseWithoutStoreOrLocalizer(t *testing.T) {
	provider, _ := singleModelProvider(classifier.Prediction{Label: "rust", Score: 0.9})
	d := New(DefaultConfig(), provider, nil, nil)

	res, err := d.Diagnose(context.Background(), leafBytes(t), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "rust", res.Record.DiseaseKey)
	assert.Equal(t, "rust", res.Record.DiseaseLabel)
}
