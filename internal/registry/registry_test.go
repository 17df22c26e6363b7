package registry

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/greenday-app/leafdx/internal/classifier"
	"github.com/greenday-app/leafdx/internal/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	id     string
	closed bool
}

func (f *fakeClassifier) ID() string      { return f.id }
func (f *fakeClassifier) Weight() float64 { return 1.0 }
func (f *fakeClassifier) Classify(image.Image, int) ([]classifier.Prediction, error) {
	return nil, nil
}
func (f *fakeClassifier) Close() { f.closed = true }

type fakeZeroShot struct {
	closed bool
}

func (f *fakeZeroShot) ScoreKeys(image.Image, *vocab.Vocabulary) (map[string]float64, error) {
	return map[string]float64{}, nil
}
func (f *fakeZeroShot) Close() { f.closed = true }

func TestClassifierLoadsLazily(t *testing.T) {
	r := New()
	var loads atomic.Int32
	r.RegisterClassifier("m1", func() (Classifier, error) {
		loads.Add(1)
		return &fakeClassifier{id: "m1"}, nil
	})

	assert.Equal(t, int32(0), loads.Load())
	c, err := r.Classifier("m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", c.ID())
	assert.Equal(t, int32(1), loads.Load())
}

func TestClassifierLoadsOnceUnderConcurrency(t *testing.T) {
	r := New()
	var loads atomic.Int32
	r.RegisterClassifier("m1", func() (Classifier, error) {
		loads.Add(1)
		return &fakeClassifier{id: "m1"}, nil
	})

	var wg sync.WaitGroup
	for rngi := 0; rngi < 32; rngi++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Classifier("m1")
			assert.NoError(t, err)
			assert.NotNil(t, c)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}

func TestClassifierFailureIsRetried(t *testing.T) {
	r := New()
	var loads atomic.Int32
	r.RegisterClassifier("m1", func() (Classifier, error) {
		if loads.Add(1) == 1 {
			return nil, errors.New("model file missing")
		}
		return &fakeClassifier{id: "m1"}, nil
	})

	_, err := r.Classifier("m1")
	require.Error(t, err)

	c, err := r.Classifier("m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", c.ID())
	assert.Equal(t, int32(2), loads.Load())
}

func TestClassifierUnknownID(t *testing.T) {
	r := New()
	_, err := r.Classifier("nope")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestClassifierIDsPreserveOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"b", "a", "c"} {
		r.RegisterClassifier(id, func() (Classifier, error) {
			return &fakeClassifier{id: id}, nil
		})
	}
	assert.Equal(t, []string{"b", "a", "c"}, r.ClassifierIDs())
}

func TestZeroShotNotConfigured(t *testing.T) {
	r := New()
	_, err := r.ZeroShot()
	assert.ErrorIs(t, err, ErrNoZeroShot)
}

func TestZeroShotLoadsOnce(t *testing.T) {
	r := New()
	var loads atomic.Int32
	r.SetZeroShotLoader(func() (ZeroShot, error) {
		loads.Add(1)
		return &fakeZeroShot{}, nil
	})

	var wg sync.WaitGroup
	for rngi := 0; rngi < 16; rngi++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			zs, err := r.ZeroShot()
			assert.NoError(t, err)
			assert.NotNil(t, zs)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())
}

func TestLoadedCountAndClose(t *testing.T) {
	r := New()
	fc := &fakeClassifier{id: "m1"}
	fz := &fakeZeroShot{}
	r.RegisterClassifier("m1", func() (Classifier, error) { return fc, nil })
	r.SetZeroShotLoader(func() (ZeroShot, error) { return fz, nil })

	assert.Equal(t, 0, r.LoadedCount())
	_, err := r.Classifier("m1")
	require.NoError(t, err)
	_, err = r.ZeroShot()
	require.NoError(t, err)
	assert.Equal(t, 2, r.LoadedCount())

	r.Close()
	assert.Equal(t, 0, r.LoadedCount())
	assert.True(t, fc.closed)
	assert.True(t, fz.closed)
}
