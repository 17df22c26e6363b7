// Package registry owns process-wide model lifecycle: classifiers and
// the zero-shot scorer load lazily on first use and stay resident.
package registry

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/greenday-app/leafdx/internal/classifier"
	"github.com/greenday-app/leafdx/internal/vocab"
)

// ErrUnknownModel is returned for a model ID nothing registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrNoZeroShot is returned when zero-shot scoring is not configured.
var ErrNoZeroShot = errors.New("zero-shot scorer not configured")

// Classifier is the ensemble-facing surface of a loaded model.
type Classifier interface {
	ID() string
	Weight() float64
	Classify(img image.Image, topK int) ([]classifier.Prediction, error)
	Close()
}

// ZeroShot is the scoring surface of the zero-shot model.
type ZeroShot interface {
	ScoreKeys(img image.Image, v *vocab.Vocabulary) (map[string]float64, error)
	Close()
}

// ClassifierLoader constructs a classifier on first use.
type ClassifierLoader func() (Classifier, error)

// ZeroShotLoader constructs the zero-shot scorer on first use.
type ZeroShotLoader func() (ZeroShot, error)

// Registry lazily loads models behind a single lock. A failed load is
// not cached; the next request retries, so a transient failure (model
// file appearing late, runtime hiccup) heals without a restart.
type Registry struct {
	mu sync.RWMutex

	order       []string
	loaders     map[string]ClassifierLoader
	classifiers map[string]Classifier

	zsLoader ZeroShotLoader
	zs       ZeroShot
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		loaders:     make(map[string]ClassifierLoader),
		classifiers: make(map[string]Classifier),
	}
}

// RegisterClassifier adds a lazy classifier under id. Registration
// order is the ensemble evaluation order.
func (r *Registry) RegisterClassifier(id string, loader ClassifierLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loaders[id]; !exists {
		r.order = append(r.order, id)
	}
	r.loaders[id] = loader
}

// SetZeroShotLoader installs the lazy zero-shot constructor.
func (r *Registry) SetZeroShotLoader(loader ZeroShotLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zsLoader = loader
}

// ClassifierIDs returns registered model IDs in ensemble order.
func (r *Registry) ClassifierIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Classifier returns the loaded model for id, loading it on first use.
func (r *Registry) Classifier(id string) (Classifier, error) {
	r.mu.RLock()
	if c, ok := r.classifiers[id]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another request may have loaded it while we waited.
	if c, ok := r.classifiers[id]; ok {
		return c, nil
	}

	loader, ok := r.loaders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	c, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", id, err)
	}
	r.classifiers[id] = c
	return c, nil
}

// ZeroShot returns the zero-shot scorer, loading it on first use.
func (r *Registry) ZeroShot() (ZeroShot, error) {
	r.mu.RLock()
	if r.zs != nil {
		zs := r.zs
		r.mu.RUnlock()
		return zs, nil
	}
	loader := r.zsLoader
	r.mu.RUnlock()

	if loader == nil {
		return nil, ErrNoZeroShot
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.zs != nil {
		return r.zs, nil
	}
	zs, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load zero-shot model: %w", err)
	}
	r.zs = zs
	return zs, nil
}

// LoadedCount reports how many models are resident, for metrics.
func (r *Registry) LoadedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.classifiers)
	if r.zs != nil {
		n++
	}
	return n
}

// Close releases every loaded model.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.classifiers {
		c.Close()
		delete(r.classifiers, id)
	}
	if r.zs != nil {
		r.zs.Close()
		r.zs = nil
	}
}
