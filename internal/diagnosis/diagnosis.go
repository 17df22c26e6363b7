// Package diagnosis orchestrates a full diagnosis run: preprocess,
// cache lookup, ensemble and zero-shot inference, aggregation,
// localization and persistence.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/greenday-app/leafdx/internal/aggregate"
	"github.com/greenday-app/leafdx/internal/imgproc"
	"github.com/greenday-app/leafdx/internal/registry"
	"github.com/greenday-app/leafdx/internal/store"
	"github.com/greenday-app/leafdx/internal/vocab"
)

// ErrInferenceUnavailable means no classifier could be loaded and no
// zero-shot scores were produced, so nothing could look at the image.
var ErrInferenceUnavailable = errors.New("inference layer unavailable")

// State is one stage of a diagnosis run, in execution order.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateFingerprinted State = "FINGERPRINTED"
	StateInferring     State = "INFERRING"
	StateAggregating   State = "AGGREGATING"
	StateLocalizing    State = "LOCALIZING"
	StatePersisted     State = "PERSISTED"
	StateDone          State = "DONE"
)

// ProgressFunc observes state transitions during a run.
type ProgressFunc func(state State)

// Options controls one diagnosis request.
type Options struct {
	OwnerID string
	// TopK bounds per-model predictions, clamped to 1..5.
	TopK int
	// UsePreprocess toggles the content crop. Orientation correction
	// always applies.
	UsePreprocess   bool
	UseTTA          bool
	IncludeZeroShot bool
	IncludePerModel bool
	IncludeAdvice   bool
}

// DefaultOptions returns the request defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          3,
		UsePreprocess: true,
	}
}

func (o *Options) clamp() {
	if o.TopK < 1 {
		o.TopK = 1
	}
	if o.TopK > 5 {
		o.TopK = 5
	}
}

// ModelProvider supplies lazily loaded models.
type ModelProvider interface {
	ClassifierIDs() []string
	Classifier(id string) (registry.Classifier, error)
	ZeroShot() (registry.ZeroShot, error)
}

// RecordStore is the persistence surface the orchestrator needs.
type RecordStore interface {
	Save(ctx context.Context, rec *store.Record) error
	FindByOwnerAndFingerprint(ctx context.Context, owner string, fingerprint int64, since time.Time) (*store.Record, error)
}

// Localizer resolves display labels for canonical keys.
type Localizer interface {
	Localize(ctx context.Context, key string) string
}

// Config holds run-independent orchestrator settings.
type Config struct {
	Aggregation aggregate.Config
	CacheTTL    time.Duration
	// InferenceBudget bounds the whole inference stage. Zero means
	// no budget beyond the request context.
	InferenceBudget time.Duration
	Vocabulary      *vocab.Vocabulary
}

// DefaultConfig returns the standard orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Aggregation:     aggregate.DefaultConfig(),
		CacheTTL:        store.DefaultTTL,
		InferenceBudget: 30 * time.Second,
		Vocabulary:      vocab.Default(),
	}
}

// Result is the outcome of a diagnosis run.
type Result struct {
	Record *store.Record
	Cached bool
}

// Diagnoser runs diagnoses against injected collaborators.
type Diagnoser struct {
	cfg       Config
	models    ModelProvider
	records   RecordStore
	localizer Localizer
}

// New wires a Diagnoser. records and localizer may be nil in tests;
// a nil record store disables caching and persistence.
func New(cfg Config, models ModelProvider, records RecordStore, localizer Localizer) *Diagnoser {
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = vocab.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = store.DefaultTTL
	}
	return &Diagnoser{cfg: cfg, models: models, records: records, localizer: localizer}
}

// Diagnose runs the full pipeline on raw image bytes.
func (d *Diagnoser) Diagnose(ctx context.Context, data []byte, opts Options) (*Result, error) {
	return d.DiagnoseWithProgress(ctx, data, opts, nil)
}

// DiagnoseWithProgress is Diagnose with state-transition callbacks.
// Only two failures are hard: undecodable input and a persistence
// write error. Every other problem degrades and is reflected in the
// stored record instead of an error.
func (d *Diagnoser) DiagnoseWithProgress(ctx context.Context, data []byte, opts Options, progress ProgressFunc) (*Result, error) {
	opts.clamp()
	report := func(s State) {
		if progress != nil {
			progress(s)
		}
	}

	report(StateReceived)
	pre, err := imgproc.Preprocess(data, opts.UsePreprocess)
	if err != nil {
		return nil, err
	}
	report(StateFingerprinted)

	if cached := d.lookupCache(ctx, opts.OwnerID, pre.Fingerprint); cached != nil {
		report(StateDone)
		return &Result{Record: cached, Cached: true}, nil
	}

	report(StateInferring)
	inferCtx := ctx
	if d.cfg.InferenceBudget > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(ctx, d.cfg.InferenceBudget)
		defer cancel()
	}

	votes, audit, loadedAny := d.runEnsemble(inferCtx, pre, opts)

	var zsScores map[string]float64
	if opts.IncludeZeroShot {
		zsScores = d.runZeroShot(inferCtx, pre, opts)
	}

	if !loadedAny && len(zsScores) == 0 {
		return nil, ErrInferenceUnavailable
	}

	report(StateAggregating)
	agg := aggregate.Aggregate(d.cfg.Aggregation, votes, zsScores)

	report(StateLocalizing)
	label := agg.Top.Key
	if d.localizer != nil {
		label = d.localizer.Localize(ctx, agg.Top.Key)
	}

	rec := &store.Record{
		OwnerID:      opts.OwnerID,
		Fingerprint:  pre.Fingerprint,
		DiseaseKey:   agg.Top.Key,
		DiseaseLabel: label,
		Score:        agg.Top.Probability,
		Severity:     string(agg.Severity),
		Candidates:   candidatesFrom(agg.Scores),
		PerModel:     audit,
		UsedTTA:      opts.UseTTA,
		UsedZeroShot: len(zsScores) > 0,
		Cropped:      pre.Cropped,
		Width:        pre.Width,
		Height:       pre.Height,
		ByteSize:     len(data),
		Thumbnail:    pre.Thumbnail,
	}

	// Unknown results are persisted too; a failed identification is
	// still part of the plant's history.
	if d.records != nil {
		// The record survives a client disconnect, so the write does
		// not use the request context.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := d.records.Save(saveCtx, rec); err != nil {
			return nil, fmt.Errorf("persist diagnosis: %w", err)
		}
	}
	report(StatePersisted)
	report(StateDone)

	return &Result{Record: rec}, nil
}

// lookupCache returns a fresh cached record or nil. Read errors are a
// cache miss, never a request failure.
func (d *Diagnoser) lookupCache(ctx context.Context, owner string, fingerprint int64) *store.Record {
	if d.records == nil {
		return nil
	}
	since := time.Now().Add(-d.cfg.CacheTTL)
	rec, err := d.records.FindByOwnerAndFingerprint(ctx, owner, fingerprint, since)
	if err != nil {
		slog.Warn("Cache lookup failed, treating as miss", "owner", owner, "error", err)
		return nil
	}
	return rec
}

// runZeroShot scores the image against the vocabulary, failing soft.
func (d *Diagnoser) runZeroShot(ctx context.Context, pre *imgproc.Result, opts Options) map[string]float64 {
	if ctx.Err() != nil {
		slog.Warn("Skipping zero-shot scoring, inference budget exhausted")
		return nil
	}
	zs, err := d.models.ZeroShot()
	if err != nil {
		slog.Warn("Zero-shot scorer unavailable", "error", err)
		return nil
	}
	scores, err := zs.ScoreKeys(pre.Image, d.cfg.Vocabulary)
	if err != nil {
		slog.Warn("Zero-shot scoring failed", "error", err)
		return nil
	}
	return scores
}

func candidatesFrom(scores []aggregate.Candidate) []store.Candidate {
	out := make([]store.Candidate, len(scores))
	for i, c := range scores {
		out[i] = store.Candidate{Key: c.Key, Probability: c.Probability}
	}
	return out
}
