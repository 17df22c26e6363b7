package diagnosis

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sort"

	"github.com/greenday-app/leafdx/internal/aggregate"
	"github.com/greenday-app/leafdx/internal/augment"
	"github.com/greenday-app/leafdx/internal/classifier"
	"github.com/greenday-app/leafdx/internal/imgproc"
	"github.com/greenday-app/leafdx/internal/registry"
	"github.com/greenday-app/leafdx/internal/store"
)

// runEnsemble evaluates every registered classifier on the prepared
// image. Each model is isolated: a failed load or inference drops that
// model's votes and the run continues. loadedAny reports whether at
// least one session could be loaded; a loaded model whose forward pass
// fails still counts, so the run degrades to an unknown result instead
// of an unavailability error.
func (d *Diagnoser) runEnsemble(ctx context.Context, pre *imgproc.Result, opts Options) ([]aggregate.Vote, []store.ModelPrediction, bool) {
	var (
		votes     []aggregate.Vote
		audit     []store.ModelPrediction
		loadedAny bool
	)

	for _, id := range d.models.ClassifierIDs() {
		if ctx.Err() != nil {
			slog.Warn("Inference budget exhausted, skipping remaining models", "model", id)
			break
		}

		c, err := d.models.Classifier(id)
		if err != nil {
			slog.Warn("Model unavailable, continuing without it", "model", id, "error", err)
			continue
		}
		loadedAny = true

		preds, err := classify(ctx, c, pre.Image, opts.TopK, opts.UseTTA)
		if err != nil {
			slog.Warn("Model inference failed, continuing without it", "model", id, "error", err)
			continue
		}

		for _, p := range preds {
			key := d.cfg.Vocabulary.Normalize(p.Label)
			votes = append(votes, aggregate.Vote{
				Key:        key,
				Confidence: p.Score,
				Weight:     c.Weight(),
			})
			audit = append(audit, store.ModelPrediction{
				Model: c.ID(),
				Label: p.Label,
				Key:   key,
				Score: p.Score,
			})
		}
	}

	return votes, audit, loadedAny
}

// classify runs one model, with or without test-time augmentation.
func classify(ctx context.Context, c registry.Classifier, img image.Image, topK int, useTTA bool) ([]classifier.Prediction, error) {
	if !useTTA {
		return c.Classify(img, topK)
	}
	return classifyTTA(ctx, c, img, topK)
}

// classifyTTA averages predictions over the augmentation sequence.
// A label's sum is divided by the number of variants that actually
// produced it, so a label seen once at high confidence is not diluted
// by the variants whose top-k it missed.
func classifyTTA(ctx context.Context, c registry.Classifier, img image.Image, topK int) ([]classifier.Prediction, error) {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	var order []string

	ran := 0
	for _, variant := range augment.Variants(img) {
		if ctx.Err() != nil {
			break
		}
		preds, err := c.Classify(variant.Image, topK)
		if err != nil {
			slog.Warn("Augmented pass failed, continuing", "model", c.ID(), "variant", variant.Name, "error", err)
			continue
		}
		ran++
		for _, p := range preds {
			if _, seen := sums[p.Label]; !seen {
				order = append(order, p.Label)
			}
			sums[p.Label] += p.Score
			counts[p.Label]++
		}
	}
	if ran == 0 {
		return nil, errors.New("all augmented passes failed")
	}

	averaged := make([]classifier.Prediction, 0, len(order))
	for _, label := range order {
		averaged = append(averaged, classifier.Prediction{
			Label: label,
			Score: sums[label] / float64(counts[label]),
		})
	}
	sort.SliceStable(averaged, func(i, j int) bool { return averaged[i].Score > averaged[j].Score })
	if topK > 0 && topK < len(averaged) {
		averaged = averaged[:topK]
	}
	return averaged, nil
}
