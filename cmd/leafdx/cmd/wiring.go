package cmd

import (
	"fmt"
	"time"

	"github.com/greenday-app/leafdx/internal/classifier"
	"github.com/greenday-app/leafdx/internal/config"
	"github.com/greenday-app/leafdx/internal/diagnosis"
	"github.com/greenday-app/leafdx/internal/localize"
	"github.com/greenday-app/leafdx/internal/onnx"
	"github.com/greenday-app/leafdx/internal/registry"
	"github.com/greenday-app/leafdx/internal/store"
	"github.com/greenday-app/leafdx/internal/zeroshot"
)

// pipeline bundles everything a diagnosing command needs, with a
// single Close for teardown order.
type pipeline struct {
	Diagnoser *diagnosis.Diagnoser
	Registry  *registry.Registry
	Store     *store.Store
	Localizer *localize.Localizer
}

func (p *pipeline) Close() error {
	p.Registry.Close()
	if p.Store != nil {
		return p.Store.Close()
	}
	return nil
}

// buildPipeline wires the registry, store, localizer and diagnoser
// from configuration. Models load lazily on first use, so a missing
// model file surfaces on the first request, not here.
func buildPipeline(cfg *config.Config, withStore bool) (*pipeline, error) {
	reg := buildRegistry(cfg)

	var st *store.Store
	if withStore {
		var err error
		st, err = store.Open(cfg.Database.Path)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("open record store: %w", err)
		}
	}

	loc := localize.New(cfg.Language)

	dcfg := diagnosis.DefaultConfig()
	dcfg.Aggregation.Threshold = cfg.Pipeline.Aggregate.Threshold
	dcfg.Aggregation.ZeroShotWeight = cfg.Pipeline.Aggregate.ZeroShotWeight
	dcfg.Aggregation.Ignore = cfg.Pipeline.Aggregate.Ignore
	dcfg.CacheTTL = cfg.Database.CacheTTL()
	if cfg.Pipeline.InferenceBudgetSec > 0 {
		dcfg.InferenceBudget = time.Duration(cfg.Pipeline.InferenceBudgetSec) * time.Second
	}

	var records diagnosis.RecordStore
	if st != nil {
		records = st
	}

	return &pipeline{
		Diagnoser: diagnosis.New(dcfg, reg, records, loc),
		Registry:  reg,
		Store:     st,
		Localizer: loc,
	}, nil
}

// buildRegistry registers lazy loaders for every configured model.
func buildRegistry(cfg *config.Config) *registry.Registry {
	reg := registry.New()
	gpu := gpuConfigFrom(cfg.GPU)

	for _, m := range cfg.Pipeline.Models {
		m := m
		reg.RegisterClassifier(m.ID, func() (registry.Classifier, error) {
			if err := onnx.EnsureInitialized(gpu.UseGPU); err != nil {
				return nil, err
			}
			ccfg := classifier.DefaultConfig()
			ccfg.ID = m.ID
			ccfg.Weight = m.Weight
			ccfg.ModelPath = m.ModelPath
			ccfg.LabelsPath = m.LabelsPath
			if m.InputSize > 0 {
				ccfg.InputSize = m.InputSize
			}
			ccfg.NumThreads = m.NumThreads
			ccfg.GPU = gpu
			return classifier.New(ccfg)
		})
	}

	if cfg.Pipeline.ZeroShot.Enabled {
		zcfg := cfg.Pipeline.ZeroShot
		reg.SetZeroShotLoader(func() (registry.ZeroShot, error) {
			if err := onnx.EnsureInitialized(gpu.UseGPU); err != nil {
				return nil, err
			}
			scfg := zeroshot.DefaultConfig()
			scfg.ModelPath = zcfg.ModelPath
			scfg.BankPath = zcfg.BankPath
			if zcfg.InputSize > 0 {
				scfg.InputSize = zcfg.InputSize
			}
			if zcfg.Temperature > 0 {
				scfg.Temperature = zcfg.Temperature
			}
			scfg.NumThreads = zcfg.NumThreads
			scfg.GPU = gpu
			return zeroshot.New(scfg)
		})
	}

	return reg
}

func gpuConfigFrom(settings config.GPUSettings) onnx.GPUConfig {
	gpu := onnx.DefaultGPUConfig()
	gpu.UseGPU = settings.Enabled
	gpu.DeviceID = settings.Device
	gpu.GPUMemLimit = settings.MemoryLimit
	return gpu
}
