package onnx

import (
	"fmt"
	"strconv"

	onnxrt "github.com/yalue/onnxruntime_go"
)

// GPUConfig holds configuration for GPU acceleration using CUDA.
type GPUConfig struct {
	UseGPU                bool   // Enable GPU acceleration
	DeviceID              int    // CUDA device ID (default: 0)
	GPUMemLimit           uint64 // GPU memory limit in bytes (0 = unlimited)
	ArenaExtendStrategy   string // "kNextPowerOfTwo" or "kSameAsRequested"
	CUDNNConvAlgoSearch   string // "EXHAUSTIVE", "HEURISTIC", or "DEFAULT"
	DoCopyInDefaultStream bool
}

// DefaultGPUConfig returns default GPU configuration.
func DefaultGPUConfig() GPUConfig {
	return GPUConfig{
		UseGPU:                false,
		DeviceID:              0,
		GPUMemLimit:           0,
		ArenaExtendStrategy:   "kNextPowerOfTwo",
		CUDNNConvAlgoSearch:   "DEFAULT",
		DoCopyInDefaultStream: true,
	}
}

// ValidateGPUConfig checks if the GPU configuration is valid.
func ValidateGPUConfig(config GPUConfig) error {
	if !config.UseGPU {
		return nil
	}

	if config.DeviceID < 0 {
		return fmt.Errorf("device ID must be non-negative, got %d", config.DeviceID)
	}

	validStrategies := map[string]bool{
		"kNextPowerOfTwo":  true,
		"kSameAsRequested": true,
	}
	if config.ArenaExtendStrategy != "" && !validStrategies[config.ArenaExtendStrategy] {
		return fmt.Errorf("invalid arena extend strategy: %s (must be 'kNextPowerOfTwo' or "+
			"'kSameAsRequested')", config.ArenaExtendStrategy)
	}

	validAlgoSearch := map[string]bool{
		"EXHAUSTIVE": true,
		"HEURISTIC":  true,
		"DEFAULT":    true,
	}
	if config.CUDNNConvAlgoSearch != "" && !validAlgoSearch[config.CUDNNConvAlgoSearch] {
		return fmt.Errorf("invalid CUDNN conv algo search: %s (must be 'EXHAUSTIVE', 'HEURISTIC', or "+
			"'DEFAULT')", config.CUDNNConvAlgoSearch)
	}

	return nil
}

// ConfigureSessionForGPU configures an ONNX Runtime session to use GPU
// acceleration. A no-op when GPU is not requested.
func ConfigureSessionForGPU(sessionOptions *onnxrt.SessionOptions, gpuConfig GPUConfig) error {
	if !gpuConfig.UseGPU {
		return nil
	}

	cudaOpts, err := onnxrt.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("failed to create CUDA provider options (GPU may not be available): %w", err)
	}
	defer func() {
		if destroyErr := cudaOpts.Destroy(); destroyErr != nil {
			fmt.Printf("Warning: failed to destroy CUDA provider options: %v\n", destroyErr)
		}
	}()

	cudaSettings := make(map[string]string)
	cudaSettings["device_id"] = strconv.Itoa(gpuConfig.DeviceID)

	if gpuConfig.GPUMemLimit > 0 {
		cudaSettings["gpu_mem_limit"] = strconv.FormatUint(gpuConfig.GPUMemLimit, 10)
	}

	if gpuConfig.ArenaExtendStrategy != "" {
		cudaSettings["arena_extend_strategy"] = gpuConfig.ArenaExtendStrategy
	}

	if gpuConfig.CUDNNConvAlgoSearch != "" {
		cudaSettings["cudnn_conv_algo_search"] = gpuConfig.CUDNNConvAlgoSearch
	}

	if gpuConfig.DoCopyInDefaultStream {
		cudaSettings["do_copy_in_default_stream"] = "1"
	} else {
		cudaSettings["do_copy_in_default_stream"] = "0"
	}

	if err := cudaOpts.Update(cudaSettings); err != nil {
		return fmt.Errorf("failed to update CUDA provider options: %w", err)
	}

	if err := sessionOptions.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		return fmt.Errorf("failed to append CUDA execution provider: %w", err)
	}

	return nil
}
