package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewImageTensor(t *testing.T) {
	data := make([]float32, 3*4*5)
	tensor, err := NewImageTensor(data, 3, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4, 5}, tensor.Shape)
	assert.NoError(t, VerifyImageTensor(tensor))
}

func TestNewImageTensorRejectsBadLength(t *testing.T) {
	_, err := NewImageTensor(make([]float32, 10), 3, 4, 5)
	assert.Error(t, err)
}

func TestNewImageTensorRejectsNil(t *testing.T) {
	_, err := NewImageTensor(nil, 3, 4, 5)
	assert.Error(t, err)
}

func TestValidateNCHW(t *testing.T) {
	assert.NoError(t, ValidateNCHW([]int64{1, 3, 224, 224}))
	assert.Error(t, ValidateNCHW([]int64{1, 3, 224}))
	assert.Error(t, ValidateNCHW([]int64{1, 0, 224, 224}))
}

func TestVerifyImageTensorMismatch(t *testing.T) {
	tensor := Tensor{Data: make([]float32, 7), Shape: []int64{1, 3, 2, 2}}
	assert.Error(t, VerifyImageTensor(tensor))
}

func TestValidateGPUConfig(t *testing.T) {
	assert.NoError(t, ValidateGPUConfig(DefaultGPUConfig()))

	cfg := DefaultGPUConfig()
	cfg.UseGPU = true
	cfg.DeviceID = -1
	assert.Error(t, ValidateGPUConfig(cfg))

	cfg = DefaultGPUConfig()
	cfg.UseGPU = true
	cfg.ArenaExtendStrategy = "bogus"
	assert.Error(t, ValidateGPUConfig(cfg))
}
