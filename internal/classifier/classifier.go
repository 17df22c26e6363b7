// Package classifier wraps a single ONNX image-classification model:
// session lifecycle, input preparation and top-k prediction.
package classifier

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/greenday-app/leafdx/internal/onnx"
	onnxrt "github.com/yalue/onnxruntime_go"
)

// Config controls a single classifier model.
type Config struct {
	// ID names the model in logs, metrics and audit breakdowns.
	ID string
	// Weight scales this model's votes during aggregation.
	Weight    float64
	ModelPath string
	// LabelsPath points at a text file with one class label per line,
	// in output-index order.
	LabelsPath string
	// InputSize is the square side the input is resized to.
	InputSize  int
	NumThreads int
	GPU        onnx.GPUConfig
	// Mean and Std are per-channel normalization constants applied
	// after scaling pixels to 0..1.
	Mean [3]float32
	Std  [3]float32
}

// DefaultConfig provides sensible defaults for an ImageNet-style model.
func DefaultConfig() Config {
	return Config{
		Weight:     1.0,
		InputSize:  224,
		NumThreads: 0,
		GPU:        onnx.DefaultGPUConfig(),
		Mean:       [3]float32{0.485, 0.456, 0.406},
		Std:        [3]float32{0.229, 0.224, 0.225},
	}
}

// Prediction is one class with its softmax probability.
type Prediction struct {
	Label string
	Score float64
}

// Classifier runs top-k classification against one ONNX session.
type Classifier struct {
	cfg        Config
	session    *onnxrt.DynamicAdvancedSession
	inputInfo  onnxrt.InputOutputInfo
	outputInfo onnxrt.InputOutputInfo
	labels     []string
	inH, inW   int
}

// New opens the model session and loads its label file.
func New(cfg Config) (*Classifier, error) {
	if err := validateModelPath(cfg.ModelPath); err != nil {
		return nil, err
	}

	labels, err := loadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	if err := onnx.EnsureInitialized(cfg.GPU.UseGPU); err != nil {
		return nil, err
	}

	inputs, outputs, err := onnxrt.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("io info: %w", err)
	}

	in, out, err := validateModelIO(inputs, outputs)
	if err != nil {
		return nil, err
	}

	opts, err := createSessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying session options: %v\n", err)
		}
	}()

	sess, err := onnxrt.NewDynamicAdvancedSession(cfg.ModelPath, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	return buildClassifier(cfg, sess, in, out, labels), nil
}

func validateModelPath(modelPath string) error {
	if modelPath == "" {
		return errors.New("empty model path")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return err
	}
	return nil
}

// loadLabels reads one class label per line, skipping blanks.
func loadLabels(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("empty labels path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}

func validateModelIO(inputs, outputs []onnxrt.InputOutputInfo) (onnxrt.InputOutputInfo, onnxrt.InputOutputInfo, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{},
			fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}

	in := inputs[0]
	out := outputs[0]

	if len(in.Dimensions) != 4 {
		return onnxrt.InputOutputInfo{}, onnxrt.InputOutputInfo{},
			fmt.Errorf("expected 4D input, got %dD", len(in.Dimensions))
	}

	return in, out, nil
}

func createSessionOptions(cfg Config) (*onnxrt.SessionOptions, error) {
	opts, err := onnxrt.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session opts: %w", err)
	}

	if err := onnx.ConfigureSessionForGPU(opts, cfg.GPU); err != nil {
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}

	if cfg.NumThreads > 0 {
		_ = opts.SetIntraOpNumThreads(cfg.NumThreads)
	}

	return opts, nil
}

func buildClassifier(cfg Config, sess *onnxrt.DynamicAdvancedSession,
	in, out onnxrt.InputOutputInfo, labels []string,
) *Classifier {
	c := &Classifier{cfg: cfg, session: sess, inputInfo: in, outputInfo: out, labels: labels}

	if len(in.Dimensions) == 4 {
		if h := in.Dimensions[2]; h > 0 {
			c.inH = int(h)
		}
		if w := in.Dimensions[3]; w > 0 {
			c.inW = int(w)
		}
	}

	return c
}

// ID returns the model identifier used in audit output.
func (c *Classifier) ID() string { return c.cfg.ID }

// Weight returns the aggregation weight configured for this model.
func (c *Classifier) Weight() float64 { return c.cfg.Weight }

// Close releases the session.
func (c *Classifier) Close() {
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying session: %v\n", err)
		}
		c.session = nil
	}
}

// Classify returns the top-k predictions for img, ordered by
// descending probability.
func (c *Classifier) Classify(img image.Image, topK int) ([]Prediction, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if c.session == nil {
		return nil, errors.New("session closed")
	}

	input, cleanupInput, err := c.prepareInputTensor(img)
	if err != nil {
		return nil, err
	}
	defer cleanupInput()

	outputs, cleanupOutputs, err := c.runInference(input)
	if err != nil {
		return nil, err
	}
	defer cleanupOutputs()

	logits, err := c.extractLogits(outputs)
	if err != nil {
		return nil, err
	}

	return topPredictions(logits, c.labels, topK), nil
}

func (c *Classifier) prepareInputTensor(img image.Image) (*onnxrt.Tensor[float32], func(), error) {
	inH, inW := c.inH, c.inW
	if inH <= 0 || inW <= 0 {
		inH, inW = c.cfg.InputSize, c.cfg.InputSize
	}

	resized := imaging.Resize(img, inW, inH, imaging.Lanczos)
	data := normalizePixels(resized, inW, inH, c.cfg.Mean, c.cfg.Std)

	tensor, err := onnx.NewImageTensor(data, 3, inH, inW)
	if err != nil {
		return nil, nil, err
	}
	if err := onnx.VerifyImageTensor(tensor); err != nil {
		return nil, nil, err
	}

	input, err := onnxrt.NewTensor(onnxrt.NewShape(tensor.Shape...), tensor.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor: %w", err)
	}

	cleanup := func() {
		if err := input.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying input tensor: %v\n", err)
		}
	}

	return input, cleanup, nil
}

// normalizePixels converts to NCHW float32 with per-channel mean/std
// normalization on 0..1 pixel values.
func normalizePixels(img image.Image, w, h int, mean, std [3]float32) []float32 {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := nrgba.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			data[0*h*w+y*w+x] = (float32(r>>8)/255.0 - mean[0]) / std[0]
			data[1*h*w+y*w+x] = (float32(g>>8)/255.0 - mean[1]) / std[1]
			data[2*h*w+y*w+x] = (float32(b>>8)/255.0 - mean[2]) / std[2]
		}
	}
	return data
}

func (c *Classifier) runInference(input *onnxrt.Tensor[float32]) ([]onnxrt.Value, func(), error) {
	outputs := []onnxrt.Value{nil}
	if err := c.session.Run([]onnxrt.Value{input}, outputs); err != nil {
		return nil, nil, fmt.Errorf("run: %w", err)
	}

	cleanup := func() {
		for _, o := range outputs {
			if o != nil {
				if err := o.Destroy(); err != nil {
					fmt.Fprintf(os.Stderr, "Error destroying output tensor: %v\n", err)
				}
			}
		}
	}

	return outputs, cleanup, nil
}

func (c *Classifier) extractLogits(outputs []onnxrt.Value) ([]float32, error) {
	t, ok := outputs[0].(*onnxrt.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}

	shape := t.GetShape()
	if len(shape) != 2 || int(shape[1]) != len(c.labels) {
		return nil, fmt.Errorf("output shape %v does not match %d labels", shape, len(c.labels))
	}

	return t.GetData(), nil
}

// topPredictions converts logits to probabilities and keeps the k
// highest, preserving index order among equals.
func topPredictions(logits []float32, labels []string, k int) []Prediction {
	probs := softmax(logits)
	preds := make([]Prediction, 0, len(probs))
	for i, p := range probs {
		preds = append(preds, Prediction{Label: labels[i], Score: p})
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Score > preds[j].Score })
	if k > 0 && k < len(preds) {
		preds = preds[:k]
	}
	return preds
}

func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}

	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	var sum float64
	probs := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(float64(v - maxLogit))
		probs[i] = exp
		sum += exp
	}

	for i := range probs {
		probs[i] /= sum
	}

	return probs
}
