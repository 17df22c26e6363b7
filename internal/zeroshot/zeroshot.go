// Package zeroshot scores a leaf photo against the canonical
// vocabulary with a CLIP-style image encoder. The text side of the
// model is precomputed offline: an embedding bank file ships next to
// the encoder with one L2-normalized vector per candidate phrase.
package zeroshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/greenday-app/leafdx/internal/onnx"
	"github.com/greenday-app/leafdx/internal/vocab"
	onnxrt "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/floats"
)

// Config controls the zero-shot scorer.
type Config struct {
	ModelPath string
	// BankPath points at the JSON text-embedding bank.
	BankPath   string
	InputSize  int
	NumThreads int
	GPU        onnx.GPUConfig
	// Temperature scales cosine similarities before the softmax,
	// matching the logit scale the encoder was trained with.
	Temperature float64
	Mean        [3]float32
	Std         [3]float32
}

// DefaultConfig provides defaults matching standard CLIP preprocessing.
func DefaultConfig() Config {
	return Config{
		InputSize:   224,
		NumThreads:  0,
		GPU:         onnx.DefaultGPUConfig(),
		Temperature: 100.0,
		Mean:        [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:         [3]float32{0.26862954, 0.26130258, 0.27577711},
	}
}

// bankFile is the on-disk shape of the embedding bank.
type bankFile struct {
	Dim        int                  `json:"dim"`
	Embeddings map[string][]float64 `json:"embeddings"`
}

// Scorer holds the encoder session and the text-embedding bank.
type Scorer struct {
	cfg        Config
	session    *onnxrt.DynamicAdvancedSession
	inputInfo  onnxrt.InputOutputInfo
	outputInfo onnxrt.InputOutputInfo
	bank       map[string][]float64
	dim        int
	inH, inW   int
}

// New opens the encoder session and loads the embedding bank.
func New(cfg Config) (*Scorer, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("empty model path")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, err
	}

	bank, dim, err := loadBank(cfg.BankPath)
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
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}

	opts, err := onnxrt.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session opts: %w", err)
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying session options: %v\n", err)
		}
	}()

	if err := onnx.ConfigureSessionForGPU(opts, cfg.GPU); err != nil {
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}
	if cfg.NumThreads > 0 {
		_ = opts.SetIntraOpNumThreads(cfg.NumThreads)
	}

	sess, err := onnxrt.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Scorer{
		cfg:        cfg,
		session:    sess,
		inputInfo:  inputs[0],
		outputInfo: outputs[0],
		bank:       bank,
		dim:        dim,
	}
	if len(inputs[0].Dimensions) == 4 {
		if h := inputs[0].Dimensions[2]; h > 0 {
			s.inH = int(h)
		}
		if w := inputs[0].Dimensions[3]; w > 0 {
			s.inW = int(w)
		}
	}
	return s, nil
}

// loadBank parses the embedding bank and verifies vector dimensions.
func loadBank(path string) (map[string][]float64, int, error) {
	if path == "" {
		return nil, 0, errors.New("empty bank path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read embedding bank: %w", err)
	}

	var f bankFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, 0, fmt.Errorf("parse embedding bank: %w", err)
	}
	if f.Dim <= 0 || len(f.Embeddings) == 0 {
		return nil, 0, errors.New("embedding bank is empty")
	}
	for phrase, vec := range f.Embeddings {
		if len(vec) != f.Dim {
			return nil, 0, fmt.Errorf("embedding %q has dim %d, want %d", phrase, len(vec), f.Dim)
		}
	}
	return f.Embeddings, f.Dim, nil
}

// Close releases the session.
func (s *Scorer) Close() {
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying session: %v\n", err)
		}
		s.session = nil
	}
}

// ScoreKeys encodes img and returns similarity scores per canonical
// vocabulary key. When several candidate phrases normalize to the same
// key, the highest score wins.
func (s *Scorer) ScoreKeys(img image.Image, v *vocab.Vocabulary) (map[string]float64, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if s.session == nil {
		return nil, errors.New("session closed")
	}

	imgVec, err := s.encodeImage(img)
	if err != nil {
		return nil, err
	}

	return scoreVector(imgVec, v, s.bank, s.cfg.Temperature), nil
}

// scoreVector compares an L2-normalized image embedding against the
// bank: cosine similarity, temperature softmax over the candidate set,
// then a per-canonical-key max fold.
func scoreVector(imgVec []float64, v *vocab.Vocabulary, bank map[string][]float64, temperature float64) map[string]float64 {
	phrases := v.CandidatePhrases()

	sims := make([]float64, 0, len(phrases))
	valid := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		text, ok := bank[phrase]
		if !ok {
			continue
		}
		sims = append(sims, floats.Dot(imgVec, text))
		valid = append(valid, phrase)
	}
	if len(sims) == 0 {
		return map[string]float64{}
	}

	probs := temperatureSoftmax(sims, temperature)

	scores := make(map[string]float64, len(valid))
	for i, phrase := range valid {
		key := v.Normalize(phrase)
		if probs[i] > scores[key] {
			scores[key] = probs[i]
		}
	}
	return scores
}

func temperatureSoftmax(sims []float64, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}

	maxSim := sims[0]
	for _, v := range sims[1:] {
		if v > maxSim {
			maxSim = v
		}
	}

	probs := make([]float64, len(sims))
	var sum float64
	for i, v := range sims {
		probs[i] = math.Exp(temperature * (v - maxSim))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// encodeImage runs the encoder and L2-normalizes its output vector.
func (s *Scorer) encodeImage(img image.Image) ([]float64, error) {
	inH, inW := s.inH, s.inW
	if inH <= 0 || inW <= 0 {
		inH, inW = s.cfg.InputSize, s.cfg.InputSize
	}

	resized := imaging.Resize(img, inW, inH, imaging.Lanczos)
	data := normalizePixels(resized, inW, inH, s.cfg.Mean, s.cfg.Std)

	tensor, err := onnx.NewImageTensor(data, 3, inH, inW)
	if err != nil {
		return nil, err
	}
	input, err := onnxrt.NewTensor(onnxrt.NewShape(tensor.Shape...), tensor.Data)
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}
	defer func() {
		if err := input.Destroy(); err != nil {
			fmt.Fprintf(os.Stderr, "Error destroying input tensor: %v\n", err)
		}
	}()

	outputs := []onnxrt.Value{nil}
	if err := s.session.Run([]onnxrt.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				if err := o.Destroy(); err != nil {
					fmt.Fprintf(os.Stderr, "Error destroying output tensor: %v\n", err)
				}
			}
		}
	}()

	t, ok := outputs[0].(*onnxrt.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	raw := t.GetData()
	if len(raw) != s.dim {
		return nil, fmt.Errorf("encoder produced dim %d, bank has %d", len(raw), s.dim)
	}

	vec := make([]float64, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	norm := floats.Norm(vec, 2)
	if norm == 0 {
		return nil, errors.New("zero-norm image embedding")
	}
	floats.Scale(1/norm, vec)
	return vec, nil
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
