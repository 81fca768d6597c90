// Package onnx runs the pretrained digit-classifier artifact through ONNX
// Runtime. The model contract: float32 input of shape [1,1,28,28], output of
// shape [1,10] holding either probabilities or logits.
package onnx

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"idreader/internal/classify"
	"idreader/internal/idbox"
)

var (
	initOnce sync.Once
	initErr  error
)

func initRuntime(libPath string) error {
	initOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

type Engine struct {
	session *ort.DynamicAdvancedSession
}

// New loads the model once. Errors here are fatal to the whole pipeline
// invocation: every page depends on the model, so we refuse to start without
// it rather than fail page by page.
func New(modelPath, libPath, inputName, outputName string) (*Engine, error) {
	if err := initRuntime(libPath); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("load classifier model %s: %w", modelPath, err)
	}
	return &Engine{session: session}, nil
}

func (e *Engine) Name() string { return "onnx" }

func (e *Engine) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func (e *Engine) PredictProba(_ context.Context, bitmap []float32) ([]float64, error) {
	want := idbox.CanonicalSize * idbox.CanonicalSize
	if len(bitmap) != want {
		return nil, fmt.Errorf("bitmap has %d values, want %d", len(bitmap), want)
	}
	input, err := ort.NewTensor(ort.NewShape(1, 1, idbox.CanonicalSize, idbox.CanonicalSize), bitmap)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("classifier inference: %w", err)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	raw := tensor.GetData()
	if len(raw) != classify.NumClasses {
		return nil, fmt.Errorf("model returned %d scores, want %d", len(raw), classify.NumClasses)
	}
	return toProbabilities(raw), nil
}

// toProbabilities passes probability outputs through untouched and softmaxes
// logit outputs (anything negative or above 1).
func toProbabilities(raw []float32) []float64 {
	logits := false
	for _, v := range raw {
		if v < 0 || v > 1 {
			logits = true
			break
		}
	}
	out := make([]float64, len(raw))
	if !logits {
		for i, v := range raw {
			out[i] = float64(v)
		}
		return out
	}
	maxV := float64(raw[0])
	for _, v := range raw[1:] {
		maxV = math.Max(maxV, float64(v))
	}
	sum := 0.0
	for i, v := range raw {
		out[i] = math.Exp(float64(v) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
