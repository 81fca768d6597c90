// Package gemini is an alternative classifier engine that asks a Gemini
// vision model to read each digit bitmap. The model reports one digit plus a
// confidence; the rest of the probability mass is spread evenly over the
// other nine classes so downstream scoring sees a full 10-way vector.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"idreader/internal/classify"
	"idreader/internal/idbox"
)

type Engine struct {
	APIKey string
	Model  string
}

func New(apiKey, model string) *Engine {
	return &Engine{
		APIKey: strings.TrimSpace(apiKey),
		Model:  strings.TrimSpace(model),
	}
}

func (e *Engine) Name() string { return "gemini" }

func (e *Engine) Close() error { return nil }

const prompt = `The image is a single handwritten digit, white stroke on black, 28x28 pixels.
Identify the digit. Return STRICT JSON: {"digit": <0-9>, "confidence": <0..1>}`

func (e *Engine) PredictProba(ctx context.Context, bitmap []float32) ([]float64, error) {
	if e.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	img, err := encodePNG(bitmap)
	if err != nil {
		return nil, err
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	m := cl.GenerativeModel(e.Model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt), genai.ImageData("png", img))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}

	var out struct {
		Digit      int     `json:"digit"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(sb.String())), &out); err != nil {
		return nil, fmt.Errorf("gemini: bad JSON %q: %w", sb.String(), err)
	}
	if out.Digit < 0 || out.Digit > 9 {
		return nil, fmt.Errorf("gemini: digit %d out of range", out.Digit)
	}
	conf := out.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.5
	}

	probs := make([]float64, classify.NumClasses)
	rest := (1 - conf) / float64(classify.NumClasses-1)
	for i := range probs {
		probs[i] = rest
	}
	probs[out.Digit] = conf
	return probs, nil
}

func encodePNG(bitmap []float32) ([]byte, error) {
	want := idbox.CanonicalSize * idbox.CanonicalSize
	if len(bitmap) != want {
		return nil, fmt.Errorf("bitmap has %d values, want %d", len(bitmap), want)
	}
	grey := image.NewGray(image.Rect(0, 0, idbox.CanonicalSize, idbox.CanonicalSize))
	for i, v := range bitmap {
		grey.Pix[i] = uint8(v * 255)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, grey); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ptrFloat32(v float32) *float32 { return &v }
