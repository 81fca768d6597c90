// Package heatmap persists the per-paper digit-probability matrices as JSON
// so a resolve-only re-run can skip the image work. Matching still uses the
// current roster: probabilities are roster-independent, so reuse is safe.
package heatmap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"idreader/internal/predict"
)

const fileName = "id_prob_heatmaps.json"

// Path returns the heatmap file location under the media root.
func Path(mediaRoot string) string {
	return filepath.Join(mediaRoot, fileName)
}

// Save writes the heatmap for later reuse. Paper numbers become JSON object
// keys, so they are stored as strings and restored by Load.
func Save(mediaRoot string, probs map[int]predict.ProbMatrix) error {
	byKey := make(map[string]predict.ProbMatrix, len(probs))
	for pn, m := range probs {
		byKey[strconv.Itoa(pn)] = m
	}
	buf, err := json.MarshalIndent(byKey, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heatmap: %w", err)
	}
	if err := os.MkdirAll(mediaRoot, 0o755); err != nil {
		return err
	}
	return os.WriteFile(Path(mediaRoot), buf, 0o644)
}

// Load reads a previously saved heatmap back into paper-number keys.
func Load(mediaRoot string) (map[int]predict.ProbMatrix, error) {
	buf, err := os.ReadFile(Path(mediaRoot))
	if err != nil {
		return nil, err
	}
	var byKey map[string]predict.ProbMatrix
	if err := json.Unmarshal(buf, &byKey); err != nil {
		return nil, fmt.Errorf("parse heatmap %s: %w", Path(mediaRoot), err)
	}
	probs := make(map[int]predict.ProbMatrix, len(byKey))
	for k, m := range byKey {
		pn, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("heatmap key %q is not a paper number", k)
		}
		probs[pn] = m
	}
	return probs, nil
}
