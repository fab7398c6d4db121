package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// linearModel is the weight document of the built-in scoring runtime: one
// weight row per label over the normalized patch tensor, plus an optional
// per-label bias. Small enough to ship as JSON next to the model config.
type linearModel struct {
	Weights [][]float32 `json:"weights"`
	Bias    []float32   `json:"bias"`
}

// LoadModelDir reads a model directory holding config.json (labels, dpt,
// crop_size) and weights.json (linear scoring weights) and returns a ready
// runtime with its spec. Exported payloads for heavier engines carry their
// own Runtime implementations; this is the dependency-free one.
func LoadModelDir(dir string) (Runtime, *Spec, error) {
	cfg, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, nil, err
	}
	spec, err := ParseSpec(filepath.Base(dir), PrecisionFP32, cfg)
	if err != nil {
		return nil, nil, err
	}
	wb, err := os.ReadFile(filepath.Join(dir, "weights.json"))
	if err != nil {
		return nil, nil, err
	}
	model := linearModel{}
	if err := json.Unmarshal(wb, &model); err != nil {
		return nil, nil, fmt.Errorf("parse weights.json: %w", err)
	}
	rt, err := newLinearRuntime(&model, spec)
	if err != nil {
		return nil, nil, err
	}
	return rt, spec, nil
}

func newLinearRuntime(model *linearModel, spec *Spec) (Runtime, error) {
	want := 3 * spec.Size * spec.Size
	if len(model.Weights) != len(spec.Labels) {
		return nil, fmt.Errorf("model has %v weight rows for %v labels", len(model.Weights), len(spec.Labels))
	}
	for i, row := range model.Weights {
		if len(row) != want {
			return nil, fmt.Errorf("weight row %v has %v elements, want %v", i, len(row), want)
		}
	}
	if model.Bias != nil && len(model.Bias) != len(model.Weights) {
		return nil, fmt.Errorf("model has %v bias terms for %v labels", len(model.Bias), len(model.Weights))
	}
	return RuntimeFunc(func(input []float32, width, height int) ([]float32, error) {
		if len(input) != want {
			return nil, fmt.Errorf("input tensor has %v elements, want %v", len(input), want)
		}
		scores := make([]float32, len(model.Weights))
		for i, row := range model.Weights {
			s := float32(0)
			for j, w := range row {
				s += w * input[j]
			}
			if model.Bias != nil {
				s += model.Bias[i]
			}
			scores[i] = s
		}
		return scores, nil
	}), nil
}
