// Package artifacts loads the fitted scaler, autoencoder and threshold that
// the diagnostics engine scores with.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"solar-microgrid-monitor/internal/diagnostics"
	"solar-microgrid-monitor/internal/models"
)

// Artifact file names.
const (
	ScalerFile    = "scaler.json"
	ModelFile     = "autoencoder.json"
	ThresholdFile = "threshold.txt"
)

// ScalerArtifact is the on-disk scaler: per-feature mean and scale, keyed by
// the feature names listed in Features.
type ScalerArtifact struct {
	Features []string  `json:"features,omitempty"`
	Mean     []float64 `json:"mean"`
	Scale    []float64 `json:"scale"`
}

// Scaler reorders the artifact into canonical feature order.
// Without a feature list the values are taken as already in that order.
func (a ScalerArtifact) Scaler() (diagnostics.Scaler, error) {
	if len(a.Mean) != len(a.Scale) {
		return diagnostics.Scaler{}, fmt.Errorf("%d means but %d scales", len(a.Mean), len(a.Scale))
	}
	if len(a.Features) == 0 {
		return diagnostics.Scaler{Mean: a.Mean, Scale: a.Scale}, nil
	}
	if len(a.Features) != len(a.Mean) {
		return diagnostics.Scaler{}, fmt.Errorf("%d feature names for %d values", len(a.Features), len(a.Mean))
	}

	index := make(map[string]int, len(a.Features))
	for i, f := range a.Features {
		index[f] = i
	}

	s := diagnostics.Scaler{
		Mean:  make([]float64, len(models.FeatureNames)),
		Scale: make([]float64, len(models.FeatureNames)),
	}
	for i, name := range models.FeatureNames {
		j, ok := index[name]
		if !ok {
			return diagnostics.Scaler{}, fmt.Errorf("scaler is missing feature %q", name)
		}
		s.Mean[i] = a.Mean[j]
		s.Scale[i] = a.Scale[j]
	}
	return s, nil
}

// Load reads all three artifacts from src and validates them as a bundle.
// Any failure is a *diagnostics.ConfigError.
func Load(ctx context.Context, src Source) (diagnostics.Bundle, error) {
	var b diagnostics.Bundle

	scaler, err := LoadScaler(ctx, src)
	if err != nil {
		return b, err
	}
	model, err := LoadModel(ctx, src)
	if err != nil {
		return b, err
	}
	threshold, err := LoadThreshold(ctx, src)
	if err != nil {
		return b, err
	}

	b = diagnostics.Bundle{Scaler: scaler, Model: model, Threshold: threshold}
	if err := b.Validate(); err != nil {
		return diagnostics.Bundle{}, err
	}
	return b, nil
}

// LoadScaler reads scaler.json.
func LoadScaler(ctx context.Context, src Source) (diagnostics.Scaler, error) {
	var a ScalerArtifact
	if err := decodeJSON(ctx, src, ScalerFile, &a); err != nil {
		return diagnostics.Scaler{}, err
	}
	s, err := a.Scaler()
	if err != nil {
		return diagnostics.Scaler{}, configErr(ScalerFile, err)
	}
	if err := s.Validate(); err != nil {
		return diagnostics.Scaler{}, err
	}
	return s, nil
}

// LoadModel reads autoencoder.json.
func LoadModel(ctx context.Context, src Source) (*Dense, error) {
	var d Dense
	if err := decodeJSON(ctx, src, ModelFile, &d); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, configErr(ModelFile, err)
	}
	if d.InputDim() != d.OutputDim() {
		return nil, configErr(ModelFile, fmt.Errorf("%w: input %d, output %d",
			diagnostics.ErrDimensionMismatch, d.InputDim(), d.OutputDim()))
	}
	return &d, nil
}

// LoadThreshold reads threshold.txt.
func LoadThreshold(ctx context.Context, src Source) (float64, error) {
	data, err := readAll(ctx, src, ThresholdFile)
	if err != nil {
		return 0, err
	}
	t, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, configErr(ThresholdFile, err)
	}
	return t, nil
}

// WriteThreshold persists a calibrated threshold into dir.
func WriteThreshold(dir string, t float64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ThresholdFile), []byte(strconv.FormatFloat(t, 'g', -1, 64)), 0o644)
}

func decodeJSON(ctx context.Context, src Source, name string, v interface{}) error {
	data, err := readAll(ctx, src, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return configErr(name, err)
	}
	return nil
}

func readAll(ctx context.Context, src Source, name string) ([]byte, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, configErr(name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, configErr(name, fmt.Errorf("read from %s: %w", src, err))
	}
	return data, nil
}

func configErr(name string, err error) error {
	return &diagnostics.ConfigError{Artifact: name, Err: err}
}
