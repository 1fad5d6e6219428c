package diagnostics

import (
	"fmt"
	"math"
)

// Scaler is a per-feature affine standardisation fitted offline.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// Validate checks the scaler covers every feature with a usable scale.
func (s Scaler) Validate() error {
	if len(s.Mean) != NumFeatures || len(s.Scale) != NumFeatures {
		return &ConfigError{
			Artifact: "scaler",
			Err:      fmt.Errorf("%w: mean=%d scale=%d, want %d", ErrDimensionMismatch, len(s.Mean), len(s.Scale), NumFeatures),
		}
	}
	for i, sc := range s.Scale {
		if sc == 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return &ConfigError{Artifact: "scaler", Err: fmt.Errorf("%w at feature %d", ErrZeroScale, i)}
		}
	}
	return nil
}

// Transform returns (x - mean) / scale, element-wise.
func (s Scaler) Transform(x FeatureVector) ([]float64, error) {
	if len(x) != len(s.Mean) || len(x) != len(s.Scale) {
		return nil, &ConfigError{
			Artifact: "scaler",
			Err:      fmt.Errorf("%w: vector has %d features, scaler has %d", ErrDimensionMismatch, len(x), len(s.Mean)),
		}
	}
	scaled := make([]float64, len(x))
	for i, v := range x {
		scaled[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return scaled, nil
}
