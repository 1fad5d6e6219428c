package diagnostics

import "fmt"

// Model reconstructs a scaled feature vector.
// Implementations must return a vector of the same width.
type Model interface {
	Predict(x []float64) ([]float64, error)
}

// ModelFunc adapts a plain function to the Model interface.
type ModelFunc func(x []float64) ([]float64, error)

// Predict calls f(x).
func (f ModelFunc) Predict(x []float64) ([]float64, error) {
	return f(x)
}

// ReconstructionError scales x, reconstructs it and returns the mean squared
// difference between the scaled input and the reconstruction.
func ReconstructionError(x FeatureVector, scaler Scaler, model Model) (float64, error) {
	scaled, err := scaler.Transform(x)
	if err != nil {
		return 0, err
	}

	recon, err := model.Predict(scaled)
	if err != nil {
		return 0, &ConfigError{Artifact: "model", Err: err}
	}
	if len(recon) != len(scaled) {
		return 0, &ConfigError{
			Artifact: "model",
			Err:      fmt.Errorf("%w: reconstruction has %d features, input has %d", ErrDimensionMismatch, len(recon), len(scaled)),
		}
	}

	var sum float64
	for i := range scaled {
		d := scaled[i] - recon[i]
		sum += d * d
	}
	return sum / float64(len(scaled)), nil
}
