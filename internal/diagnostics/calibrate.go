package diagnostics

import (
	"errors"
	"math"
	"sort"

	"solar-microgrid-monitor/internal/models"
)

// DefaultCalibrationPercentile is the validation-error percentile used as threshold.
const DefaultCalibrationPercentile = 99.5

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

// Calibrate scores known-normal records and returns the p-th percentile of
// their reconstruction errors. Unscoreable records are skipped.
func Calibrate(scaler Scaler, model Model, recs []models.SensorRecord, p float64) (float64, error) {
	if err := scaler.Validate(); err != nil {
		return 0, err
	}
	if model == nil {
		return 0, &ConfigError{Artifact: "model", Err: ErrNilModel}
	}

	errs := make([]float64, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Malformed) > 0 {
			continue
		}
		e, err := ReconstructionError(BuildFeatureVector(rec), scaler, model)
		if err != nil {
			return 0, err
		}
		errs = append(errs, e)
	}
	if len(errs) == 0 {
		return 0, errors.New("no scoreable records to calibrate on")
	}

	return Percentile(errs, p), nil
}
