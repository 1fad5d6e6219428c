package diagnostics

import "solar-microgrid-monitor/internal/models"

// Severity bands, as multiples of the threshold.
const (
	MediumBand = 2.0
	HighBand   = 5.0
)

// IsAnomaly reports whether score is strictly above threshold.
func IsAnomaly(score, threshold float64) bool {
	return score > threshold
}

// ClassifySeverity grades an anomalous score. Callers gate with IsAnomaly first.
func ClassifySeverity(score, threshold float64) models.Severity {
	switch {
	case score < threshold*MediumBand:
		return models.SeverityLow
	case score < threshold*HighBand:
		return models.SeverityMedium
	default:
		return models.SeverityHigh
	}
}
