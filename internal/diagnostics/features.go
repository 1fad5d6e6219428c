package diagnostics

import "solar-microgrid-monitor/internal/models"

// NumFeatures is the width of every FeatureVector.
var NumFeatures = len(models.FeatureNames)

// FeatureVector holds raw sensor values in models.FeatureNames order.
type FeatureVector []float64

// BuildFeatureVector lays a record out in the fixed feature order.
// Absent fields become 0.
func BuildFeatureVector(rec models.SensorRecord) FeatureVector {
	x := make(FeatureVector, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		x[i] = rec.Value(name)
	}
	return x
}
