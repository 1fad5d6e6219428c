package diagnostics

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-microgrid-monitor/internal/models"
)

// identityScaler leaves raw values unchanged so tests can reason in raw units.
func identityScaler() Scaler {
	s := Scaler{Mean: make([]float64, NumFeatures), Scale: make([]float64, NumFeatures)}
	for i := range s.Scale {
		s.Scale[i] = 1
	}
	return s
}

// offsetModel reconstructs every feature off by d, so the error is exactly d².
func offsetModel(d float64) Model {
	return ModelFunc(func(x []float64) ([]float64, error) {
		out := make([]float64, len(x))
		for i, v := range x {
			out[i] = v + d
		}
		return out, nil
	})
}

func engineWithError(t *testing.T, threshold, errMultiple float64, opts ...Option) *Engine {
	t.Helper()
	d := math.Sqrt(threshold * errMultiple)
	e, err := NewEngine(Bundle{Scaler: identityScaler(), Model: offsetModel(d), Threshold: threshold}, opts...)
	require.NoError(t, err)
	return e
}

func record(ts string, fields map[string]float64) models.SensorRecord {
	return models.NewSensorRecord(ts, fields)
}

func TestBuildFeatureVector(t *testing.T) {
	rec := record("t0", map[string]float64{
		models.FieldSolarGen:    3.5,
		models.FieldBatteryTemp: 41,
		models.FieldEnvHumidity: 70,
	})

	x := BuildFeatureVector(rec)

	require.Len(t, x, 11)
	assert.Equal(t, 3.5, x[0])
	assert.Equal(t, 41.0, x[6])
	assert.Equal(t, 70.0, x[9])
	assert.Equal(t, 0.0, x[10], "missing relay_state defaults to 0")
}

func TestScalerValidate(t *testing.T) {
	tests := []struct {
		name    string
		scaler  Scaler
		wantErr error
	}{
		{name: "valid", scaler: identityScaler()},
		{name: "short", scaler: Scaler{Mean: []float64{0}, Scale: []float64{1}}, wantErr: ErrDimensionMismatch},
		{
			name: "zero scale",
			scaler: func() Scaler {
				s := identityScaler()
				s.Scale[4] = 0
				return s
			}(),
			wantErr: ErrZeroScale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scaler.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestReconstructionError(t *testing.T) {
	s := identityScaler()
	x := make(FeatureVector, NumFeatures)
	for i := range x {
		x[i] = float64(i + 1)
		s.Scale[i] = 2
	}
	zero := ModelFunc(func(v []float64) ([]float64, error) {
		return make([]float64, len(v)), nil
	})

	got, err := ReconstructionError(x, s, zero)
	require.NoError(t, err)
	// sum((i/2)^2 for i in 1..11) / 11 = 506 / 4 / 11
	assert.Equal(t, 11.5, got)

	again, err := ReconstructionError(x, s, zero)
	require.NoError(t, err)
	assert.Equal(t, math.Float64bits(got), math.Float64bits(again))
}

func TestReconstructionErrorDimensionMismatch(t *testing.T) {
	short := ModelFunc(func(v []float64) ([]float64, error) {
		return v[:5], nil
	})

	_, err := ReconstructionError(make(FeatureVector, NumFeatures), identityScaler(), short)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.True(t, IsConfigError(err))

	_, err = ReconstructionError(make(FeatureVector, 4), identityScaler(), offsetModel(0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestIsAnomaly(t *testing.T) {
	assert.False(t, IsAnomaly(0.5, 0.5), "equal to threshold is not anomalous")
	assert.False(t, IsAnomaly(0.4, 0.5))
	assert.True(t, IsAnomaly(0.500001, 0.5))
}

func TestClassifySeverity(t *testing.T) {
	const th = 0.25
	tests := []struct {
		score float64
		want  models.Severity
	}{
		{score: 0.26, want: models.SeverityLow},
		{score: 0.4999, want: models.SeverityLow},
		{score: 0.5, want: models.SeverityMedium},
		{score: 1.2499, want: models.SeverityMedium},
		{score: 1.25, want: models.SeverityHigh},
		{score: 100, want: models.SeverityHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifySeverity(tt.score, th), "score %v", tt.score)
	}
}

func TestClassifyCauses(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]float64
		want   []string
	}{
		{
			name:   "solar",
			fields: map[string]float64{"solar_gen": 0.2, "solar_voltage": 18, "battery_temp": 40, "relay_state": 1, "consumption": 1},
			want:   []string{models.CauseSolar},
		},
		{
			name:   "solar and battery keep rule order",
			fields: map[string]float64{"solar_gen": 0, "solar_voltage": 20, "battery_temp": 65, "relay_state": 1},
			want:   []string{models.CauseSolar, models.CauseBattery},
		},
		{
			name:   "all three",
			fields: map[string]float64{"solar_gen": 0, "solar_voltage": 20, "battery_temp": 61, "relay_state": 0, "consumption": 5},
			want:   []string{models.CauseSolar, models.CauseBattery, models.CauseRelayLoad},
		},
		{
			name:   "missing relay counts as open",
			fields: map[string]float64{"solar_gen": 3, "consumption": 2.5},
			want:   []string{models.CauseRelayLoad},
		},
		{
			name:   "boundaries do not fire",
			fields: map[string]float64{"solar_gen": 1, "solar_voltage": 15, "battery_temp": 60, "relay_state": 0, "consumption": 2},
			want:   []string{models.CauseUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCauses(record("t", tt.fields), DefaultRules()))
		})
	}
}

func TestDiagnoseScenarios(t *testing.T) {
	const th = 0.04
	tests := []struct {
		name         string
		multiple     float64
		fields       map[string]float64
		wantAnomaly  bool
		wantSeverity models.Severity
		wantCauses   []string
	}{
		{
			name:         "solar disconnected, medium",
			multiple:     3,
			fields:       map[string]float64{"solar_gen": 0.2, "solar_voltage": 18, "battery_temp": 40, "relay_state": 1, "consumption": 1},
			wantAnomaly:  true,
			wantSeverity: models.SeverityMedium,
			wantCauses:   []string{models.CauseSolar},
		},
		{
			name:         "battery overheating, low",
			multiple:     1.5,
			fields:       map[string]float64{"solar_gen": 4, "solar_voltage": 18, "battery_temp": 65, "relay_state": 1, "consumption": 1},
			wantAnomaly:  true,
			wantSeverity: models.SeverityLow,
			wantCauses:   []string{models.CauseBattery},
		},
		{
			name:         "relay mismatch, high",
			multiple:     10,
			fields:       map[string]float64{"solar_gen": 4, "solar_voltage": 18, "battery_temp": 35, "relay_state": 0, "consumption": 5},
			wantAnomaly:  true,
			wantSeverity: models.SeverityHigh,
			wantCauses:   []string{models.CauseRelayLoad},
		},
		{
			name:         "below threshold is normal",
			multiple:     0.5,
			fields:       map[string]float64{"battery_temp": 80},
			wantSeverity: models.SeverityNone,
			wantCauses:   []string{models.CauseSystemNormal},
		},
		{
			name:         "anomalous with no rule",
			multiple:     1.5,
			fields:       map[string]float64{"solar_gen": 4, "solar_voltage": 18, "battery_temp": 35, "relay_state": 1, "consumption": 1},
			wantAnomaly:  true,
			wantSeverity: models.SeverityLow,
			wantCauses:   []string{models.CauseUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := engineWithError(t, th, tt.multiple)

			v, err := e.Diagnose(record("2025-01-01 10:00:00", tt.fields))
			require.NoError(t, err)

			assert.Equal(t, "2025-01-01 10:00:00", v.Timestamp)
			assert.Equal(t, tt.wantAnomaly, v.IsAnomaly)
			assert.Equal(t, tt.wantSeverity, v.Severity)
			assert.Equal(t, tt.wantCauses, v.Causes)
			assert.Empty(t, v.Err)
		})
	}
}

func TestDiagnoseAtThresholdIsNormal(t *testing.T) {
	e, err := NewEngine(Bundle{Scaler: identityScaler(), Model: offsetModel(0.5), Threshold: 0.25})
	require.NoError(t, err)

	v, err := e.Diagnose(record("t", nil))
	require.NoError(t, err)
	assert.Equal(t, 0.25, v.Score)
	assert.False(t, v.IsAnomaly)
	assert.Equal(t, models.SeverityNone, v.Severity)
	assert.Equal(t, []string{models.CauseSystemNormal}, v.Causes)
}

func TestDiagnoseMalformedRecord(t *testing.T) {
	e := engineWithError(t, 0.04, 3)

	rec := record("t1", map[string]float64{"solar_gen": 1})
	rec.MarkMalformed(models.FieldBatteryTemp, "hot")

	v, err := e.Diagnose(rec)
	require.NoError(t, err)
	assert.False(t, v.IsAnomaly)
	assert.Equal(t, models.SeverityNone, v.Severity)
	assert.Contains(t, v.Err, "battery_temp")
	assert.Contains(t, v.Err, `"hot"`)
}

func TestNewEngineRejectsBadBundle(t *testing.T) {
	_, err := NewEngine(Bundle{Scaler: identityScaler(), Threshold: 1})
	assert.ErrorIs(t, err, ErrNilModel)

	_, err = NewEngine(Bundle{Scaler: identityScaler(), Model: offsetModel(0), Threshold: -1})
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = NewEngine(Bundle{Scaler: identityScaler(), Model: offsetModel(0), Threshold: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestDiagnoseBatchPreservesOrder(t *testing.T) {
	e := engineWithError(t, 0.04, 3, WithWorkers(4))

	recs := make([]models.SensorRecord, 200)
	for i := range recs {
		recs[i] = record(string(rune('A'+i%26))+string(rune('0'+i%10)), map[string]float64{
			"battery_temp": float64(i % 90),
			"relay_state":  1,
			"solar_gen":    5,
		})
	}
	recs[17].MarkMalformed(models.FieldSOC, "n/a")

	verdicts, err := e.DiagnoseBatch(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, verdicts, len(recs))

	for i, v := range verdicts {
		assert.Equal(t, recs[i].Timestamp, v.Timestamp)
		single, err := e.Diagnose(recs[i])
		require.NoError(t, err)
		if i == 17 {
			assert.NotEmpty(t, v.Err)
			continue
		}
		assert.Equal(t, single, v, "batch and single scoring must agree at %d", i)
	}
}

func TestDiagnoseBatchStopsOnConfigError(t *testing.T) {
	broken := ModelFunc(func(x []float64) ([]float64, error) {
		return nil, errors.New("inference failed")
	})
	e, err := NewEngine(Bundle{Scaler: identityScaler(), Model: broken, Threshold: 1}, WithWorkers(2))
	require.NoError(t, err)

	_, err = e.DiagnoseBatch(context.Background(), []models.SensorRecord{record("a", nil), record("b", nil)})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestDiagnoseBatchCancelled(t *testing.T) {
	e := engineWithError(t, 0.04, 3, WithWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.DiagnoseBatch(ctx, make([]models.SensorRecord, 10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}

	assert.Equal(t, 1.0, Percentile(values, 0))
	assert.Equal(t, 3.0, Percentile(values, 50))
	assert.Equal(t, 5.0, Percentile(values, 100))
	assert.InDelta(t, 4.98, Percentile(values, 99.5), 1e-12)
	assert.Equal(t, 0.0, Percentile(nil, 50))
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, values, "input must not be reordered")
}

func TestCalibrate(t *testing.T) {
	recs := make([]models.SensorRecord, 0, 5)
	for i := 1; i <= 5; i++ {
		recs = append(recs, record("t", map[string]float64{"solar_gen": float64(i)}))
	}
	bad := record("bad", nil)
	bad.MarkMalformed("soc", "x")
	recs = append(recs, bad)

	zero := ModelFunc(func(x []float64) ([]float64, error) {
		return make([]float64, len(x)), nil
	})

	th, err := Calibrate(identityScaler(), zero, recs, 100)
	require.NoError(t, err)
	assert.InDelta(t, 25.0/11.0, th, 1e-12)

	_, err = Calibrate(identityScaler(), zero, []models.SensorRecord{bad}, 99.5)
	assert.Error(t, err)
}

func BenchmarkDiagnoseBatch(b *testing.B) {
	e, _ := NewEngine(Bundle{Scaler: identityScaler(), Model: offsetModel(0.3), Threshold: 0.05})
	recs := make([]models.SensorRecord, 1000)
	for i := range recs {
		recs[i] = record("t", map[string]float64{"battery_temp": float64(i % 80)})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.DiagnoseBatch(context.Background(), recs)
	}
}
