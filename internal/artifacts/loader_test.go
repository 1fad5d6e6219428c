package artifacts

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-microgrid-monitor/internal/diagnostics"
	"solar-microgrid-monitor/internal/models"
)

// identityNetwork is a single linear layer that reproduces its input.
func identityNetwork(n int) Dense {
	l := Layer{Weights: make([][]float64, n), Biases: make([]float64, n), Activation: ActivationLinear}
	for i := range l.Weights {
		l.Weights[i] = make([]float64, n)
		l.Weights[i][i] = 1
	}
	return Dense{Layers: []Layer{l}}
}

func writeArtifacts(t *testing.T, scaler ScalerArtifact, net Dense, threshold string) string {
	t.Helper()
	dir := t.TempDir()

	data, err := json.Marshal(scaler)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ScalerFile), data, 0o644))

	data, err = json.Marshal(net)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ModelFile), data, 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ThresholdFile), []byte(threshold+"\n"), 0o644))
	return dir
}

func canonicalScaler() ScalerArtifact {
	n := len(models.FeatureNames)
	a := ScalerArtifact{Mean: make([]float64, n), Scale: make([]float64, n)}
	for i := range a.Scale {
		a.Mean[i] = float64(i)
		a.Scale[i] = 1
	}
	return a
}

func TestLoad(t *testing.T) {
	dir := writeArtifacts(t, canonicalScaler(), identityNetwork(11), "0.0375")

	b, err := Load(context.Background(), DirSource{Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, 0.0375, b.Threshold)
	assert.Equal(t, 10.0, b.Scaler.Mean[10])

	e, err := diagnostics.NewEngine(b)
	require.NoError(t, err)
	score, err := e.Score(models.NewSensorRecord("t", map[string]float64{"solar_gen": 7}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, score, "identity network reconstructs perfectly")
}

func TestLoadReordersNamedScaler(t *testing.T) {
	a := ScalerArtifact{}
	for i := len(models.FeatureNames) - 1; i >= 0; i-- {
		a.Features = append(a.Features, models.FeatureNames[i])
		a.Mean = append(a.Mean, float64(i)*10)
		a.Scale = append(a.Scale, float64(i)+1)
	}

	s, err := a.Scaler()
	require.NoError(t, err)
	for i := range models.FeatureNames {
		assert.Equal(t, float64(i)*10, s.Mean[i])
		assert.Equal(t, float64(i)+1, s.Scale[i])
	}

	a.Features[0] = "wind_speed"
	_, err = a.Scaler()
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	zeroScale := canonicalScaler()
	zeroScale.Scale[3] = 0

	tests := []struct {
		name      string
		dir       func(t *testing.T) string
		wantIs    error
		wantInMsg string
	}{
		{
			name: "missing directory",
			dir: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope")
			},
			wantInMsg: ScalerFile,
		},
		{
			name: "zero scale",
			dir: func(t *testing.T) string {
				return writeArtifacts(t, zeroScale, identityNetwork(11), "0.1")
			},
			wantIs: diagnostics.ErrZeroScale,
		},
		{
			name: "wrong model width",
			dir: func(t *testing.T) string {
				return writeArtifacts(t, canonicalScaler(), identityNetwork(9), "0.1")
			},
			wantIs: diagnostics.ErrDimensionMismatch,
		},
		{
			name: "bad threshold",
			dir: func(t *testing.T) string {
				return writeArtifacts(t, canonicalScaler(), identityNetwork(11), "abc")
			},
			wantInMsg: ThresholdFile,
		},
		{
			name: "negative threshold",
			dir: func(t *testing.T) string {
				return writeArtifacts(t, canonicalScaler(), identityNetwork(11), "-0.5")
			},
			wantIs: diagnostics.ErrInvalidThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), DirSource{Dir: tt.dir(t)})
			require.Error(t, err)
			assert.True(t, diagnostics.IsConfigError(err))
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantInMsg != "" {
				assert.Contains(t, err.Error(), tt.wantInMsg)
			}
		})
	}
}

func TestDensePredict(t *testing.T) {
	net := Dense{Layers: []Layer{
		{
			Weights:    [][]float64{{1, -1}, {-1, 1}},
			Biases:     []float64{0, 0.5},
			Activation: ActivationReLU,
		},
		{
			Weights:    [][]float64{{2, 1}, {0, 1}},
			Biases:     []float64{1, 0},
			Activation: ActivationLinear,
		},
	}}
	require.NoError(t, net.Validate())
	assert.Equal(t, 2, net.InputDim())
	assert.Equal(t, 2, net.OutputDim())

	// hidden = relu([3-1, -3+1+0.5]) = [2, 0]; out = [2*2+0+1, 0]
	out, err := net.Predict([]float64{3, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 0}, out)

	_, err = net.Predict([]float64{1})
	assert.Error(t, err)
}

func TestDenseValidate(t *testing.T) {
	tests := []struct {
		name string
		net  Dense
	}{
		{name: "empty", net: Dense{}},
		{name: "bias count", net: Dense{Layers: []Layer{{Weights: [][]float64{{1}}, Biases: []float64{}}}}},
		{name: "shape chain", net: Dense{Layers: []Layer{
			{Weights: [][]float64{{1, 1}, {1, 1}}, Biases: []float64{0, 0}},
			{Weights: [][]float64{{1, 1, 1}}, Biases: []float64{0}},
		}}},
		{name: "activation", net: Dense{Layers: []Layer{{Weights: [][]float64{{1}}, Biases: []float64{0}, Activation: "softmax"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.net.Validate())
		})
	}
}

func TestWriteThreshold(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	require.NoError(t, WriteThreshold(dir, 0.123456789))

	got, err := LoadThreshold(context.Background(), DirSource{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 0.123456789, got)
}
