package artifacts

import (
	"fmt"
	"math"
)

// Activation functions supported by dense layers.
const (
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationTanh    = "tanh"
	ActivationSigmoid = "sigmoid"
)

// Layer is a fully connected layer; Weights is indexed [output][input].
type Layer struct {
	Weights    [][]float64 `json:"weights"`
	Biases     []float64   `json:"biases"`
	Activation string      `json:"activation"`
}

// Dense is a feed-forward network exported from the trained autoencoder.
type Dense struct {
	Layers []Layer `json:"layers"`
}

// Validate checks that consecutive layer shapes line up.
func (d *Dense) Validate() error {
	if len(d.Layers) == 0 {
		return fmt.Errorf("network has no layers")
	}
	in := -1
	for i, l := range d.Layers {
		if len(l.Weights) == 0 {
			return fmt.Errorf("layer %d has no units", i)
		}
		if len(l.Biases) != len(l.Weights) {
			return fmt.Errorf("layer %d: %d biases for %d units", i, len(l.Biases), len(l.Weights))
		}
		for j, row := range l.Weights {
			if in >= 0 && len(row) != in {
				return fmt.Errorf("layer %d unit %d: %d weights, previous layer has %d units", i, j, len(row), in)
			}
			if in < 0 && j > 0 && len(row) != len(l.Weights[0]) {
				return fmt.Errorf("layer %d unit %d: ragged weights", i, j)
			}
		}
		switch l.Activation {
		case "", ActivationLinear, ActivationReLU, ActivationTanh, ActivationSigmoid:
		default:
			return fmt.Errorf("layer %d: unsupported activation %q", i, l.Activation)
		}
		in = len(l.Weights)
	}
	return nil
}

// InputDim returns the width the first layer expects.
func (d *Dense) InputDim() int {
	if len(d.Layers) == 0 || len(d.Layers[0].Weights) == 0 {
		return 0
	}
	return len(d.Layers[0].Weights[0])
}

// OutputDim returns the width of the last layer.
func (d *Dense) OutputDim() int {
	if len(d.Layers) == 0 {
		return 0
	}
	return len(d.Layers[len(d.Layers)-1].Weights)
}

// Predict runs a forward pass.
func (d *Dense) Predict(x []float64) ([]float64, error) {
	if len(x) != d.InputDim() {
		return nil, fmt.Errorf("input has %d features, network expects %d", len(x), d.InputDim())
	}

	cur := x
	for _, l := range d.Layers {
		next := make([]float64, len(l.Weights))
		for j, row := range l.Weights {
			sum := l.Biases[j]
			for k, w := range row {
				sum += w * cur[k]
			}
			next[j] = activate(l.Activation, sum)
		}
		cur = next
	}
	return cur, nil
}

func activate(name string, v float64) float64 {
	switch name {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationTanh:
		return math.Tanh(v)
	case ActivationSigmoid:
		return 1 / (1 + math.Exp(-v))
	default:
		return v
	}
}
