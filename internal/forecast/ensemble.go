// Package forecast evaluates gradient-boosted regression trees exported from
// the offline load and solar forecasting models.
package forecast

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Node is either a split or a leaf. Splits send x <= Threshold to Left.
type Node struct {
	Feature     int     `json:"feature"`
	Threshold   float64 `json:"threshold"`
	Left        int     `json:"left"`
	Right       int     `json:"right"`
	DefaultLeft bool    `json:"default_left,omitempty"`
	Leaf        bool    `json:"leaf,omitempty"`
	Value       float64 `json:"value,omitempty"`
}

// Tree is a flattened regression tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Ensemble is a boosted sum of trees over named features.
type Ensemble struct {
	Features  []string `json:"features"`
	BaseScore float64  `json:"base_score"`
	Trees     []Tree   `json:"trees"`
}

// LoadEnsemble reads a JSON tree dump from disk.
func LoadEnsemble(path string) (*Ensemble, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return ParseEnsemble(data)
}

// ParseEnsemble decodes and validates a JSON tree dump.
func ParseEnsemble(data []byte) (*Ensemble, error) {
	var e Ensemble
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks every split points at a known feature and an existing node.
func (e *Ensemble) Validate() error {
	if len(e.Features) == 0 {
		return fmt.Errorf("model declares no features")
	}
	for ti, t := range e.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(e.Features) {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
		}
	}
	return nil
}

// Predict sums the base score and every tree's leaf for the given features.
// Features the model knows but the input lacks read as 0.
func (e *Ensemble) Predict(features map[string]float64) float64 {
	x := make([]float64, len(e.Features))
	for i, name := range e.Features {
		x[i] = features[name]
	}

	out := e.BaseScore
	for _, t := range e.Trees {
		out += t.eval(x)
	}
	return out
}

func (t Tree) eval(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		v := x[n.Feature]
		switch {
		case math.IsNaN(v) && n.DefaultLeft:
			i = n.Left
		case math.IsNaN(v):
			i = n.Right
		case v <= n.Threshold:
			i = n.Left
		default:
			i = n.Right
		}
	}
}
