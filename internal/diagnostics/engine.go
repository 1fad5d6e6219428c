// Package diagnostics turns raw microgrid sensor records into diagnostic
// verdicts: autoencoder reconstruction scoring, a calibrated threshold gate,
// severity grading and rule-based failure causes.
package diagnostics

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"solar-microgrid-monitor/internal/models"
)

// Bundle is the set of fitted artifacts the engine scores with.
type Bundle struct {
	Scaler    Scaler
	Model     Model
	Threshold float64
}

// Validate checks the bundle before any record is scored.
func (b Bundle) Validate() error {
	if b.Model == nil {
		return &ConfigError{Artifact: "model", Err: ErrNilModel}
	}
	if err := b.Scaler.Validate(); err != nil {
		return err
	}
	if b.Threshold < 0 || math.IsNaN(b.Threshold) || math.IsInf(b.Threshold, 0) {
		return &ConfigError{Artifact: "threshold", Err: fmt.Errorf("%w: %v", ErrInvalidThreshold, b.Threshold)}
	}
	if d, ok := b.Model.(interface{ InputDim() int }); ok && d.InputDim() != NumFeatures {
		return &ConfigError{
			Artifact: "model",
			Err:      fmt.Errorf("%w: model expects %d features, want %d", ErrDimensionMismatch, d.InputDim(), NumFeatures),
		}
	}
	return nil
}

// Engine scores records against an immutable Bundle. It is safe for
// concurrent use.
type Engine struct {
	bundle  Bundle
	rules   []Rule
	workers int
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets how many records DiagnoseBatch scores in parallel.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithRules replaces the failure-cause rules.
func WithRules(rules []Rule) Option {
	return func(e *Engine) {
		e.rules = rules
	}
}

// NewEngine validates the bundle and builds an Engine.
func NewEngine(b Bundle, opts ...Option) (*Engine, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		bundle:  b,
		rules:   DefaultRules(),
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}

	return e, nil
}

// Threshold returns the calibrated anomaly threshold.
func (e *Engine) Threshold() float64 {
	return e.bundle.Threshold
}

// Score returns the reconstruction error of a single record.
func (e *Engine) Score(rec models.SensorRecord) (float64, error) {
	return e.score(0, rec)
}

func (e *Engine) score(index int, rec models.SensorRecord) (float64, error) {
	for _, name := range models.FeatureNames {
		if raw, bad := rec.Malformed[name]; bad {
			return 0, &RecordError{Index: index, Timestamp: rec.Timestamp, Field: name, Value: raw}
		}
	}
	return ReconstructionError(BuildFeatureVector(rec), e.bundle.Scaler, e.bundle.Model)
}

// Diagnose produces the verdict for one record. An unscoreable record yields a
// verdict carrying the error marker; only configuration errors are returned.
func (e *Engine) Diagnose(rec models.SensorRecord) (models.Verdict, error) {
	return e.diagnose(0, rec)
}

func (e *Engine) diagnose(index int, rec models.SensorRecord) (models.Verdict, error) {
	score, err := e.score(index, rec)
	if err != nil {
		if IsConfigError(err) {
			return models.Verdict{}, err
		}
		return models.Verdict{
			Timestamp: rec.Timestamp,
			Severity:  models.SeverityNone,
			Err:       err.Error(),
		}, nil
	}

	v := models.Verdict{
		Timestamp: rec.Timestamp,
		Score:     score,
	}
	if IsAnomaly(score, e.bundle.Threshold) {
		v.IsAnomaly = true
		v.Severity = ClassifySeverity(score, e.bundle.Threshold)
		v.Causes = ClassifyCauses(rec, e.rules)
	} else {
		v.Severity = models.SeverityNone
		v.Causes = []string{models.CauseSystemNormal}
	}
	return v, nil
}

// DiagnoseBatch scores records concurrently and returns one verdict per
// record in input order. It stops at the first configuration error.
func (e *Engine) DiagnoseBatch(ctx context.Context, recs []models.SensorRecord) ([]models.Verdict, error) {
	verdicts := make([]models.Verdict, len(recs))
	if len(recs) == 0 {
		return verdicts, nil
	}

	workers := e.workers
	if workers > len(recs) {
		workers = len(recs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	jobs := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				v, err := e.diagnose(i, recs[i])
				if err != nil {
					once.Do(func() {
						firstErr = fmt.Errorf("record %d: %w", i, err)
						cancel()
					})
					continue
				}
				verdicts[i] = v
			}
		}()
	}

feed:
	for i := range recs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return verdicts, nil
}
