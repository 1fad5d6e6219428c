// Package monitor runs diagnosed records through persistence, caching and
// alerting.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"solar-microgrid-monitor/internal/metrics"
	"solar-microgrid-monitor/internal/models"
)

// Diagnoser scores a batch of records in input order.
type Diagnoser interface {
	DiagnoseBatch(ctx context.Context, recs []models.SensorRecord) ([]models.Verdict, error)
}

type Store interface {
	InsertReadingBatch(recs []models.SensorRecord) (int64, error)
	InsertVerdictBatch(runID string, verdicts []models.Verdict) (int64, error)
}

type Cache interface {
	StoreVerdicts(ctx context.Context, runID string, verdicts []models.Verdict) error
}

type Alerts interface {
	Publish(ctx context.Context, runID string, verdicts []models.Verdict) error
}

// Pipeline wires the engine to its sinks. Store, Cache and Alerts are
// optional; a nil sink is skipped.
type Pipeline struct {
	Engine Diagnoser
	Store  Store
	Cache  Cache
	Alerts Alerts
	Log    *slog.Logger
}

// Result is the outcome of one diagnostic run.
type Result struct {
	RunID     string           `json:"run_id"`
	Verdicts  []models.Verdict `json:"-"`
	Anomalies int              `json:"anomalies"`
	Errors    int              `json:"record_errors"`
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

// Process diagnoses a single record.
func (p *Pipeline) Process(ctx context.Context, rec models.SensorRecord) (*Result, error) {
	return p.ProcessBatch(ctx, []models.SensorRecord{rec})
}

// ProcessBatch diagnoses recs under a fresh run id. A fatal scoring or
// storage error aborts the run; cache and alert failures are logged and the
// run still succeeds.
func (p *Pipeline) ProcessBatch(ctx context.Context, recs []models.SensorRecord) (*Result, error) {
	if p.Engine == nil {
		return nil, fmt.Errorf("pipeline has no engine")
	}
	log := p.logger()

	verdicts, err := p.Engine.DiagnoseBatch(ctx, recs)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: uuid.NewString(), Verdicts: verdicts}
	for _, v := range verdicts {
		if v.Err != "" {
			res.Errors++
		} else if v.IsAnomaly {
			res.Anomalies++
		}
	}
	metrics.ObserveVerdicts(verdicts)

	if p.Store != nil {
		if _, err := p.Store.InsertReadingBatch(recs); err != nil {
			return nil, fmt.Errorf("store readings: %w", err)
		}
		if _, err := p.Store.InsertVerdictBatch(res.RunID, verdicts); err != nil {
			return nil, fmt.Errorf("store verdicts: %w", err)
		}
	}

	if p.Cache != nil {
		scoreable := make([]models.Verdict, 0, len(verdicts)-res.Errors)
		for _, v := range verdicts {
			if v.Err == "" {
				scoreable = append(scoreable, v)
			}
		}
		if len(scoreable) > 0 {
			if err := p.Cache.StoreVerdicts(ctx, res.RunID, scoreable); err != nil {
				log.Warn("cache_store_failed", "run_id", res.RunID, "err", err)
			}
		}
	}

	if p.Alerts != nil && res.Anomalies > 0 {
		if err := p.Alerts.Publish(ctx, res.RunID, verdicts); err != nil {
			log.Warn("alert_publish_failed", "run_id", res.RunID, "err", err)
		}
	}

	log.Info("diagnostic_run",
		"run_id", res.RunID,
		"records", len(recs),
		"anomalies", res.Anomalies,
		"record_errors", res.Errors)
	return res, nil
}
