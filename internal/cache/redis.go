// Package cache keeps the latest verdict and a bounded list of recent
// anomalies in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"solar-microgrid-monitor/internal/models"
)

const (
	latestKey    = "verdict:latest"
	anomalyList  = "verdicts:anomalies"
	maxAnomalies = 1000
	verdictTTL   = 24 * time.Hour
	pingTimeout  = 5 * time.Second
)

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(ctx context.Context, addr string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// verdictKey is unique per record so repeated timestamps across runs do not collide.
func verdictKey(runID string, v models.Verdict) string {
	return fmt.Sprintf("verdict:%s:%s", runID, v.Timestamp)
}

// verdictWriter is the part of a redis pipeline StoreVerdicts queues onto.
type verdictWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// StoreVerdicts records the last scoreable verdict of a run as the latest
// verdict and pushes the run's anomalies onto the recent anomaly list, all in
// one MULTI/EXEC round trip. Verdicts carrying a record error are skipped.
func (r *RedisClient) StoreVerdicts(ctx context.Context, runID string, verdicts []models.Verdict) error {
	if !hasScoreable(verdicts) {
		return nil
	}

	var queueErr error
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queueErr = queueVerdicts(ctx, pipe, runID, verdicts)
		return queueErr
	})
	if queueErr != nil {
		return queueErr
	}
	if err != nil {
		return fmt.Errorf("failed to store verdicts: %w", err)
	}
	return nil
}

func hasScoreable(verdicts []models.Verdict) bool {
	for _, v := range verdicts {
		if v.Err == "" {
			return true
		}
	}
	return false
}

func queueVerdicts(ctx context.Context, pipe verdictWriter, runID string, verdicts []models.Verdict) error {
	var (
		latest []byte
		keys   []interface{}
	)
	for _, v := range verdicts {
		if v.Err != "" {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal verdict: %w", err)
		}
		latest = data
		if !v.IsAnomaly {
			continue
		}
		key := verdictKey(runID, v)
		pipe.Set(ctx, key, data, verdictTTL)
		keys = append(keys, key)
	}

	if len(keys) > 0 {
		pipe.LPush(ctx, anomalyList, keys...)
		pipe.LTrim(ctx, anomalyList, 0, maxAnomalies-1)
	}
	if latest != nil {
		pipe.Set(ctx, latestKey, latest, verdictTTL)
	}
	return nil
}

// LatestVerdict returns the most recently stored verdict, or nil when none is cached.
func (r *RedisClient) LatestVerdict(ctx context.Context) (*models.Verdict, error) {
	data, err := r.client.Get(ctx, latestKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var v models.Verdict
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// RecentAnomalies returns up to count anomalies, newest first. Expired
// entries are skipped.
func (r *RedisClient) RecentAnomalies(ctx context.Context, count int64) ([]models.Verdict, error) {
	if count <= 0 || count > maxAnomalies {
		count = maxAnomalies
	}

	keys, err := r.client.LRange(ctx, anomalyList, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent anomaly keys: %w", err)
	}

	if len(keys) == 0 {
		return []models.Verdict{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent anomalies: %w", err)
	}

	verdicts := make([]models.Verdict, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			continue
		}
		var v models.Verdict
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			continue
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
