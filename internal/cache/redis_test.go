package cache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-microgrid-monitor/internal/models"
)

func TestVerdictKey(t *testing.T) {
	v := models.Verdict{Timestamp: "2025-03-01 12:30:00"}
	assert.Equal(t, "verdict:run-1:2025-03-01 12:30:00", verdictKey("run-1", v))
	assert.NotEqual(t, verdictKey("run-1", v), verdictKey("run-2", v))
}

type queuedCmd struct {
	op   string
	key  string
	args []interface{}
}

// recordingPipe captures queued commands instead of sending them.
type recordingPipe struct {
	cmds []queuedCmd
}

func (p *recordingPipe) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	p.cmds = append(p.cmds, queuedCmd{op: "SET", key: key, args: []interface{}{value}})
	return redis.NewStatusCmd(ctx)
}

func (p *recordingPipe) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	p.cmds = append(p.cmds, queuedCmd{op: "LPUSH", key: key, args: values})
	return redis.NewIntCmd(ctx)
}

func (p *recordingPipe) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	p.cmds = append(p.cmds, queuedCmd{op: "LTRIM", key: key, args: []interface{}{start, stop}})
	return redis.NewStatusCmd(ctx)
}

func TestQueueVerdictsBatchesRun(t *testing.T) {
	ctx := context.Background()
	verdicts := []models.Verdict{
		{Timestamp: "t1", IsAnomaly: true, Severity: models.SeverityLow, Causes: []string{models.CauseSolar}},
		{Timestamp: "t2", Severity: models.SeverityNone, Causes: []string{models.CauseSystemNormal}},
		{Timestamp: "t3", IsAnomaly: true, Severity: models.SeverityHigh, Causes: []string{models.CauseBattery}},
		{Timestamp: "t4", Severity: models.SeverityNone, Err: "record 3: bad"},
	}

	pipe := &recordingPipe{}
	require.NoError(t, queueVerdicts(ctx, pipe, "run-1", verdicts))

	var ops []string
	for _, c := range pipe.cmds {
		ops = append(ops, c.op+" "+c.key)
	}
	assert.Equal(t, []string{
		"SET verdict:run-1:t1",
		"SET verdict:run-1:t3",
		"LPUSH verdicts:anomalies",
		"LTRIM verdicts:anomalies",
		"SET verdict:latest",
	}, ops)

	assert.Equal(t, []interface{}{"verdict:run-1:t1", "verdict:run-1:t3"}, pipe.cmds[2].args)
	assert.Equal(t, []interface{}{int64(0), int64(maxAnomalies - 1)}, pipe.cmds[3].args)

	var latest models.Verdict
	require.NoError(t, json.Unmarshal(pipe.cmds[4].args[0].([]byte), &latest))
	assert.Equal(t, "t3", latest.Timestamp, "latest skips the unscoreable record")
}

func TestQueueVerdictsNormalRun(t *testing.T) {
	pipe := &recordingPipe{}
	require.NoError(t, queueVerdicts(context.Background(), pipe, "run-1", []models.Verdict{
		{Timestamp: "t1", Severity: models.SeverityNone},
	}))
	require.Len(t, pipe.cmds, 1)
	assert.Equal(t, latestKey, pipe.cmds[0].key)

	assert.False(t, hasScoreable([]models.Verdict{{Err: "x"}}))
	assert.True(t, hasScoreable([]models.Verdict{{Err: "x"}, {}}))
}

// TestRedisRoundTrip needs a live server; set REDIS_ADDR to run it.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()

	rc, err := NewRedisClient(ctx, addr)
	require.NoError(t, err)
	defer rc.Close()

	normal := models.Verdict{Timestamp: "t1", Severity: models.SeverityNone, Causes: []string{models.CauseSystemNormal}}
	anomaly := models.Verdict{Timestamp: "t2", IsAnomaly: true, Severity: models.SeverityHigh, Causes: []string{models.CauseBattery}, Score: 1.2}

	require.NoError(t, rc.StoreVerdicts(ctx, "test-run", []models.Verdict{anomaly, normal}))

	latest, err := rc.LatestVerdict(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "t1", latest.Timestamp)

	recent, err := rc.RecentAnomalies(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, anomaly, recent[0])
}
