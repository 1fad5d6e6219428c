package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/parser"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

var verdicts = []models.Verdict{
	{Timestamp: "t1", Severity: models.SeverityNone, Causes: []string{models.CauseSystemNormal}},
	{Timestamp: "t2", IsAnomaly: true, Severity: models.SeverityMedium, Causes: []string{models.CauseSolar}, Score: 0.3},
	{Timestamp: "t3", Err: "bad"},
}

func TestPublishOnlyAnomalies(t *testing.T) {
	w := &fakeWriter{}
	alerts := &KafkaAlerts{writer: w}

	require.NoError(t, alerts.Publish(context.Background(), "run-1", verdicts))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "t2", string(w.msgs[0].Key))

	var a Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &a))
	assert.Equal(t, Alert{RunID: "run-1", Timestamp: "t2", Severity: "Medium", Causes: []string{models.CauseSolar}, MSE: 0.3}, a)

	require.NoError(t, alerts.Publish(context.Background(), "run-1", verdicts[:1]))
	assert.Len(t, w.msgs, 1, "nothing to publish for normal records")
}

func TestPublishError(t *testing.T) {
	alerts := &KafkaAlerts{writer: &fakeWriter{err: errors.New("broker down")}}
	err := alerts.Publish(context.Background(), "run-1", verdicts)
	assert.ErrorContains(t, err, "broker down")
}

func TestNewKafkaAlertsValidation(t *testing.T) {
	_, err := NewKafkaAlerts(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaAlerts([]string{"localhost:9092"}, " ")
	assert.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"single object", `{"timestamp":"t1","solar_gen":0.2,"battery_temp":61}`, 1},
		{"array", `[{"timestamp":"t1"},{"timestamp":"t2"}]`, 2},
		{"envelope", `{"data":[{"timestamp":"t1"}]}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := DecodePayload([]byte(tt.payload))
			require.NoError(t, err)
			assert.Len(t, recs, tt.want)
			assert.Equal(t, "t1", recs[0].Timestamp)
		})
	}

	_, err := DecodePayload([]byte("not json"))
	assert.Error(t, err)

	for _, payload := range []string{`{"solar_gen":0.2}`, `[{"timestamp":"t1"},{"soc":5}]`} {
		_, err = DecodePayload([]byte(payload))
		assert.ErrorIs(t, err, parser.ErrMissingTimestamp, payload)
	}
}

func TestNewMQTTSubscriberValidation(t *testing.T) {
	_, err := NewMQTTSubscriber(MQTTConfig{Topic: "x"}, nil)
	assert.Error(t, err)
	_, err = NewMQTTSubscriber(MQTTConfig{Broker: "tcp://localhost:1883"}, nil)
	assert.Error(t, err)
	s, err := NewMQTTSubscriber(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "microgrid/#"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, s.log)
}
