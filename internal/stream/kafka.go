// Package stream connects the monitor to message brokers: anomalies go out
// on Kafka and live sensor readings come in over MQTT.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"solar-microgrid-monitor/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Alert is the message published for each anomalous record.
type Alert struct {
	RunID     string   `json:"run_id"`
	Timestamp string   `json:"timestamp"`
	Severity  string   `json:"severity"`
	Causes    []string `json:"causes"`
	MSE       float64  `json:"mse"`
}

// KafkaAlerts publishes anomaly alerts keyed by record timestamp.
type KafkaAlerts struct {
	writer messageWriter
}

func NewKafkaAlerts(brokers []string, topic string) (*KafkaAlerts, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("alert topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaAlerts{writer: w}, nil
}

// alertMessages builds one message per anomaly; normal and unscoreable
// verdicts are dropped.
func alertMessages(runID string, verdicts []models.Verdict) ([]kafka.Message, error) {
	var msgs []kafka.Message
	for _, v := range verdicts {
		if !v.IsAnomaly {
			continue
		}
		value, err := json.Marshal(Alert{
			RunID:     runID,
			Timestamp: v.Timestamp,
			Severity:  string(v.Severity),
			Causes:    v.Causes,
			MSE:       v.Score,
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(v.Timestamp), Value: value})
	}
	return msgs, nil
}

// Publish writes an alert for every anomaly in verdicts.
func (k *KafkaAlerts) Publish(ctx context.Context, runID string, verdicts []models.Verdict) error {
	msgs, err := alertMessages(runID, verdicts)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d alerts: %w", len(msgs), err)
	}
	return nil
}

func (k *KafkaAlerts) Close() error {
	return k.writer.Close()
}
