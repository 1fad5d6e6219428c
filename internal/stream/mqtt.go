package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/parser"
)

// RecordHandler receives the records decoded from one MQTT message.
type RecordHandler func(ctx context.Context, recs []models.SensorRecord)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// MQTTSubscriber feeds live sensor payloads into a handler.
type MQTTSubscriber struct {
	cfg MQTTConfig
	log *slog.Logger
}

func NewMQTTSubscriber(cfg MQTTConfig, log *slog.Logger) (*MQTTSubscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTTSubscriber{cfg: cfg, log: log}, nil
}

// DecodePayload accepts a single record object, an array of records, or a
// {"data": ...} envelope.
func DecodePayload(payload []byte) ([]models.SensorRecord, error) {
	trimmed := bytes.TrimSpace(payload)
	recs, err := parser.DecodeJSON(trimmed)
	if err == nil {
		return recs, nil
	}
	if errors.Is(err, parser.ErrMissingTimestamp) {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var rec models.SensorRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if rec.Timestamp == "" {
		return nil, fmt.Errorf("decode payload: %w", parser.ErrMissingTimestamp)
	}
	return []models.SensorRecord{rec}, nil
}

// Run subscribes and blocks until ctx is cancelled.
func (s *MQTTSubscriber) Run(ctx context.Context, handle RecordHandler) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	tok := client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		recs, err := DecodePayload(m.Payload())
		if err != nil {
			s.log.Warn("mqtt_payload_rejected", "topic", m.Topic(), "err", err)
			return
		}
		handle(ctx, recs)
	})
	if tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.cfg.Topic, tok.Error())
	}
	s.log.Info("mqtt_subscribed", "broker", s.cfg.Broker, "topic", s.cfg.Topic)

	<-ctx.Done()
	return nil
}
