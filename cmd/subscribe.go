package main

import (
	"context"

	"github.com/spf13/cobra"

	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/stream"
)

// subscribeCmd diagnoses live readings from MQTT until interrupted
func subscribeCmd() *cobra.Command {
	var broker string
	var topic string

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Diagnose live sensor readings from an MQTT topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if broker == "" {
				broker = cfg.MQTTBroker
			}
			if topic == "" {
				topic = cfg.MQTTTopic
			}

			sub, err := stream.NewMQTTSubscriber(stream.MQTTConfig{
				Broker:   broker,
				Topic:    topic,
				ClientID: cfg.MQTTClientID,
				QoS:      1,
			}, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			engine, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			rc, ka := sinks(ctx)
			if rc != nil {
				defer rc.Close()
			}
			if ka != nil {
				defer ka.Close()
			}
			pipeline := newPipeline(engine, rc, ka)

			return sub.Run(ctx, func(ctx context.Context, recs []models.SensorRecord) {
				if _, err := pipeline.ProcessBatch(ctx, recs); err != nil {
					logger.Error("live_batch_failed", "records", len(recs), "err", err)
				}
			})
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker URL (default $MQTT_BROKER)")
	cmd.Flags().StringVar(&topic, "topic", "", "MQTT topic (default $MQTT_TOPIC)")
	return cmd
}
