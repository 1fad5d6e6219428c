// Package config reads service settings from the environment.
package config

import (
	"errors"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// S3 holds the artifact bucket settings. An empty Endpoint means artifacts
// are read from the local directory.
type S3 struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

type Config struct {
	DBPath         string // e.g. "microgrid.db"
	ArtifactsDir   string // scaler.json, autoencoder.json, threshold.txt
	HTTPAddr       string // e.g. ":8080"
	Workers        int
	LogLevel       string
	HistoryLimit   int    // readings scored by the history endpoint
	LoadModelPath  string // gradient-boosted load forecaster
	SolarModelPath string // gradient-boosted solar forecaster

	S3 S3

	RedisAddr       string
	KafkaBrokers    []string
	KafkaAlertTopic string
	MQTTBroker      string
	MQTTTopic       string
	MQTTClientID    string
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set are kept.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func FromEnv() Config {
	return Config{
		DBPath:         getEnv("MICROGRID_DB_PATH", "microgrid.db"),
		ArtifactsDir:   getEnv("MICROGRID_ARTIFACTS_DIR", "model_artifacts"),
		HTTPAddr:       getEnv("MICROGRID_HTTP_ADDR", ":8080"),
		Workers:        getInt("MICROGRID_WORKERS", runtime.NumCPU()),
		LogLevel:       getEnv("MICROGRID_LOG_LEVEL", "info"),
		HistoryLimit:   getInt("MICROGRID_HISTORY_LIMIT", 500),
		LoadModelPath:  getEnv("MICROGRID_LOAD_MODEL", "model_artifacts/load_forecasting_model.json"),
		SolarModelPath: getEnv("MICROGRID_SOLAR_MODEL", ""),
		S3: S3{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    getEnv("S3_BUCKET", "model-artifacts"),
			Prefix:    os.Getenv("S3_PREFIX"),
			UseSSL:    getBool("S3_USE_SSL", false),
		},
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaAlertTopic: getEnv("KAFKA_ALERT_TOPIC", "microgrid.anomalies"),
		MQTTBroker:      os.Getenv("MQTT_BROKER"),
		MQTTTopic:       getEnv("MQTT_TOPIC", "microgrid/+/telemetry"),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "microgrid-monitor"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
