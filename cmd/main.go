package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"solar-microgrid-monitor/internal/api"
	"solar-microgrid-monitor/internal/artifacts"
	"solar-microgrid-monitor/internal/cache"
	"solar-microgrid-monitor/internal/config"
	"solar-microgrid-monitor/internal/db"
	"solar-microgrid-monitor/internal/diagnostics"
	"solar-microgrid-monitor/internal/forecast"
	"solar-microgrid-monitor/internal/logging"
	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/monitor"
	"solar-microgrid-monitor/internal/parser"
	"solar-microgrid-monitor/internal/stream"
)

var (
	cfg      config.Config
	logger   *slog.Logger
	database *db.Database

	envFile      string
	dbPath       string
	artifactsDir string
	logLevel     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "microgrid-monitor",
		Short: "Solar microgrid monitor - anomaly diagnostics and load forecasting",
		Long: `A CLI tool for diagnosing solar microgrid sensor data.
Scores readings with a trained autoencoder, grades anomaly severity, names the
likely failing subsystem and forecasts next-day load. Readings and verdicts are
kept in SQLite and served over a REST API.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	// Global flags override environment settings
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (default $MICROGRID_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&artifactsDir, "artifacts", "", "Model artifacts directory (default $MICROGRID_ARTIFACTS_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(diagnoseCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(calibrateCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnvFiles(envFile); err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	cfg = config.FromEnv()

	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if artifactsDir != "" {
		cfg.ArtifactsDir = artifactsDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger = logging.New(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.DBPath)
	return err
}

// artifactSource reads from S3 when an endpoint is configured, else from the artifacts directory.
func artifactSource() (artifacts.Source, error) {
	if cfg.S3.Endpoint == "" {
		return artifacts.DirSource{Dir: cfg.ArtifactsDir}, nil
	}
	return artifacts.NewS3Source(artifacts.S3Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		Prefix:    cfg.S3.Prefix,
		UseSSL:    cfg.S3.UseSSL,
	})
}

func loadEngine(ctx context.Context) (*diagnostics.Engine, error) {
	src, err := artifactSource()
	if err != nil {
		return nil, err
	}
	bundle, err := artifacts.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	engine, err := diagnostics.NewEngine(bundle, diagnostics.WithWorkers(cfg.Workers))
	if err != nil {
		return nil, err
	}
	logger.Info("model_loaded", "source", src.String(), "threshold", engine.Threshold())
	return engine, nil
}

// loadForecasters loads every configured forecasting model; a model that
// fails to load is logged and left out.
func loadForecasters() map[string]forecast.Predictor {
	out := make(map[string]forecast.Predictor)
	for kind, path := range map[string]string{"load": cfg.LoadModelPath, "solar": cfg.SolarModelPath} {
		if path == "" {
			continue
		}
		m, err := forecast.LoadEnsemble(path)
		if err != nil {
			logger.Warn("forecast_model_unavailable", "kind", kind, "path", path, "err", err)
			continue
		}
		out[kind] = m
	}
	return out
}

// sinks connects the optional cache and alert stream. Either may be nil.
func sinks(ctx context.Context) (*cache.RedisClient, *stream.KafkaAlerts) {
	var rc *cache.RedisClient
	if cfg.RedisAddr != "" {
		c, err := cache.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis_unavailable", "addr", cfg.RedisAddr, "err", err)
		} else {
			rc = c
		}
	}

	var ka *stream.KafkaAlerts
	if len(cfg.KafkaBrokers) > 0 {
		k, err := stream.NewKafkaAlerts(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		if err != nil {
			logger.Warn("kafka_unavailable", "err", err)
		} else {
			ka = k
		}
	}
	return rc, ka
}

// newPipeline builds a pipeline over the open database, skipping sinks that are not connected.
func newPipeline(engine *diagnostics.Engine, rc *cache.RedisClient, ka *stream.KafkaAlerts) *monitor.Pipeline {
	p := &monitor.Pipeline{Engine: engine, Store: database, Log: logger}
	if rc != nil {
		p.Cache = rc
	}
	if ka != nil {
		p.Alerts = ka
	}
	return p
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			opts := api.Options{
				DB:           database,
				Forecasters:  loadForecasters(),
				HistoryLimit: cfg.HistoryLimit,
				Logger:       logger,
			}

			engine, err := loadEngine(ctx)
			if err != nil {
				logger.Error("model_unavailable", "err", err)
			} else {
				opts.Engine = engine
			}

			rc, ka := sinks(ctx)
			if rc != nil {
				defer rc.Close()
				opts.Cache = rc
			}
			if ka != nil {
				defer ka.Close()
				opts.Alerts = ka
			}

			addr := cfg.HTTPAddr
			if cmd.Flags().Changed("port") {
				addr = fmt.Sprintf(":%d", port)
			}

			server := api.NewServer(opts)
			srv := &http.Server{
				Addr:         addr,
				Handler:      server.Handler(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			done := make(chan struct{})
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-quit
				logger.Info("server_shutting_down")

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				srv.SetKeepAlivesEnabled(false)
				if err := srv.Shutdown(ctx); err != nil {
					logger.Error("shutdown_failed", "err", err)
				}
				close(done)
			}()

			logger.Info("server_listening", "addr", addr, "db", cfg.DBPath)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("could not listen on %s: %w", addr, err)
			}

			<-done
			logger.Info("server_stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port (default from $MICROGRID_HTTP_ADDR)")
	return cmd
}

// ingestCmd ingests sensor readings from files
func ingestCmd() *cobra.Command {
	var format string
	var validate bool
	var diagnose bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest sensor readings from files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			var pipeline *monitor.Pipeline
			if diagnose {
				engine, err := loadEngine(cmd.Context())
				if err != nil {
					return err
				}
				rc, ka := sinks(cmd.Context())
				if rc != nil {
					defer rc.Close()
				}
				if ka != nil {
					defer ka.Close()
				}
				pipeline = newPipeline(engine, rc, ka)
			}

			p := parser.NewParser(format)
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				if validate {
					var valid []models.SensorRecord
					for i := range records {
						if errs := parser.ValidateReading(&records[i]); len(errs) == 0 {
							valid = append(valid, records[i])
						} else {
							logger.Debug("reading_rejected", "timestamp", records[i].Timestamp, "reason", errs[0])
							totalErrors++
						}
					}
					records = valid
				}

				var count int
				if pipeline != nil {
					res, err := pipeline.ProcessBatch(cmd.Context(), records)
					if err != nil {
						return fmt.Errorf("diagnose %s: %w", file, err)
					}
					count = len(res.Verdicts)
					fmt.Printf("  run %s: %d anomalies, %d unscoreable\n", res.RunID, res.Anomalies, res.Errors)
				} else {
					n, err := database.InsertReadingBatch(records)
					if err != nil {
						fmt.Printf("  Database error: %v\n", err)
						continue
					}
					count = int(n)
				}

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Inserted %d records in %v (%.0f records/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalRecords += count
			}

			fmt.Printf("\nTotal: %d records ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, log)")
	cmd.Flags().BoolVarP(&validate, "validate", "v", true, "Validate records before inserting")
	cmd.Flags().BoolVarP(&diagnose, "diagnose", "d", false, "Diagnose records and store verdicts alongside readings")
	return cmd
}

// queryCmd queries stored readings or verdicts
func queryCmd() *cobra.Command {
	var startTime string
	var endTime string
	var limit int
	var outputFormat string
	var verdicts bool
	var runID string
	var anomaliesOnly bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored readings or verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			start := time.Now()
			var results interface{}
			var n int
			if verdicts {
				rows, err := database.QueryVerdicts(models.VerdictQuery{RunID: runID, AnomaliesOnly: anomaliesOnly, Limit: limit})
				if err != nil {
					return fmt.Errorf("query error: %w", err)
				}
				results, n = rows, len(rows)
			} else {
				rows, err := database.QueryReadings(models.ReadingQuery{StartTime: startTime, EndTime: endTime, Limit: limit})
				if err != nil {
					return fmt.Errorf("query error: %w", err)
				}
				results, n = rows, len(rows)
			}
			elapsed := time.Since(start)

			if outputFormat == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			fmt.Printf("Found %d records (query time: %v)\n\n", n, elapsed)
			switch rows := results.(type) {
			case []models.StoredVerdict:
				for _, v := range rows {
					fmt.Printf("[%s] %-8s %-7v %-8s mse=%.6f  %s\n", v.Timestamp, shortID(v.RunID), v.Anomaly, v.Severity, v.MSE, v.Devices)
					if v.Error != "" {
						fmt.Printf("     ⚠️  %s\n", v.Error)
					}
				}
			case []models.Reading:
				for _, r := range rows {
					rec := r.Record
					fmt.Printf("[%s] Solar: %.2f kW @ %.1f V | Load: %.2f kW | Battery: %.1f V %.1f°C SoC %.0f%% | Relay: %.0f\n",
						rec.Timestamp,
						rec.Value(models.FieldSolarGen), rec.Value(models.FieldSolarVoltage),
						rec.Value(models.FieldConsumption),
						rec.Value(models.FieldBatteryVoltage), rec.Value(models.FieldBatteryTemp), rec.Value(models.FieldSOC),
						rec.Value(models.FieldRelayState))
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start timestamp (inclusive)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End timestamp (inclusive)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum records to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&verdicts, "verdicts", false, "Query stored verdicts instead of readings")
	cmd.Flags().StringVar(&runID, "run", "", "Filter verdicts by run id")
	cmd.Flags().BoolVarP(&anomaliesOnly, "anomalies", "a", false, "Only anomalous verdicts")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Solar Microgrid Monitor Statistics")
			fmt.Println("=====================================")
			fmt.Printf("  Readings:           %d\n", stats.TotalReadings)
			fmt.Printf("  Verdicts:           %d (%d runs)\n", stats.TotalVerdicts, stats.Runs)
			fmt.Printf("  Anomalies:          %d\n", stats.Anomalies)
			for _, sev := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh} {
				fmt.Printf("    %-8s          %d\n", sev, stats.BySeverity[string(sev)])
			}
			fmt.Printf("  Unscoreable:        %d\n", stats.RecordErrors)
			fmt.Printf("  Database:           %s\n", cfg.DBPath)

			return nil
		},
	}
}
