package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"solar-microgrid-monitor/internal/artifacts"
	"solar-microgrid-monitor/internal/diagnostics"
	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/parser"
	"solar-microgrid-monitor/internal/report"
)

// diagnoseCmd writes a full diagnostic report for a dataset
func diagnoseCmd() *cobra.Command {
	var format string
	var output string
	var preview int
	var persist bool

	cmd := &cobra.Command{
		Use:   "diagnose [file]",
		Short: "Diagnose every reading in a dataset and write the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := loadEngine(ctx)
			if err != nil {
				return err
			}

			records, err := parser.NewParser(format).ParseFile(args[0])
			if err != nil {
				return err
			}

			start := time.Now()
			var verdicts []models.Verdict
			if persist {
				if err := initDB(); err != nil {
					return fmt.Errorf("database error: %w", err)
				}
				defer database.Close()

				rc, ka := sinks(ctx)
				if rc != nil {
					defer rc.Close()
				}
				if ka != nil {
					defer ka.Close()
				}
				res, err := newPipeline(engine, rc, ka).ProcessBatch(ctx, records)
				if err != nil {
					return err
				}
				verdicts = res.Verdicts
				fmt.Printf("Stored run %s\n", res.RunID)
			} else {
				verdicts, err = engine.DiagnoseBatch(ctx, records)
				if err != nil {
					return err
				}
			}
			elapsed := time.Since(start)

			if err := report.WriteCSVFile(output, verdicts); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Printf("✅ Results saved to %s (%d records in %v)\n", output, len(verdicts), elapsed)

			if preview > 0 {
				fmt.Printf("\n🔎 Preview (first %d rows):\n\n", preview)
				printPreview(os.Stdout, verdicts, preview)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, log)")
	cmd.Flags().StringVarP(&output, "output", "o", "diagnostic_results.csv", "Report output path")
	cmd.Flags().IntVarP(&preview, "preview", "n", 50, "Rows to print after writing the report (0 disables)")
	cmd.Flags().BoolVar(&persist, "persist", false, "Store readings and verdicts in the database")
	return cmd
}

func printPreview(w io.Writer, verdicts []models.Verdict, n int) {
	if n > len(verdicts) {
		n = len(verdicts)
	}
	fmt.Fprintf(w, "%-20s %-8s %-8s %s\n", "timestamp", "Anomaly", "Severity", "Devices")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, v := range verdicts[:n] {
		anomaly := "False"
		if v.IsAnomaly {
			anomaly = "True"
		}
		devices := v.Devices()
		if v.Err != "" {
			devices = "Unscoreable: " + v.Err
		}
		fmt.Fprintf(w, "%-20s %-8s %-8s %s\n", v.Timestamp, anomaly, v.Severity, devices)
	}
}

// scoreCmd lists anomalous readings with their reconstruction error
func scoreCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "score [file]",
		Short: "Print anomalous readings and their reconstruction error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}

			records, err := parser.NewParser(format).ParseFile(args[0])
			if err != nil {
				return err
			}

			verdicts, err := engine.DiagnoseBatch(cmd.Context(), records)
			if err != nil {
				return err
			}

			fmt.Println("timestamp, mse, anomaly")
			for _, v := range verdicts {
				if v.IsAnomaly {
					fmt.Printf("%s  %.6f  Anomaly=True\n", v.Timestamp, v.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, log)")
	return cmd
}

// calibrateCmd derives the anomaly threshold from known-normal readings
func calibrateCmd() *cobra.Command {
	var format string
	var percentile float64
	var write bool

	cmd := &cobra.Command{
		Use:   "calibrate [file]",
		Short: "Compute the anomaly threshold from known-normal readings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := artifactSource()
			if err != nil {
				return err
			}
			scaler, err := artifacts.LoadScaler(cmd.Context(), src)
			if err != nil {
				return err
			}
			model, err := artifacts.LoadModel(cmd.Context(), src)
			if err != nil {
				return err
			}

			records, err := parser.NewParser(format).ParseFile(args[0])
			if err != nil {
				return err
			}

			threshold, err := diagnostics.Calibrate(scaler, model, records, percentile)
			if err != nil {
				return err
			}
			fmt.Printf("Threshold (p%g over %d readings): %.6f\n", percentile, len(records), threshold)

			if write {
				if cfg.S3.Endpoint != "" {
					return fmt.Errorf("--write needs a local artifacts directory")
				}
				if err := artifacts.WriteThreshold(cfg.ArtifactsDir, threshold); err != nil {
					return err
				}
				fmt.Printf("Saved to %s/%s\n", cfg.ArtifactsDir, artifacts.ThresholdFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, log)")
	cmd.Flags().Float64VarP(&percentile, "percentile", "p", diagnostics.DefaultCalibrationPercentile, "Error percentile used as threshold")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Overwrite the threshold artifact")
	return cmd
}
