package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"solar-microgrid-monitor/internal/forecast"
	"solar-microgrid-monitor/internal/parser"
)

// forecastCmd prints a next-day or hourly forecast
func forecastCmd() *cobra.Command {
	var kind string
	var modelPath string
	var from string
	var hourly bool
	var features map[string]string
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast load or solar generation",
		Long: `Forecast the next day in half-hour steps starting after --from (default: the
newest stored reading, else now), reporting the peak and trough hour windows.
With --hourly, sweep hour_of_day over 0..23 on top of the given --set features.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelPath == "" {
				switch kind {
				case "load":
					modelPath = cfg.LoadModelPath
				case "solar":
					modelPath = cfg.SolarModelPath
				}
			}
			if modelPath == "" {
				return fmt.Errorf("no %s model configured", kind)
			}
			model, err := forecast.LoadEnsemble(modelPath)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if hourly {
				base := make(map[string]float64, len(features))
				for k, v := range features {
					f, err := strconv.ParseFloat(v, 64)
					if err != nil {
						return fmt.Errorf("feature %s: %w", k, err)
					}
					base[k] = f
				}
				preds := forecast.HourlyProfile(model, base)
				if outputFormat == "json" {
					return enc.Encode(map[string][]float64{"predictions": preds})
				}
				for h, p := range preds {
					fmt.Printf("  %02d:00  %.3f\n", h, p)
				}
				return nil
			}

			origin, err := forecastOrigin(from)
			if err != nil {
				return err
			}
			fc := forecast.NextDay(model, origin)
			if outputFormat == "json" {
				return enc.Encode(fc)
			}

			fmt.Printf("📈 %s forecast after %s\n", kind, origin.Format("2006-01-02 15:04"))
			fmt.Println("==========================================")
			for _, pt := range fc.Points {
				fmt.Printf("  %s  %.3f\n", pt.Timestamp.Format("Mon 15:04"), pt.Predicted)
			}
			fmt.Printf("\n  Peak:   %s %s-%s  %.3f\n", fc.Peak.Day, fc.Peak.Start.Format("15:04"), fc.Peak.End.Format("15:04"), fc.Peak.Value)
			fmt.Printf("  Trough: %s %s-%s  %.3f\n", fc.Trough.Day, fc.Trough.Start.Format("15:04"), fc.Trough.End.Format("15:04"), fc.Trough.Value)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "load", "Forecast kind (load, solar)")
	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "Model file (default from $MICROGRID_LOAD_MODEL / $MICROGRID_SOLAR_MODEL)")
	cmd.Flags().StringVar(&from, "from", "", "Forecast origin timestamp")
	cmd.Flags().BoolVar(&hourly, "hourly", false, "Print a 24-hour profile instead of the next-day forecast")
	cmd.Flags().StringToStringVar(&features, "set", nil, "Base features for --hourly, e.g. --set temperature=21,day_of_week=2")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// forecastOrigin resolves --from, falling back to the newest stored reading
// and then to the current half hour.
func forecastOrigin(from string) (time.Time, error) {
	if from != "" {
		return parser.ParseTimestamp(from)
	}
	if err := initDB(); err == nil {
		defer database.Close()
		if latest, err := database.LatestReadings(1); err == nil && len(latest) == 1 {
			if t, err := parser.ParseTimestamp(latest[0].Timestamp); err == nil {
				return t, nil
			}
		}
	}
	return time.Now().UTC().Truncate(30 * time.Minute), nil
}
