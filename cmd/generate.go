package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/parser"
)

const (
	injectPerKind    = 3
	injectedBattTemp = 65.0
	injectedMinLoad  = 3.0
	defaultSeed      = 12345
	timestampLayout  = "2006-01-02 15:04:05"
)

// injection records which rows were turned into each failure kind.
type injection struct {
	Solar   []int
	Battery []int
	Relay   []int
}

// synthesize builds n plausible readings at step intervals from start.
func synthesize(rng *rand.Rand, n int, start time.Time, step time.Duration) []models.SensorRecord {
	recs := make([]models.SensorRecord, 0, n)
	soc := 60.0

	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * step)
		hour := float64(ts.Hour()) + float64(ts.Minute())/60
		sun := math.Max(0, math.Sin(math.Pi*(hour-6)/12))

		voltage := 2 * rng.Float64()
		if sun > 0 {
			voltage = 16 + 4*sun + rng.NormFloat64()*0.3
		}
		gen := 5 * sun * (0.9 + 0.2*rng.Float64())
		current := 8*sun + rng.NormFloat64()*0.1
		if current < 0 {
			current = 0
		}

		relay := 1.0
		load := 0.5 + 0.8*math.Exp(-math.Pow(hour-19, 2)/4) + 0.2*rng.Float64()
		if rng.Float64() < 0.1 {
			relay = 0
			load = 0.2 * rng.Float64()
		}

		net := gen - load
		soc = math.Min(100, math.Max(20, soc+net*step.Hours()*4))

		rec := models.NewSensorRecord(ts.Format(timestampLayout), map[string]float64{
			models.FieldSolarGen:       round2(gen),
			models.FieldSolarVoltage:   round2(voltage),
			models.FieldSolarCurrent:   round2(current),
			models.FieldConsumption:    round2(load),
			models.FieldBatteryVoltage: round2(12.2 + 1.2*soc/100),
			models.FieldBatteryCurrent: round2(net * 4),
			models.FieldBatteryTemp:    round2(25 + 10*sun + rng.NormFloat64()),
			models.FieldSOC:            round2(soc),
			models.FieldEnvTemp:        round2(18 + 12*sun + rng.NormFloat64()),
			models.FieldEnvHumidity:    round2(60 - 25*sun + 3*rng.NormFloat64()),
			models.FieldRelayState:     relay,
		})
		recs = append(recs, rec)
	}
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// choose picks k distinct entries of pool, or all of them when pool is smaller.
func choose(rng *rand.Rand, pool []int, k int) []int {
	if k > len(pool) {
		k = len(pool)
	}
	out := make([]int, 0, k)
	for _, j := range rng.Perm(len(pool))[:k] {
		out = append(out, pool[j])
	}
	return out
}

// inject plants three solar failures on daylight rows, three battery
// overheats and three relay/load mismatches, preferring rows whose relay is
// already open.
func inject(rng *rand.Rand, recs []models.SensorRecord) injection {
	var day, open, all []int
	for i, r := range recs {
		all = append(all, i)
		if r.Value(models.FieldSolarVoltage) > 15 {
			day = append(day, i)
		}
		if r.Has(models.FieldRelayState) && r.Value(models.FieldRelayState) == 0 {
			open = append(open, i)
		}
	}

	var inj injection
	inj.Solar = choose(rng, day, injectPerKind)
	for _, i := range inj.Solar {
		recs[i].Set(models.FieldSolarVoltage, 0)
		recs[i].Set(models.FieldSolarCurrent, 0)
		recs[i].Set(models.FieldSolarGen, 0)
	}

	inj.Battery = choose(rng, all, injectPerKind)
	for _, i := range inj.Battery {
		recs[i].Set(models.FieldBatteryTemp, injectedBattTemp)
	}

	pool := open
	if len(pool) < injectPerKind {
		pool = all
	}
	inj.Relay = choose(rng, pool, injectPerKind)
	for _, i := range inj.Relay {
		recs[i].Set(models.FieldRelayState, 0)
		recs[i].Set(models.FieldConsumption, math.Max(recs[i].Value(models.FieldConsumption), injectedMinLoad))
	}
	return inj
}

// writeSensorCSV writes records with the canonical column layout; absent
// fields are left empty.
func writeSensorCSV(w io.Writer, recs []models.SensorRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"timestamp"}, models.FeatureNames...)); err != nil {
		return err
	}
	row := make([]string, len(models.FeatureNames)+1)
	for _, r := range recs {
		row[0] = r.Timestamp
		for i, name := range models.FeatureNames {
			switch raw, bad := r.Malformed[name]; {
			case bad:
				row[i+1] = raw
			case r.Has(name):
				row[i+1] = strconv.FormatFloat(r.Value(name), 'f', -1, 64)
			default:
				row[i+1] = ""
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func timestamps(recs []models.SensorRecord, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = recs[j].Timestamp
	}
	return out
}

// generateCmd builds a sample dataset with injected failures
func generateCmd() *cobra.Command {
	var count int
	var input string
	var output string
	var startTime string
	var interval time.Duration
	var seed int64
	var clean bool
	var store bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a sample dataset with injected failures",
		Long: `Generate synthetic microgrid readings (or load --input) and inject three
solar failures, three battery overheats and three relay/load mismatches at
rows chosen deterministically from --seed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng := rand.New(rand.NewSource(seed))

			var records []models.SensorRecord
			if input != "" {
				var err error
				records, err = parser.NewParser("csv").ParseFile(input)
				if err != nil {
					return err
				}
			} else {
				start, err := parser.ParseTimestamp(startTime)
				if err != nil {
					return err
				}
				records = synthesize(rng, count, start, interval)
			}

			if !clean {
				inj := inject(rng, records)
				fmt.Println("Solar-failure injected at:")
				fmt.Println(" ", timestamps(records, inj.Solar))
				fmt.Println("Battery-overheat injected at:")
				fmt.Println(" ", timestamps(records, inj.Battery))
				fmt.Println("Relay-mismatch injected at:")
				fmt.Println(" ", timestamps(records, inj.Relay))
			}

			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("error creating output file: %w", err)
			}
			defer file.Close()
			if err := writeSensorCSV(file, records); err != nil {
				return err
			}
			fmt.Printf("✓ Saved %d readings to %s\n", len(records), output)

			if store {
				if err := initDB(); err != nil {
					return fmt.Errorf("database error: %w", err)
				}
				defer database.Close()

				n, err := database.InsertReadingBatch(records)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Inserted %d readings into %s\n", n, cfg.DBPath)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 500, "Number of readings to synthesize")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Inject into an existing CSV instead of synthesizing")
	cmd.Flags().StringVarP(&output, "output", "o", "solar_dataset_500_bad.csv", "Output CSV path")
	cmd.Flags().StringVar(&startTime, "start", "2025-03-01 00:00:00", "Timestamp of the first synthesized reading")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Minute, "Spacing between synthesized readings")
	cmd.Flags().Int64Var(&seed, "seed", defaultSeed, "Random seed")
	cmd.Flags().BoolVar(&clean, "clean", false, "Skip failure injection")
	cmd.Flags().BoolVar(&store, "store", false, "Also insert the readings into the database")
	return cmd
}
