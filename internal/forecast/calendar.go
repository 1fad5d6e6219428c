package forecast

import (
	"time"

	"solar-microgrid-monitor/internal/models"
)

// HourOfDay is the feature the hourly profile sweeps.
const HourOfDay = "hour_of_day"

// HalfHourSlots is the number of half-hour steps in a day-ahead forecast.
const HalfHourSlots = 48

// Predictor is satisfied by *Ensemble.
type Predictor interface {
	Predict(features map[string]float64) float64
}

// CalendarFeatures derives the time features the load model was trained on.
// day_of_week counts from Monday = 0.
func CalendarFeatures(t time.Time) map[string]float64 {
	dow := (int(t.Weekday()) + 6) % 7
	weekend := 0.0
	if dow >= 5 {
		weekend = 1
	}
	return map[string]float64{
		"hour":         float64(t.Hour()),
		"day_of_week":  float64(dow),
		"day_of_month": float64(t.Day()),
		"month":        float64(t.Month()),
		"quarter":      float64((int(t.Month())-1)/3 + 1),
		"year":         float64(t.Year()),
		"is_weekend":   weekend,
	}
}

// HourlyProfile predicts one value per hour of the day, sweeping hour_of_day
// over 0..23 on top of the caller's base features.
func HourlyProfile(p Predictor, base map[string]float64) []float64 {
	out := make([]float64, 24)
	for h := 0; h < 24; h++ {
		in := make(map[string]float64, len(base)+1)
		for k, v := range base {
			in[k] = v
		}
		in[HourOfDay] = float64(h)
		out[h] = p.Predict(in)
	}
	return out
}

// NextDay forecasts the 48 half-hour slots after last and picks the one-hour
// windows starting at the highest and lowest predictions.
func NextDay(p Predictor, last time.Time) models.DayForecast {
	var fc models.DayForecast
	fc.Points = make([]models.ForecastPoint, 0, HalfHourSlots)

	hi, lo := 0, 0
	for i := 1; i <= HalfHourSlots; i++ {
		ts := last.Add(time.Duration(i) * 30 * time.Minute)
		pt := models.ForecastPoint{Timestamp: ts, Predicted: p.Predict(CalendarFeatures(ts))}
		fc.Points = append(fc.Points, pt)

		n := len(fc.Points) - 1
		if pt.Predicted > fc.Points[hi].Predicted {
			hi = n
		}
		if pt.Predicted < fc.Points[lo].Predicted {
			lo = n
		}
	}

	fc.Peak = window(fc.Points[hi])
	fc.Trough = window(fc.Points[lo])
	return fc
}

func window(pt models.ForecastPoint) models.LoadWindow {
	return models.LoadWindow{
		Day:   pt.Timestamp.Weekday().String(),
		Start: pt.Timestamp,
		End:   pt.Timestamp.Add(time.Hour),
		Value: pt.Predicted,
	}
}
