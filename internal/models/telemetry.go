package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sensor field names, in the order the scaler and autoencoder were trained on.
const (
	FieldSolarGen       = "solar_gen"
	FieldSolarVoltage   = "solar_voltage"
	FieldSolarCurrent   = "solar_current"
	FieldConsumption    = "consumption"
	FieldBatteryVoltage = "battery_voltage"
	FieldBatteryCurrent = "battery_current"
	FieldBatteryTemp    = "battery_temp"
	FieldSOC            = "soc"
	FieldEnvTemp        = "env_temp"
	FieldEnvHumidity    = "env_humidity"
	FieldRelayState     = "relay_state"
)

// FeatureNames is the fixed feature order of a FeatureVector.
var FeatureNames = []string{
	FieldSolarGen,
	FieldSolarVoltage,
	FieldSolarCurrent,
	FieldConsumption,
	FieldBatteryVoltage,
	FieldBatteryCurrent,
	FieldBatteryTemp,
	FieldSOC,
	FieldEnvTemp,
	FieldEnvHumidity,
	FieldRelayState,
}

// IsFeature reports whether name is one of the scored sensor fields.
func IsFeature(name string) bool {
	for _, f := range FeatureNames {
		if f == name {
			return true
		}
	}
	return false
}

// SensorRecord is a single timestamped microgrid reading.
// Absent fields read as 0. Feature values that were present but could not be
// read as numbers are kept in Malformed so the record can be rejected on its own.
type SensorRecord struct {
	Timestamp string
	Fields    map[string]float64
	Malformed map[string]string
}

// NewSensorRecord builds a record from a timestamp and field values.
func NewSensorRecord(ts string, fields map[string]float64) SensorRecord {
	if fields == nil {
		fields = make(map[string]float64)
	}
	return SensorRecord{Timestamp: ts, Fields: fields}
}

// Value returns the named field, or 0 when the field is absent.
func (r SensorRecord) Value(name string) float64 {
	return r.Fields[name]
}

// Has reports whether the field was present in the source data.
func (r SensorRecord) Has(name string) bool {
	_, ok := r.Fields[name]
	return ok
}

// Set stores a field value.
func (r *SensorRecord) Set(name string, v float64) {
	if r.Fields == nil {
		r.Fields = make(map[string]float64)
	}
	r.Fields[name] = v
}

// MarkMalformed records a feature whose raw value is not numeric.
func (r *SensorRecord) MarkMalformed(name, raw string) {
	if r.Malformed == nil {
		r.Malformed = make(map[string]string)
	}
	r.Malformed[name] = raw
}

// SetRaw coerces a raw text value the way a numeric cast would.
// Empty text leaves the field absent.
func (r *SensorRecord) SetRaw(name, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if v, ok := ParseNumber(raw); ok {
		r.Set(name, v)
		return
	}
	r.MarkMalformed(name, raw)
}

// ParseNumber parses numeric text, accepting the boolean spellings a numeric
// cast accepts as well.
func ParseNumber(raw string) (float64, bool) {
	switch strings.ToLower(raw) {
	case "true":
		return 1, true
	case "false":
		return 0, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// UnmarshalJSON decodes a flat object: "timestamp" plus the sensor fields.
// Unknown keys are ignored.
func (r *SensorRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rec := SensorRecord{Fields: make(map[string]float64)}
	if ts, ok := raw["timestamp"]; ok && ts != nil {
		switch v := ts.(type) {
		case string:
			rec.Timestamp = v
		case float64:
			rec.Timestamp = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			rec.Timestamp = fmt.Sprint(v)
		}
	}

	for _, name := range FeatureNames {
		val, ok := raw[name]
		if !ok || val == nil {
			continue
		}
		switch v := val.(type) {
		case float64:
			rec.Fields[name] = v
		case bool:
			if v {
				rec.Fields[name] = 1
			} else {
				rec.Fields[name] = 0
			}
		case string:
			rec.SetRaw(name, v)
		default:
			rec.MarkMalformed(name, fmt.Sprint(v))
		}
	}

	*r = rec
	return nil
}

// MarshalJSON encodes the record as a flat object.
func (r SensorRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+1)
	out["timestamp"] = r.Timestamp
	for k, v := range r.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// Reading is a stored sensor record
type Reading struct {
	ID        int64        `json:"id"`
	Record    SensorRecord `json:"record"`
	CreatedAt time.Time    `json:"created_at"`
}

// ReadingQuery represents query parameters for reading searches.
// Timestamps are compared as text, so they must share one sortable layout.
type ReadingQuery struct {
	StartTime string
	EndTime   string
	Limit     int
	Offset    int
}

// VerdictQuery represents query parameters for verdict searches
type VerdictQuery struct {
	RunID         string
	AnomaliesOnly bool
	Severity      string
	Limit         int
	Offset        int
}

// Stats provides aggregated store statistics
type Stats struct {
	TotalReadings int64            `json:"total_readings"`
	TotalVerdicts int64            `json:"total_verdicts"`
	Anomalies     int64            `json:"anomalies"`
	RecordErrors  int64            `json:"record_errors"`
	BySeverity    map[string]int64 `json:"by_severity"`
	Runs          int64            `json:"runs"`
}
