package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"solar-microgrid-monitor/internal/models"
)

// ErrMissingTimestamp is returned for a JSON record that carries no timestamp
var ErrMissingTimestamp = errors.New("missing timestamp")

// Parser handles parsing of sensor data files
type Parser struct {
	format string
}

// NewParser creates a new parser with the specified format
func NewParser(format string) *Parser {
	return &Parser{format: format}
}

// ParseFile parses a sensor data file
func (p *Parser) ParseFile(filename string) ([]models.SensorRecord, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse reads records in the parser's format from r
func (p *Parser) Parse(r io.Reader) ([]models.SensorRecord, error) {
	switch strings.ToLower(p.format) {
	case "csv":
		return p.parseCSV(r)
	case "json":
		return p.parseJSON(r)
	case "log":
		return p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// parseCSV parses CSV formatted sensor data. Cells that are not numbers are
// kept on the record as malformed so scoring can reject that row alone.
func (p *Parser) parseCSV(r io.Reader) ([]models.SensorRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable fields

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map header indices
	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := indices["timestamp"]; !ok {
		return nil, fmt.Errorf("missing timestamp column")
	}

	var results []models.SensorRecord
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}
		lineNum++

		results = append(results, recordToReading(record, indices))
	}

	return results, nil
}

// recordToReading converts a CSV record to a SensorRecord
func recordToReading(record []string, indices map[string]int) models.SensorRecord {
	getValue := func(key string) string {
		if idx, ok := indices[key]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	rec := models.NewSensorRecord(getValue("timestamp"), nil)
	for _, name := range models.FeatureNames {
		rec.SetRaw(name, getValue(name))
	}
	return rec
}

// parseJSON parses a JSON array, a {"data": [...]} envelope, or newline-delimited JSON
func (p *Parser) parseJSON(r io.Reader) ([]models.SensorRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	results, err := DecodeJSON(data)
	if err == nil {
		return results, nil
	}
	// An array or a record without a timestamp is not JSON lines
	if errors.Is(err, ErrMissingTimestamp) || bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		return nil, err
	}

	return p.parseJSONLines(bytes.NewReader(data))
}

// DecodeJSON decodes a JSON array of records or an object wrapping one under "data"
func DecodeJSON(data []byte) ([]models.SensorRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	var results []models.SensorRecord
	if data[0] == '[' {
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, err
		}
		return requireTimestamps(results)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("missing 'data' field")
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single models.SensorRecord
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, err
		}
		return requireTimestamps([]models.SensorRecord{single})
	}
	if err := json.Unmarshal(trimmed, &results); err != nil {
		return nil, err
	}
	return requireTimestamps(results)
}

func requireTimestamps(recs []models.SensorRecord) ([]models.SensorRecord, error) {
	for i, rec := range recs {
		if strings.TrimSpace(rec.Timestamp) == "" {
			return nil, fmt.Errorf("record %d: %w", i, ErrMissingTimestamp)
		}
	}
	return recs, nil
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.SensorRecord, error) {
	var results []models.SensorRecord
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		// Remove trailing comma if present
		line = strings.TrimSuffix(line, ",")

		var rec models.SensorRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Printf("Warning: line %d: %v", lineNum, err)
			continue
		}
		if strings.TrimSpace(rec.Timestamp) == "" {
			log.Printf("Warning: line %d: %v", lineNum, ErrMissingTimestamp)
			continue
		}
		results = append(results, rec)
	}

	return results, scanner.Err()
}

// parseLog parses pipe-delimited lines: timestamp|solar_gen|...|relay_state
func (p *Parser) parseLog(r io.Reader) ([]models.SensorRecord, error) {
	var results []models.SensorRecord
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < len(models.FeatureNames)+1 {
			log.Printf("Warning: line %d: insufficient fields", lineNum)
			continue
		}

		rec := models.NewSensorRecord(strings.TrimSpace(parts[0]), nil)
		for i, name := range models.FeatureNames {
			rec.SetRaw(name, parts[i+1])
		}
		results = append(results, rec)
	}

	return results, scanner.Err()
}

// ParseTimestamp tries multiple timestamp formats
func ParseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"02-01-2006 15:04",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateReading validates a sensor record
func ValidateReading(r *models.SensorRecord) []string {
	var errors []string

	if r.Timestamp == "" {
		errors = append(errors, "timestamp is required")
	}
	for _, name := range models.FeatureNames {
		if raw, bad := r.Malformed[name]; bad {
			errors = append(errors, fmt.Sprintf("%s is not numeric: %q", name, raw))
		}
	}
	if v := r.Value(models.FieldSOC); v < 0 || v > 100 {
		errors = append(errors, "soc must be between 0 and 100")
	}
	if v := r.Value(models.FieldEnvHumidity); v < 0 || v > 100 {
		errors = append(errors, "env_humidity must be between 0 and 100")
	}
	if v := r.Value(models.FieldRelayState); v != 0 && v != 1 {
		errors = append(errors, "relay_state must be 0 or 1")
	}
	if r.Value(models.FieldSolarVoltage) < 0 || r.Value(models.FieldBatteryVoltage) < 0 {
		errors = append(errors, "voltages cannot be negative")
	}
	if r.Value(models.FieldSolarGen) < 0 {
		errors = append(errors, "solar_gen cannot be negative")
	}

	return errors
}
