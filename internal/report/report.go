// Package report renders diagnostic verdicts as the flat report consumed
// downstream.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"solar-microgrid-monitor/internal/models"
)

// Header is the report column layout.
var Header = []string{"timestamp", "Anomaly", "Severity", "Devices"}

// Rows flattens verdicts for JSON responses.
func Rows(verdicts []models.Verdict) []models.ReportRow {
	rows := make([]models.ReportRow, len(verdicts))
	for i, v := range verdicts {
		rows[i] = v.Row()
	}
	return rows
}

// WriteCSV writes the report with a header row.
func WriteCSV(w io.Writer, verdicts []models.Verdict) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, v := range verdicts {
		if err := cw.Write(csvRow(v)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the report to path, replacing any existing file.
func WriteCSVFile(path string, verdicts []models.Verdict) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating report: %w", err)
	}
	defer f.Close()

	if err := WriteCSV(f, verdicts); err != nil {
		return err
	}
	return f.Close()
}

func csvRow(v models.Verdict) []string {
	severity := v.Severity
	if severity == "" {
		severity = models.SeverityNone
	}
	devices := v.Devices()
	if v.Err != "" {
		devices = "Unscoreable: " + v.Err
	}
	return []string{v.Timestamp, pyBool(v.IsAnomaly), string(severity), devices}
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
