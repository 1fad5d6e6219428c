package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-microgrid-monitor/internal/models"
)

var sample = []models.Verdict{
	{Timestamp: "2025-03-01 12:00:00", Severity: models.SeverityNone, Causes: []string{models.CauseSystemNormal}},
	{Timestamp: "2025-03-01 12:30:00", IsAnomaly: true, Severity: models.SeverityMedium,
		Causes: []string{models.CauseSolar, models.CauseRelayLoad}},
	{Timestamp: "2025-03-01 13:00:00", Severity: models.SeverityNone, Err: "bad soc"},
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample))

	want := "timestamp,Anomaly,Severity,Devices\n" +
		"2025-03-01 12:00:00,False,None,System Normal\n" +
		"2025-03-01 12:30:00,True,Medium,\"Solar (disconnected/shaded), Relay/Load (mismatch)\"\n" +
		"2025-03-01 13:00:00,False,None,Unscoreable: bad soc\n"
	assert.Equal(t, want, buf.String())
}

func TestRowsJSON(t *testing.T) {
	data, err := json.Marshal(Rows(sample[:2]))
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"timestamp":"2025-03-01 12:00:00","Anomaly":false,"Severity":null,"Devices":"System Normal"},
		{"timestamp":"2025-03-01 12:30:00","Anomaly":true,"Severity":"Medium","Devices":"Solar (disconnected/shaded), Relay/Load (mismatch)"}
	]`, string(data))
}
