package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"solar-microgrid-monitor/internal/models"
	"solar-microgrid-monitor/internal/parser"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// sortKeyLayout is fixed-width so keys order correctly as text.
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

// SortKey normalizes a timestamp to UTC so mixed source layouts order
// chronologically. Timestamps no layout recognizes are kept verbatim.
func SortKey(ts string) string {
	t, err := parser.ParseTimestamp(ts)
	if err != nil {
		return ts
	}
	return t.UTC().Format(sortKeyLayout)
}

// featureColumns lists reading columns in feature order; names match the sensor fields.
var featureColumns = strings.Join(models.FeatureNames, ", ")

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	var cols []string
	for _, name := range models.FeatureNames {
		cols = append(cols, fmt.Sprintf("\t\t%s REAL,", name))
	}

	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		ts_key TEXT,
` + strings.Join(cols, "\n") + `
		malformed TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS verdicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		ts_key TEXT,
		anomaly INTEGER NOT NULL,
		severity TEXT NOT NULL,
		devices TEXT NOT NULL,
		mse REAL NOT NULL,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_verdicts_run_id ON verdicts(run_id);
	CREATE INDEX IF NOT EXISTS idx_verdicts_anomaly ON verdicts(anomaly) WHERE anomaly = 1;
	`

	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}

	// Databases created before ts_key/malformed existed
	for _, c := range []struct{ table, column string }{
		{"readings", "ts_key"},
		{"readings", "malformed"},
		{"verdicts", "ts_key"},
	} {
		if err := db.ensureColumn(c.table, c.column); err != nil {
			return err
		}
	}

	for _, table := range []string{"readings", "verdicts"} {
		if err := db.backfillSortKeys(table); err != nil {
			return err
		}
	}

	_, err := db.conn.Exec(`
	CREATE INDEX IF NOT EXISTS idx_readings_ts_key ON readings(ts_key);
	CREATE INDEX IF NOT EXISTS idx_verdicts_ts_key ON verdicts(ts_key);
	`)
	return err
}

// backfillSortKeys fills ts_key for rows written before the column existed
func (db *Database) backfillSortKeys(table string) error {
	rows, err := db.conn.Query(fmt.Sprintf("SELECT id, timestamp FROM %s WHERE ts_key IS NULL", table))
	if err != nil {
		return err
	}
	keys := make(map[int64]string)
	for rows.Next() {
		var (
			id int64
			ts string
		)
		if err := rows.Scan(&id, &ts); err != nil {
			rows.Close()
			return err
		}
		keys[id] = SortKey(ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(fmt.Sprintf("UPDATE %s SET ts_key = ? WHERE id = ?", table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, key := range keys {
		if _, err := stmt.Exec(key, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ensureColumn adds a nullable TEXT column when the table lacks it
func (db *Database) ensureColumn(table, column string) error {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", table, column))
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

func insertReadingSQL() string {
	return fmt.Sprintf("INSERT INTO readings (timestamp, ts_key, %s, malformed) VALUES (?, ?%s, ?)",
		featureColumns, strings.Repeat(", ?", len(models.FeatureNames)))
}

// readingArgs returns insert arguments. Absent fields are stored as NULL;
// malformed fields are NULL too, with their raw text kept in the malformed column.
func readingArgs(r models.SensorRecord) ([]interface{}, error) {
	args := make([]interface{}, 0, len(models.FeatureNames)+3)
	args = append(args, r.Timestamp, SortKey(r.Timestamp))
	for _, name := range models.FeatureNames {
		if r.Has(name) {
			args = append(args, r.Value(name))
		} else {
			args = append(args, nil)
		}
	}

	var malformed sql.NullString
	if len(r.Malformed) > 0 {
		data, err := json.Marshal(r.Malformed)
		if err != nil {
			return nil, err
		}
		malformed = sql.NullString{String: string(data), Valid: true}
	}
	return append(args, malformed), nil
}

// InsertReading adds a single sensor reading
func (db *Database) InsertReading(r models.SensorRecord) (int64, error) {
	args, err := readingArgs(r)
	if err != nil {
		return 0, err
	}
	result, err := db.conn.Exec(insertReadingSQL(), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// InsertReadingBatch efficiently inserts multiple readings
func (db *Database) InsertReadingBatch(records []models.SensorRecord) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertReadingSQL())
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for _, r := range records {
		args, err := readingArgs(r)
		if err != nil {
			return count, err
		}
		if _, err := stmt.Exec(args...); err != nil {
			return count, err
		}
		count++
	}

	return count, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReading(s rowScanner) (models.Reading, error) {
	var (
		rd        models.Reading
		ts        string
		values    = make([]sql.NullFloat64, len(models.FeatureNames))
		malformed sql.NullString
	)

	dest := []interface{}{&rd.ID, &ts}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &malformed, &rd.CreatedAt)

	if err := s.Scan(dest...); err != nil {
		return rd, err
	}

	rd.Record = models.NewSensorRecord(ts, nil)
	for i, name := range models.FeatureNames {
		if values[i].Valid {
			rd.Record.Set(name, values[i].Float64)
		}
	}
	if malformed.Valid && malformed.String != "" {
		if err := json.Unmarshal([]byte(malformed.String), &rd.Record.Malformed); err != nil {
			return rd, fmt.Errorf("reading %d: malformed column: %w", rd.ID, err)
		}
	}
	return rd, nil
}

// QueryReadings retrieves readings based on query parameters, newest first
func (db *Database) QueryReadings(q models.ReadingQuery) ([]models.Reading, error) {
	var conditions []string
	var args []interface{}

	baseQuery := fmt.Sprintf("SELECT id, timestamp, %s, malformed, created_at FROM readings", featureColumns)

	if q.StartTime != "" {
		conditions = append(conditions, "ts_key >= ?")
		args = append(args, SortKey(q.StartTime))
	}
	if q.EndTime != "" {
		conditions = append(conditions, "ts_key <= ?")
		args = append(args, SortKey(q.EndTime))
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY ts_key DESC, id DESC"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.Reading
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rd)
	}

	return results, rows.Err()
}

// LatestReadings returns the most recent limit records in chronological order
func (db *Database) LatestReadings(limit int) ([]models.SensorRecord, error) {
	readings, err := db.QueryReadings(models.ReadingQuery{Limit: limit})
	if err != nil {
		return nil, err
	}

	recs := make([]models.SensorRecord, len(readings))
	for i, rd := range readings {
		recs[len(readings)-1-i] = rd.Record
	}
	return recs, nil
}

// InsertVerdictBatch stores the verdicts of one diagnostic run
func (db *Database) InsertVerdictBatch(runID string, verdicts []models.Verdict) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO verdicts (run_id, timestamp, ts_key, anomaly, severity, devices, mse, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for _, v := range verdicts {
		var errText sql.NullString
		if v.Err != "" {
			errText = sql.NullString{String: v.Err, Valid: true}
		}
		severity := v.Severity
		if severity == "" {
			severity = models.SeverityNone
		}
		if _, err := stmt.Exec(runID, v.Timestamp, SortKey(v.Timestamp), v.IsAnomaly, string(severity), v.Devices(), v.Score, errText); err != nil {
			return count, err
		}
		count++
	}

	return count, tx.Commit()
}

// QueryVerdicts retrieves stored verdicts, newest first
func (db *Database) QueryVerdicts(q models.VerdictQuery) ([]models.StoredVerdict, error) {
	var conditions []string
	var args []interface{}

	baseQuery := `
		SELECT id, run_id, timestamp, anomaly, severity, devices, mse, error, created_at
		FROM verdicts
	`

	if q.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.AnomaliesOnly {
		conditions = append(conditions, "anomaly = 1")
	}
	if q.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, q.Severity)
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY ts_key DESC, id DESC"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.StoredVerdict
	for rows.Next() {
		var v models.StoredVerdict
		var errText sql.NullString
		if err := rows.Scan(&v.ID, &v.RunID, &v.Timestamp, &v.Anomaly, &v.Severity,
			&v.Devices, &v.MSE, &errText, &v.CreatedAt); err != nil {
			return nil, err
		}
		if errText.Valid {
			v.Error = errText.String
		}
		results = append(results, v)
	}

	return results, rows.Err()
}

// GetStats returns database statistics
func (db *Database) GetStats() (*models.Stats, error) {
	stats := &models.Stats{BySeverity: make(map[string]int64)}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM readings", &stats.TotalReadings},
		{"SELECT COUNT(*) FROM verdicts", &stats.TotalVerdicts},
		{"SELECT COUNT(*) FROM verdicts WHERE anomaly = 1", &stats.Anomalies},
		{"SELECT COUNT(*) FROM verdicts WHERE error IS NOT NULL AND error != ''", &stats.RecordErrors},
		{"SELECT COUNT(DISTINCT run_id) FROM verdicts", &stats.Runs},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	rows, err := db.conn.Query("SELECT severity, COUNT(*) FROM verdicts WHERE anomaly = 1 GROUP BY severity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var severity string
		var n int64
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		stats.BySeverity[severity] = n
	}

	return stats, rows.Err()
}
