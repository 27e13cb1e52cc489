// Package capturestore is the write-hot runtime capture store from
// spec.md §4.8: timer events, impacts, correlations, optional verbose
// samples, and device status, plus the derived shot_log view.
package capturestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS timer_events (
	id TEXT PRIMARY KEY,
	ts_mono_ns INTEGER NOT NULL,
	ts_wall DATETIME NOT NULL,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	shot_number INTEGER,
	split_cs REAL,
	total_cs REAL,
	raw_hex TEXT
);
CREATE INDEX IF NOT EXISTS idx_timer_events_mono ON timer_events(ts_mono_ns);

CREATE TABLE IF NOT EXISTS impacts (
	id TEXT PRIMARY KEY,
	ts_onset_mono_ns INTEGER NOT NULL,
	ts_peak_mono_ns INTEGER NOT NULL,
	sensor_id TEXT NOT NULL,
	target_id TEXT,
	peak_magnitude REAL NOT NULL,
	duration_ms REAL NOT NULL,
	confidence REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_impacts_mono ON impacts(sensor_id, ts_onset_mono_ns);

CREATE TABLE IF NOT EXISTS correlations (
	shot_id TEXT PRIMARY KEY,
	impact_id TEXT NOT NULL UNIQUE,
	latency_ms REAL NOT NULL,
	residual_sigma REAL NOT NULL,
	quality TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bt50_samples (
	sensor_id TEXT NOT NULL,
	ts_mono_ns INTEGER NOT NULL,
	vx REAL, vy REAL, vz REAL, magnitude REAL
);
CREATE INDEX IF NOT EXISTS idx_bt50_samples_mono ON bt50_samples(sensor_id, ts_mono_ns);

CREATE TABLE IF NOT EXISTS device_status (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	ts DATETIME NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT
);

CREATE VIEW IF NOT EXISTS shot_log AS
	SELECT
		'timer_control' AS discriminator,
		t.id AS event_id,
		t.ts_mono_ns AS ts_mono_ns,
		t.ts_wall AS ts_wall,
		t.device_id AS device_id,
		t.kind AS kind,
		t.shot_number AS shot_number,
		NULL AS sensor_id,
		NULL AS peak_magnitude,
		NULL AS confidence,
		c.latency_ms AS latency_ms,
		c.residual_sigma AS residual_sigma,
		c.quality AS quality
	FROM timer_events t
	LEFT JOIN correlations c ON c.shot_id = t.id
	WHERE t.kind != 'SHOT'
	UNION ALL
	SELECT
		'shot' AS discriminator,
		t.id AS event_id,
		t.ts_mono_ns AS ts_mono_ns,
		t.ts_wall AS ts_wall,
		t.device_id AS device_id,
		t.kind AS kind,
		t.shot_number AS shot_number,
		NULL AS sensor_id,
		NULL AS peak_magnitude,
		NULL AS confidence,
		c.latency_ms AS latency_ms,
		c.residual_sigma AS residual_sigma,
		c.quality AS quality
	FROM timer_events t
	LEFT JOIN correlations c ON c.shot_id = t.id
	WHERE t.kind = 'SHOT'
	UNION ALL
	SELECT
		'impact' AS discriminator,
		i.id AS event_id,
		i.ts_onset_mono_ns AS ts_mono_ns,
		NULL AS ts_wall,
		i.sensor_id AS device_id,
		'impact' AS kind,
		NULL AS shot_number,
		i.sensor_id AS sensor_id,
		i.peak_magnitude AS peak_magnitude,
		i.confidence AS confidence,
		c.latency_ms AS latency_ms,
		c.residual_sigma AS residual_sigma,
		c.quality AS quality
	FROM impacts i
	LEFT JOIN correlations c ON c.impact_id = i.id
	ORDER BY ts_mono_ns ASC;
`

// TimerEvent is one row of the timer_events table.
type TimerEvent struct {
	ID         string
	TSMonoNS   int64
	TSWall     time.Time
	DeviceID   string
	Kind       string
	ShotNumber *int
	SplitCS    *float64
	TotalCS    *float64
	RawHex     string
}

// Impact is one row of the impacts table.
type Impact struct {
	ID            string
	TSOnsetMonoNS int64
	TSPeakMonoNS  int64
	SensorID      string
	TargetID      string
	PeakMagnitude float64
	DurationMS    float64
	Confidence    float64
}

// Correlation is one row of the correlations table.
type Correlation struct {
	ShotID        string
	ImpactID      string
	LatencyMS     float64
	ResidualSigma float64
	Quality       string
}

// DeviceStatus is one row of the device_status table.
type DeviceStatus struct {
	DeviceID string
	TS       time.Time
	Kind     string
	Payload  string
}

// ShotLogRow is one row of the derived shot_log view.
type ShotLogRow struct {
	Discriminator string
	EventID       string
	TSMonoNS      int64
	TSWall        sql.NullTime
	DeviceID      string
	Kind          string
	ShotNumber    sql.NullInt64
	SensorID      sql.NullString
	PeakMagnitude sql.NullFloat64
	Confidence    sql.NullFloat64
	LatencyMS     sql.NullFloat64
	ResidualSigma sql.NullFloat64
	Quality       sql.NullString
}

// Store wraps a *sql.DB over modernc.org/sqlite in WAL mode, tolerating
// concurrent readers per spec.md §4.8.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the capture database at path and runs the DDL.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("capturestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("capturestore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("capturestore: set synchronous: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("capturestore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("capturestore: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTimerEvent appends a timer_events row.
func (s *Store) InsertTimerEvent(ctx context.Context, e TimerEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timer_events (id, ts_mono_ns, ts_wall, device_id, kind, shot_number, split_cs, total_cs, raw_hex)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TSMonoNS, e.TSWall, e.DeviceID, e.Kind, e.ShotNumber, e.SplitCS, e.TotalCS, e.RawHex)
	if err != nil {
		return fmt.Errorf("capturestore: insert timer_event: %w", err)
	}
	return nil
}

// InsertImpact appends an impacts row.
func (s *Store) InsertImpact(ctx context.Context, i Impact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO impacts (id, ts_onset_mono_ns, ts_peak_mono_ns, sensor_id, target_id, peak_magnitude, duration_ms, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.TSOnsetMonoNS, i.TSPeakMonoNS, i.SensorID, i.TargetID, i.PeakMagnitude, i.DurationMS, i.Confidence)
	if err != nil {
		return fmt.Errorf("capturestore: insert impact: %w", err)
	}
	return nil
}

// UpsertCorrelation writes a correlation row. Correlations are assigned at
// most once per impact and per shot (spec.md §3), so this always inserts;
// callers must not call it twice for the same shot or impact.
func (s *Store) UpsertCorrelation(ctx context.Context, c Correlation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO correlations (shot_id, impact_id, latency_ms, residual_sigma, quality) VALUES (?, ?, ?, ?, ?)`,
		c.ShotID, c.ImpactID, c.LatencyMS, c.ResidualSigma, c.Quality)
	if err != nil {
		return fmt.Errorf("capturestore: insert correlation: %w", err)
	}
	return nil
}

// InsertSample appends a verbose bt50_samples row, gated by config at the
// caller.
func (s *Store) InsertSample(ctx context.Context, sensorID string, tsMonoNS int64, vx, vy, vz, magnitude float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bt50_samples (sensor_id, ts_mono_ns, vx, vy, vz, magnitude) VALUES (?, ?, ?, ?, ?, ?)`,
		sensorID, tsMonoNS, vx, vy, vz, magnitude)
	if err != nil {
		return fmt.Errorf("capturestore: insert sample: %w", err)
	}
	return nil
}

// InsertDeviceStatus appends a device_status row.
func (s *Store) InsertDeviceStatus(ctx context.Context, d DeviceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_status (device_id, ts, kind, payload) VALUES (?, ?, ?, ?)`,
		d.DeviceID, d.TS, d.Kind, d.Payload)
	if err != nil {
		return fmt.Errorf("capturestore: insert device_status: %w", err)
	}
	return nil
}

// ShotLog returns shot_log rows in chronological order, optionally bounded
// by a limit (0 means unbounded).
func (s *Store) ShotLog(ctx context.Context, limit int) ([]ShotLogRow, error) {
	query := `SELECT discriminator, event_id, ts_mono_ns, ts_wall, device_id, kind, shot_number,
		sensor_id, peak_magnitude, confidence, latency_ms, residual_sigma, quality FROM shot_log`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("capturestore: query shot_log: %w", err)
	}
	defer rows.Close()

	var out []ShotLogRow
	for rows.Next() {
		var r ShotLogRow
		if err := rows.Scan(&r.Discriminator, &r.EventID, &r.TSMonoNS, &r.TSWall, &r.DeviceID, &r.Kind,
			&r.ShotNumber, &r.SensorID, &r.PeakMagnitude, &r.Confidence, &r.LatencyMS, &r.ResidualSigma, &r.Quality); err != nil {
			return nil, fmt.Errorf("capturestore: scan shot_log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
