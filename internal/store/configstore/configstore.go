// Package configstore is the read-mostly configuration store from
// spec.md §4.8: bridges, sensors, stages, targets, timer assignment, and
// the timing model checkpoint. The core opens it read-only except for the
// checkpoint row.
package configstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS bridges (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	stage_id TEXT
);

CREATE TABLE IF NOT EXISTS stages (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
	id TEXT PRIMARY KEY,
	stage_id TEXT,
	label TEXT
);

CREATE TABLE IF NOT EXISTS sensors (
	mac TEXT PRIMARY KEY,
	bridge_id TEXT NOT NULL,
	target_id TEXT,
	label TEXT
);

CREATE TABLE IF NOT EXISTS timer_assignment (
	bridge_id TEXT PRIMARY KEY,
	mac TEXT NOT NULL,
	vendor TEXT
);

CREATE TABLE IF NOT EXISTS timing_model_checkpoint (
	bridge_id TEXT PRIMARY KEY,
	n INTEGER NOT NULL,
	emp_mean_ms REAL NOT NULL,
	m2 REAL NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Sensor is one row of the sensors table.
type Sensor struct {
	MAC      string
	BridgeID string
	TargetID string
	Label    string
}

// TimingCheckpoint is a persisted timing.Model accumulator snapshot.
type TimingCheckpoint struct {
	BridgeID  string
	N         int
	EmpMeanMS float64
	M2        float64
}

// Store wraps the read-mostly configuration database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the configuration database at path and runs the
// DDL.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("configstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("configstore: ping: %w", err)
	}

	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("configstore: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sensors returns every sensor assigned to bridgeID.
func (s *Store) Sensors(ctx context.Context, bridgeID string) ([]Sensor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mac, bridge_id, target_id, label FROM sensors WHERE bridge_id = ?`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("configstore: query sensors: %w", err)
	}
	defer rows.Close()

	var out []Sensor
	for rows.Next() {
		var sn Sensor
		if err := rows.Scan(&sn.MAC, &sn.BridgeID, &sn.TargetID, &sn.Label); err != nil {
			return nil, fmt.Errorf("configstore: scan sensor: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// LoadTimingCheckpoint reads the last persisted timing model state for a
// bridge, if any.
func (s *Store) LoadTimingCheckpoint(ctx context.Context, bridgeID string) (TimingCheckpoint, bool, error) {
	var cp TimingCheckpoint
	cp.BridgeID = bridgeID
	row := s.db.QueryRowContext(ctx,
		`SELECT n, emp_mean_ms, m2 FROM timing_model_checkpoint WHERE bridge_id = ?`, bridgeID)
	err := row.Scan(&cp.N, &cp.EmpMeanMS, &cp.M2)
	if err == sql.ErrNoRows {
		return TimingCheckpoint{}, false, nil
	}
	if err != nil {
		return TimingCheckpoint{}, false, fmt.Errorf("configstore: load checkpoint: %w", err)
	}
	return cp, true, nil
}

// SaveTimingCheckpoint writes the current timing model state, out of the
// hot path, per spec.md §4.5.
func (s *Store) SaveTimingCheckpoint(ctx context.Context, cp TimingCheckpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timing_model_checkpoint (bridge_id, n, emp_mean_ms, m2, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(bridge_id) DO UPDATE SET n=excluded.n, emp_mean_ms=excluded.emp_mean_ms,
			m2=excluded.m2, updated_at=excluded.updated_at`,
		cp.BridgeID, cp.N, cp.EmpMeanMS, cp.M2)
	if err != nil {
		return fmt.Errorf("configstore: save checkpoint: %w", err)
	}
	return nil
}
