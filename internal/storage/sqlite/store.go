// Package sqlite persists recorded filter runs: run metadata keyed by a
// uuid, the best-pose trace emitted during replay and the final confirmed
// landmarks. Recorded runs back the determinism replay checks and the CLI's
// -record flag.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS slam_runs (
	run_id TEXT PRIMARY KEY,
	created_unix_nanos INTEGER NOT NULL,
	container_hash TEXT NOT NULL,
	settings_json TEXT NOT NULL,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS slam_run_poses (
	run_id TEXT NOT NULL REFERENCES slam_runs(run_id),
	step INTEGER NOT NULL,
	unix_nanos INTEGER NOT NULL,
	source TEXT NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	theta REAL NOT NULL,
	neff REAL NOT NULL,
	PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS slam_run_landmarks (
	run_id TEXT NOT NULL REFERENCES slam_runs(run_id),
	landmark_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	seen_count INTEGER NOT NULL,
	mean_json TEXT NOT NULL,
	cov_json TEXT NOT NULL,
	PRIMARY KEY (run_id, landmark_id)
);
`

// Run is one recorded filter run.
type Run struct {
	RunID         string
	CreatedAt     time.Time
	ContainerHash string
	SettingsJSON  json.RawMessage
	Notes         string
}

// PoseRow is one best-pose sample in a run's trace.
type PoseRow struct {
	Step      int
	UnixNanos int64
	Source    string
	X, Y      float64
	Theta     float64
	Neff      float64
}

// LandmarkRow is one confirmed landmark at the end of a run.
type LandmarkRow struct {
	LandmarkID int
	Kind       string
	SeenCount  int
	Mean       []float64
	Cov        []float64
}

// Store wraps the run database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the run database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// NewRunID returns a fresh run id.
func NewRunID() string { return uuid.New().String() }

// InsertRun records run metadata.
func (s *Store) InsertRun(run *Run) error {
	_, err := s.db.Exec(
		`INSERT INTO slam_runs (run_id, created_unix_nanos, container_hash, settings_json, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.CreatedAt.UnixNano(), run.ContainerHash, string(run.SettingsJSON), run.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves run metadata by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, created_unix_nanos, container_hash, settings_json, notes
		 FROM slam_runs WHERE run_id = ?`, runID)
	var r Run
	var createdNanos int64
	var settings string
	var notes sql.NullString
	if err := row.Scan(&r.RunID, &createdNanos, &r.ContainerHash, &settings, &notes); err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	r.CreatedAt = time.Unix(0, createdNanos)
	r.SettingsJSON = json.RawMessage(settings)
	r.Notes = notes.String
	return &r, nil
}

// AppendPose appends one pose sample to a run's trace.
func (s *Store) AppendPose(runID string, p *PoseRow) error {
	_, err := s.db.Exec(
		`INSERT INTO slam_run_poses (run_id, step, unix_nanos, source, x, y, theta, neff)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, p.Step, p.UnixNanos, p.Source, p.X, p.Y, p.Theta, p.Neff,
	)
	if err != nil {
		return fmt.Errorf("append pose: %w", err)
	}
	return nil
}

// GetPoses returns a run's pose trace in step order.
func (s *Store) GetPoses(runID string) ([]PoseRow, error) {
	rows, err := s.db.Query(
		`SELECT step, unix_nanos, source, x, y, theta, neff
		 FROM slam_run_poses WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("get poses for %s: %w", runID, err)
	}
	defer rows.Close()
	var out []PoseRow
	for rows.Next() {
		var p PoseRow
		if err := rows.Scan(&p.Step, &p.UnixNanos, &p.Source, &p.X, &p.Y, &p.Theta, &p.Neff); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertLandmarks records a run's final confirmed landmarks.
func (s *Store) InsertLandmarks(runID string, landmarks []LandmarkRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, lm := range landmarks {
		meanJSON, err := json.Marshal(lm.Mean)
		if err != nil {
			tx.Rollback()
			return err
		}
		covJSON, err := json.Marshal(lm.Cov)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO slam_run_landmarks (run_id, landmark_id, kind, seen_count, mean_json, cov_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, lm.LandmarkID, lm.Kind, lm.SeenCount, string(meanJSON), string(covJSON),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert landmark %d: %w", lm.LandmarkID, err)
		}
	}
	return tx.Commit()
}

// GetLandmarks returns a run's confirmed landmarks ordered by id.
func (s *Store) GetLandmarks(runID string) ([]LandmarkRow, error) {
	rows, err := s.db.Query(
		`SELECT landmark_id, kind, seen_count, mean_json, cov_json
		 FROM slam_run_landmarks WHERE run_id = ? ORDER BY landmark_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get landmarks for %s: %w", runID, err)
	}
	defer rows.Close()
	var out []LandmarkRow
	for rows.Next() {
		var lm LandmarkRow
		var meanJSON, covJSON string
		if err := rows.Scan(&lm.LandmarkID, &lm.Kind, &lm.SeenCount, &meanJSON, &covJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meanJSON), &lm.Mean); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(covJSON), &lm.Cov); err != nil {
			return nil, err
		}
		out = append(out, lm)
	}
	return out, rows.Err()
}
