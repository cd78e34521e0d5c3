package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sunride-robotics/navcore/internal/nav/mission"
	"github.com/sunride-robotics/navcore/internal/nav/safety"
)

// MissionStore persists mission state transitions. It satisfies the
// sequencer's EventSink interface.
type MissionStore struct {
	db *sql.DB
}

// NewMissionStore creates a MissionStore backed by the given database.
func NewMissionStore(db *sql.DB) *MissionStore {
	return &MissionStore{db: db}
}

// RecordMissionEvent inserts one mission transition.
func (s *MissionStore) RecordMissionEvent(ev mission.Event) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO mission_events (run_id, state, waypoint_idx, detail, ts_unix_nanos)
			VALUES (?, ?, ?, ?, ?)`,
			ev.RunID, ev.State, ev.WaypointIdx, ev.Detail, ev.TSUnixNanos,
		)
		return err
	})
}

// ListByRun returns all events for a mission run in chronological order.
func (s *MissionStore) ListByRun(runID string) ([]mission.Event, error) {
	rows, err := s.db.Query(`
		SELECT run_id, state, waypoint_idx, detail, ts_unix_nanos
		FROM mission_events
		WHERE run_id = ?
		ORDER BY ts_unix_nanos ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query mission events: %w", err)
	}
	defer rows.Close()

	var events []mission.Event
	for rows.Next() {
		var ev mission.Event
		var detail sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.State, &ev.WaypointIdx, &detail, &ev.TSUnixNanos); err != nil {
			return nil, fmt.Errorf("scan mission event: %w", err)
		}
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRuns returns distinct run IDs, newest first, capped at limit.
func (s *MissionStore) ListRuns(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, MAX(ts_unix_nanos) AS last_ts
		FROM mission_events
		GROUP BY run_id
		ORDER BY last_ts DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query mission runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var runID string
		var lastTS int64
		if err := rows.Scan(&runID, &lastTS); err != nil {
			return nil, fmt.Errorf("scan mission run: %w", err)
		}
		runs = append(runs, runID)
	}
	return runs, rows.Err()
}

// SafetyStore persists safety trips and clears. It satisfies the
// supervisor's EventSink interface.
type SafetyStore struct {
	db *sql.DB
}

// NewSafetyStore creates a SafetyStore backed by the given database.
func NewSafetyStore(db *sql.DB) *SafetyStore {
	return &SafetyStore{db: db}
}

// RecordSafetyEvent inserts one safety event.
func (s *SafetyStore) RecordSafetyEvent(ev safety.Event) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO safety_events (reason, detail, ts_unix_nanos)
			VALUES (?, ?, ?)`,
			ev.Reason, ev.Detail, ev.TSUnixNanos,
		)
		return err
	})
}

// ListRecent returns the most recent safety events, newest first.
func (s *SafetyStore) ListRecent(limit int) ([]safety.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT reason, detail, ts_unix_nanos
		FROM safety_events
		ORDER BY ts_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query safety events: %w", err)
	}
	defer rows.Close()

	var events []safety.Event
	for rows.Next() {
		var ev safety.Event
		var detail sql.NullString
		if err := rows.Scan(&ev.Reason, &detail, &ev.TSUnixNanos); err != nil {
			return nil, fmt.Errorf("scan safety event: %w", err)
		}
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than before from both event tables.
func (s *SafetyStore) Prune(before time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(func() error {
		res, err := s.db.Exec("DELETE FROM safety_events WHERE ts_unix_nanos < ?", before.UnixNano())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
