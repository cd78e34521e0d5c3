package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sunride-robotics/navcore/internal/nav"
)

// PoseStore persists decimated pose estimates. It satisfies the
// pipeline's PoseSink interface.
type PoseStore struct {
	db *sql.DB
}

// NewPoseStore creates a PoseStore backed by the given database.
func NewPoseStore(db *sql.DB) *PoseStore {
	return &PoseStore{db: db}
}

// RecordPose inserts one pose estimate.
func (s *PoseStore) RecordPose(pose nav.PoseEstimate) error {
	var stale interface{}
	if len(pose.StaleSensors) > 0 {
		stale = strings.Join(pose.StaleSensors, ",")
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO poses (ts_unix_nanos, x, y, heading, v, omega, stale_sensors)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pose.TSUnixNanos, pose.X, pose.Y, pose.Heading, pose.V, pose.Omega, stale,
		)
		return err
	})
}

// ListRange returns poses with timestamps in [from, to), newest first,
// capped at limit.
func (s *PoseStore) ListRange(from, to time.Time, limit int) ([]nav.PoseEstimate, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`
		SELECT ts_unix_nanos, x, y, heading, v, omega, stale_sensors
		FROM poses
		WHERE ts_unix_nanos >= ? AND ts_unix_nanos < ?
		ORDER BY ts_unix_nanos DESC
		LIMIT ?`, from.UnixNano(), to.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query poses: %w", err)
	}
	defer rows.Close()

	var poses []nav.PoseEstimate
	for rows.Next() {
		var p nav.PoseEstimate
		var stale sql.NullString
		if err := rows.Scan(&p.TSUnixNanos, &p.X, &p.Y, &p.Heading, &p.V, &p.Omega, &stale); err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		if stale.Valid && stale.String != "" {
			p.StaleSensors = strings.Split(stale.String, ",")
		}
		poses = append(poses, p)
	}
	return poses, rows.Err()
}

// Prune deletes poses older than before and returns the rows removed.
func (s *PoseStore) Prune(before time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(func() error {
		res, err := s.db.Exec("DELETE FROM poses WHERE ts_unix_nanos < ?", before.UnixNano())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
