package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SprintRecord is the durable form of a sprint window.
type SprintRecord struct {
	Number      int        `json:"number"`
	State       string     `json:"state"`
	Duration    int        `json:"duration_seconds"`
	CarriedOver []string   `json:"carried_over,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Version     int64      `json:"version"`
}

// CreateSprint inserts a new sprint window at version 1.
func (s *Store) CreateSprint(ctx context.Context, rec SprintRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sprints (number, state, duration_seconds, carried_over, started_at, version)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, 1);
		`, rec.Number, rec.State, rec.Duration, encodeList(rec.CarriedOver))
		if err != nil {
			return fmt.Errorf("insert sprint: %w", err)
		}
		return nil
	})
}

// UpdateSprint writes the record back, bumping its version. A stale
// rec.Version fails with ErrConflict.
func (s *Store) UpdateSprint(ctx context.Context, rec SprintRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		var endedAt sql.NullTime
		if rec.EndedAt != nil {
			endedAt = sql.NullTime{Time: *rec.EndedAt, Valid: true}
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE sprints
			SET state = ?, duration_seconds = ?, carried_over = ?, ended_at = ?, version = version + 1
			WHERE number = ? AND version = ?;
		`, rec.State, rec.Duration, encodeList(rec.CarriedOver), endedAt, rec.Number, rec.Version)
		if err != nil {
			return fmt.Errorf("update sprint: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update sprint rows affected: %w", err)
		}
		if affected == 1 {
			return nil
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sprints WHERE number = ?;`, rec.Number).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("update sprint %d: %w", rec.Number, ErrNotFound)
			}
			return fmt.Errorf("check sprint existence: %w", err)
		}
		return fmt.Errorf("update sprint %d at version %d: %w", rec.Number, rec.Version, ErrConflict)
	})
}

// GetSprint returns the sprint window with the given number.
func (s *Store) GetSprint(ctx context.Context, number int) (SprintRecord, error) {
	var rec SprintRecord
	var carried string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT number, state, duration_seconds, carried_over, started_at, ended_at, version
		FROM sprints
		WHERE number = ?;
	`, number).Scan(&rec.Number, &rec.State, &rec.Duration, &carried, &rec.StartedAt, &endedAt, &rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SprintRecord{}, fmt.Errorf("get sprint %d: %w", number, ErrNotFound)
		}
		return SprintRecord{}, fmt.Errorf("get sprint: %w", err)
	}
	rec.CarriedOver = decodeList(carried)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

// LatestSprintNumber returns the highest sprint number, 0 if none exist.
func (s *Store) LatestSprintNumber(ctx context.Context) (int, error) {
	var number int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) FROM sprints;`).Scan(&number); err != nil {
		return 0, fmt.Errorf("latest sprint number: %w", err)
	}
	return number, nil
}
