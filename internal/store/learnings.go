package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Learning is a durable record of a process adjustment derived from a
// retrospective. Append-only: rows are never mutated after creation, only
// marked applied.
type Learning struct {
	ID         string            `json:"id"`
	Sprint     int               `json:"sprint"`
	Source     string            `json:"source"` // retro, escalation, stall
	Adjustment map[string]string `json:"adjustment"`
	Applied    bool              `json:"applied"`
	CreatedAt  time.Time         `json:"created_at"`
}

// AppendLearning inserts a new learning record.
func (s *Store) AppendLearning(ctx context.Context, l Learning) error {
	if l.ID == "" {
		return fmt.Errorf("append learning: empty id")
	}
	adjustment, err := json.Marshal(l.Adjustment)
	if err != nil {
		return fmt.Errorf("marshal adjustment: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO learnings (id, sprint, source, adjustment, applied, created_at)
			VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP);
		`, l.ID, l.Sprint, l.Source, string(adjustment))
		if err != nil {
			return fmt.Errorf("insert learning: %w", err)
		}
		return nil
	})
}

// PendingLearnings returns all learnings not yet applied, oldest first.
func (s *Store) PendingLearnings(ctx context.Context) ([]Learning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sprint, source, adjustment, applied, created_at
		FROM learnings
		WHERE applied = 0
		ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending learnings: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows.Next, rows.Scan, rows.Err)
}

// ListLearnings returns learnings for a sprint, oldest first. sprint 0
// lists everything.
func (s *Store) ListLearnings(ctx context.Context, sprint int) ([]Learning, error) {
	query := `
		SELECT id, sprint, source, adjustment, applied, created_at
		FROM learnings`
	var args []any
	if sprint != 0 {
		query += ` WHERE sprint = ?`
		args = append(args, sprint)
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query learnings: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows.Next, rows.Scan, rows.Err)
}

// MarkLearningApplied flips the applied flag. The adjustment itself is
// immutable.
func (s *Store) MarkLearningApplied(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE learnings SET applied = 1 WHERE id = ? AND applied = 0;
		`, id)
		if err != nil {
			return fmt.Errorf("mark learning applied: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark learning rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("mark learning %s applied: %w", id, ErrNotFound)
		}
		return nil
	})
}

func scanLearnings(next func() bool, scan func(dest ...any) error, rowsErr func() error) ([]Learning, error) {
	var out []Learning
	for next() {
		var l Learning
		var adjustment string
		var applied int
		if err := scan(&l.ID, &l.Sprint, &l.Source, &adjustment, &applied, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		if adjustment != "" {
			if err := json.Unmarshal([]byte(adjustment), &l.Adjustment); err != nil {
				return nil, fmt.Errorf("unmarshal adjustment: %w", err)
			}
		}
		l.Applied = applied != 0
		out = append(out, l)
	}
	if err := rowsErr(); err != nil {
		return nil, fmt.Errorf("learning rows: %w", err)
	}
	return out, nil
}
