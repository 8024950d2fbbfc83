package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/pairflow/internal/shared"
)

// SessionRecord is the durable form of a pairing session. The live phase
// machine is owned elsewhere; this is its persisted shadow.
type SessionRecord struct {
	ID        string     `json:"id"`
	CardID    string     `json:"card_id"`
	Driver    string     `json:"driver"`
	Navigator string     `json:"navigator"`
	Phase     string     `json:"phase"`
	Cycles    int        `json:"cycles"`
	Outcome   string     `json:"outcome,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Version   int64      `json:"version"`
}

// LogEntry is one ordered line of a session's checkpoint log.
type LogEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // e.g. proposal, checkpoint, decision, fault
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ResolutionRecord is one immutable entry of the escalation history.
type ResolutionRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	CardID    string    `json:"card_id"`
	Tier      int       `json:"tier"`
	Category  string    `json:"category"`
	Option    string    `json:"option"`
	Rationale string    `json:"rationale"`
	Via       string    `json:"via"`
	Sprint    int       `json:"sprint"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSession inserts a new session record at version 1.
func (s *Store) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" || rec.CardID == "" {
		return fmt.Errorf("create session: empty id or card id")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pair_sessions (id, card_id, driver, navigator, phase, cycles, outcome, reason, started_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, 1);
		`, rec.ID, rec.CardID, rec.Driver, rec.Navigator, rec.Phase, rec.Cycles, rec.Outcome, rec.Reason)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// UpdateSession writes the record back, bumping its version. A stale
// rec.Version fails with ErrConflict.
func (s *Store) UpdateSession(ctx context.Context, rec SessionRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		var endedAt sql.NullTime
		if rec.EndedAt != nil {
			endedAt = sql.NullTime{Time: *rec.EndedAt, Valid: true}
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE pair_sessions
			SET driver = ?, navigator = ?, phase = ?, cycles = ?, outcome = ?, reason = ?, ended_at = ?,
				version = version + 1
			WHERE id = ? AND version = ?;
		`, rec.Driver, rec.Navigator, rec.Phase, rec.Cycles, rec.Outcome, rec.Reason, endedAt, rec.ID, rec.Version)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session rows affected: %w", err)
		}
		if affected == 1 {
			return nil
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pair_sessions WHERE id = ?;`, rec.ID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("update session %s: %w", rec.ID, ErrNotFound)
			}
			return fmt.Errorf("check session existence: %w", err)
		}
		return fmt.Errorf("update session %s at version %d: %w", rec.ID, rec.Version, ErrConflict)
	})
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, card_id, driver, navigator, phase, cycles, outcome, reason, started_at, ended_at, version
		FROM pair_sessions
		WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.CardID, &rec.Driver, &rec.Navigator, &rec.Phase, &rec.Cycles,
		&rec.Outcome, &rec.Reason, &rec.StartedAt, &endedAt, &rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, fmt.Errorf("get session %s: %w", id, ErrNotFound)
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

// QuerySessionsByCard lists all sessions ever bound to a card, oldest first.
func (s *Store) QuerySessionsByCard(ctx context.Context, cardID string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, driver, navigator, phase, cycles, outcome, reason, started_at, ended_at, version
		FROM pair_sessions
		WHERE card_id = ?
		ORDER BY started_at ASC, id ASC;
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var endedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.CardID, &rec.Driver, &rec.Navigator, &rec.Phase, &rec.Cycles,
			&rec.Outcome, &rec.Reason, &rec.StartedAt, &endedAt, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// AppendLog appends one entry to a session's ordered checkpoint log. The
// body is redacted before it becomes durable.
func (s *Store) AppendLog(ctx context.Context, sessionID, kind, body string) error {
	body = shared.Redact(body)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_log (session_id, kind, body, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, kind, body)
		if err != nil {
			return fmt.Errorf("append session log: %w", err)
		}
		return nil
	})
}

// ListLog returns a session's log entries in append order.
func (s *Store) ListLog(ctx context.Context, sessionID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, body, created_at
		FROM session_log
		WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Kind, &entry.Body, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log rows: %w", err)
	}
	return out, nil
}

// AppendResolution appends an escalation resolution to the immutable
// history. There is no update or delete path for these rows.
func (s *Store) AppendResolution(ctx context.Context, rec ResolutionRecord) error {
	rec.Rationale = shared.Redact(rec.Rationale)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO escalation_log (session_id, card_id, tier, category, option, rationale, via, sprint, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, rec.SessionID, rec.CardID, rec.Tier, rec.Category, rec.Option, rec.Rationale, rec.Via, rec.Sprint)
		if err != nil {
			return fmt.Errorf("append resolution: %w", err)
		}
		return nil
	})
}

// ListResolutions returns escalation history for a sprint, oldest first.
// sprint 0 lists everything.
func (s *Store) ListResolutions(ctx context.Context, sprint int) ([]ResolutionRecord, error) {
	query := `
		SELECT id, session_id, card_id, tier, category, option, rationale, via, sprint, created_at
		FROM escalation_log`
	var args []any
	if sprint != 0 {
		query += ` WHERE sprint = ?`
		args = append(args, sprint)
	}
	query += ` ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []ResolutionRecord
	for rows.Next() {
		var rec ResolutionRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.CardID, &rec.Tier, &rec.Category,
			&rec.Option, &rec.Rationale, &rec.Via, &rec.Sprint, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolution rows: %w", err)
	}
	return out, nil
}
