package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CardStatus is a board column name. The legality graph between statuses is
// owned by the board engine, not the store.
type CardStatus string

const (
	CardBacklog    CardStatus = "Backlog"
	CardReady      CardStatus = "Ready"
	CardInProgress CardStatus = "InProgress"
	CardReview     CardStatus = "Review"
	CardDone       CardStatus = "Done"
	CardBlocked    CardStatus = "Blocked"
)

// Card is one unit of schedulable work.
type Card struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      CardStatus `json:"status"`
	PrevStatus  CardStatus `json:"prev_status,omitempty"`
	Points      int        `json:"points"`
	Priority    int        `json:"priority"`
	Pair        []string   `json:"pair,omitempty"`
	Sprint      int        `json:"sprint"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	BlockReason string     `json:"block_reason,omitempty"`
	Archived    bool       `json:"archived,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CardFilter narrows QueryCards. Zero values mean "any".
type CardFilter struct {
	Status          CardStatus
	Sprint          int
	IncludeArchived bool
}

// CreateCard inserts a new card at version 1.
func (s *Store) CreateCard(ctx context.Context, card Card) error {
	if card.ID == "" {
		return fmt.Errorf("create card: empty id")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cards (id, title, status, prev_status, points, priority, pair, sprint, depends_on, block_reason, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, card.ID, card.Title, card.Status, string(card.PrevStatus), card.Points, card.Priority,
			encodeList(card.Pair), card.Sprint, encodeList(card.DependsOn), card.BlockReason)
		if err != nil {
			return fmt.Errorf("insert card: %w", err)
		}
		return nil
	})
}

// UpdateCard writes the card back at card.Version+1. If the stored version
// no longer matches card.Version the write fails with ErrConflict and the
// caller must re-read and retry.
func (s *Store) UpdateCard(ctx context.Context, card Card) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE cards
			SET title = ?, status = ?, prev_status = ?, points = ?, priority = ?, pair = ?,
				sprint = ?, depends_on = ?, block_reason = ?, archived = ?,
				version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND version = ?;
		`, card.Title, card.Status, string(card.PrevStatus), card.Points, card.Priority,
			encodeList(card.Pair), card.Sprint, encodeList(card.DependsOn), card.BlockReason,
			boolToInt(card.Archived), card.ID, card.Version)
		if err != nil {
			return fmt.Errorf("update card: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update card rows affected: %w", err)
		}
		if affected == 1 {
			return nil
		}
		// Distinguish a stale version from a missing row.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cards WHERE id = ?;`, card.ID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("update card %s: %w", card.ID, ErrNotFound)
			}
			return fmt.Errorf("check card existence: %w", err)
		}
		return fmt.Errorf("update card %s at version %d: %w", card.ID, card.Version, ErrConflict)
	})
}

// GetCard returns the card with the given id.
func (s *Store) GetCard(ctx context.Context, id string) (Card, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, prev_status, points, priority, pair, sprint, depends_on, block_reason, archived, version, created_at, updated_at
		FROM cards
		WHERE id = ?;
	`, id)
	card, err := scanCard(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Card{}, fmt.Errorf("get card %s: %w", id, ErrNotFound)
		}
		return Card{}, fmt.Errorf("get card: %w", err)
	}
	return card, nil
}

// QueryCards lists cards matching the filter in insertion order
// (priority is the caller's concern; insertion order is the stable
// tie-break the board relies on).
func (s *Store) QueryCards(ctx context.Context, filter CardFilter) ([]Card, error) {
	query := `
		SELECT id, title, status, prev_status, points, priority, pair, sprint, depends_on, block_reason, archived, version, created_at, updated_at
		FROM cards
		WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Sprint != 0 {
		query += ` AND sprint = ?`
		args = append(args, filter.Sprint)
	}
	if !filter.IncludeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY rowid ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		card, err := scanCard(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("card rows: %w", err)
	}
	return out, nil
}

// ArchiveSprintCards marks the sprint's cards in the given status
// archived. Cards are never deleted mid-sprint; archival at close is the
// only destruction path, and carried-over cards stay live for the next
// window.
func (s *Store) ArchiveSprintCards(ctx context.Context, sprint int, status CardStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cards
			SET archived = 1, version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE sprint = ? AND status = ? AND archived = 0;
		`, sprint, status)
		if err != nil {
			return fmt.Errorf("archive sprint cards: %w", err)
		}
		return nil
	})
}

func scanCard(scanFn func(dest ...any) error) (Card, error) {
	var card Card
	var prevStatus, pair, dependsOn string
	var archived int
	if err := scanFn(
		&card.ID,
		&card.Title,
		&card.Status,
		&prevStatus,
		&card.Points,
		&card.Priority,
		&pair,
		&card.Sprint,
		&dependsOn,
		&card.BlockReason,
		&archived,
		&card.Version,
		&card.CreatedAt,
		&card.UpdatedAt,
	); err != nil {
		return Card{}, err
	}
	card.PrevStatus = CardStatus(prevStatus)
	card.Pair = decodeList(pair)
	card.DependsOn = decodeList(dependsOn)
	card.Archived = archived != 0
	return card, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
