// Package board is the sole serialization point for card and column
// mutation. Check-and-move is atomic per column (one mutex per column, in
// fixed acquisition order, never a global lock), WIP violations are
// rejections rather than queues, and card transitions are linearizable per
// card. Sessions never write card state directly; everything goes through
// Move.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/pairflow/internal/audit"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/store"
)

var (
	// ErrCapacityExceeded means the target column's WIP limit is saturated.
	// Recoverable: the caller waits or helps finish existing work.
	ErrCapacityExceeded = errors.New("wip limit reached")
	// ErrInvalidTransition means the move is illegal per the column graph.
	// A protocol error, surfaced and never coerced.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoneAvailable means no Ready card currently satisfies its
	// dependencies.
	ErrNoneAvailable = errors.New("no card available")
	// ErrSessionActive means the card already has a live pairing session.
	ErrSessionActive = errors.New("card already has an active session")
)

const updateRetries = 3

// Engine owns columns, the WIP invariants, and the session registry.
//
// Locking: each column has its own mutex; a card's status changes only
// while its current column's lock (and the target's) is held, which makes
// WIP check-and-move atomic and per-card transitions linearizable. mu is a
// short-lived guard for map structure only and is never held across store
// writes.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	columns  []*column
	colIndex map[store.CardStatus]int

	mu       sync.RWMutex
	cards    map[string]*store.Card
	order    map[string]int
	seq      int
	sessions map[string]string // card id -> live session id
}

type column struct {
	name  store.CardStatus
	limit int
	mu    sync.Mutex
	count int
}

// New builds an engine over the given columns and hydrates live cards from
// the store.
func New(ctx context.Context, st *store.Store, eventBus *bus.Bus, cols []ColumnConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cols) == 0 {
		cols = DefaultColumns()
	}
	e := &Engine{
		store:    st,
		bus:      eventBus,
		logger:   logger,
		colIndex: make(map[store.CardStatus]int, len(cols)),
		cards:    make(map[string]*store.Card),
		order:    make(map[string]int),
		sessions: make(map[string]string),
	}
	for i, cc := range cols {
		e.columns = append(e.columns, &column{name: cc.Name, limit: cc.WIPLimit})
		e.colIndex[cc.Name] = i
	}
	for _, required := range []store.CardStatus{store.CardBacklog, store.CardReady, store.CardInProgress, store.CardReview, store.CardDone, store.CardBlocked} {
		if _, ok := e.colIndex[required]; !ok {
			return nil, fmt.Errorf("column config missing %s", required)
		}
	}

	if st != nil {
		// Archived cards hydrate too: they stay out of the columns but
		// dependents from later windows still need to see them as Done.
		existing, err := st.QueryCards(ctx, store.CardFilter{IncludeArchived: true})
		if err != nil {
			return nil, fmt.Errorf("hydrate board: %w", err)
		}
		for i := range existing {
			card := existing[i]
			idx, ok := e.colIndex[card.Status]
			if !ok {
				return nil, fmt.Errorf("hydrate board: card %s in unknown column %s", card.ID, card.Status)
			}
			e.cards[card.ID] = &card
			e.order[card.ID] = e.seq
			e.seq++
			if !card.Archived {
				e.columns[idx].count++
			}
		}
	}
	return e, nil
}

// lockColumns acquires column locks in index order and returns the unlock
// function. Ordered acquisition keeps concurrent cross-column moves
// deadlock-free.
func (e *Engine) lockColumns(indexes ...int) func() {
	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)
	var locked []int
	for i, idx := range sorted {
		if i > 0 && idx == sorted[i-1] {
			continue // same column on both sides of a move
		}
		e.columns[idx].mu.Lock()
		locked = append(locked, idx)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			e.columns[locked[i]].mu.Unlock()
		}
	}
}

// Seed admits a new card onto the board. Planning inserts into Backlog or
// Ready; the card is durable before it becomes visible.
func (e *Engine) Seed(ctx context.Context, card store.Card) error {
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	if card.Status == "" {
		card.Status = store.CardBacklog
	}
	if card.Status != store.CardBacklog && card.Status != store.CardReady {
		return fmt.Errorf("seed card %s into %s: %w", card.ID, card.Status, ErrInvalidTransition)
	}
	idx := e.colIndex[card.Status]
	unlock := e.lockColumns(idx)
	defer unlock()

	if _, ok := e.getCard(card.ID); ok {
		return fmt.Errorf("seed card %s: already on board", card.ID)
	}
	if e.store != nil {
		if err := e.store.CreateCard(ctx, card); err != nil {
			return err
		}
		created, err := e.store.GetCard(ctx, card.ID)
		if err != nil {
			return err
		}
		card = created
	}

	e.mu.Lock()
	e.cards[card.ID] = &card
	e.order[card.ID] = e.seq
	e.seq++
	e.mu.Unlock()
	e.columns[idx].count++
	return nil
}

// Pull selects the highest-priority Ready card whose dependencies are all
// Done, atomically moves it to InProgress and binds a new pairing session
// to it. Returns ErrNoneAvailable when nothing qualifies and
// ErrCapacityExceeded when InProgress is saturated; it never blocks.
func (e *Engine) Pull(ctx context.Context, pair []string) (store.Card, string, error) {
	if len(pair) == 0 || len(pair) > 2 {
		return store.Card{}, "", fmt.Errorf("pull: pair size %d, want 1-2", len(pair))
	}
	readyIdx := e.colIndex[store.CardReady]
	progressIdx := e.colIndex[store.CardInProgress]
	unlock := e.lockColumns(readyIdx, progressIdx)
	defer unlock()

	candidate, ok := e.selectReady()
	if !ok {
		return store.Card{}, "", ErrNoneAvailable
	}

	progress := e.columns[progressIdx]
	if progress.limit > 0 && progress.count >= progress.limit {
		audit.Record("board.pull", "reject", "wip limit reached for InProgress", candidate.ID, candidate.Sprint)
		if e.bus != nil {
			e.bus.Publish(bus.TopicCardPullRejected, bus.CardPullRejectedEvent{CardID: candidate.ID, Column: string(store.CardInProgress), WorkerID: pair[0]})
		}
		return store.Card{}, "", fmt.Errorf("pull %s: %w", candidate.ID, ErrCapacityExceeded)
	}
	if _, exists := e.activeSession(candidate.ID); exists {
		return store.Card{}, "", fmt.Errorf("pull %s: %w", candidate.ID, ErrSessionActive)
	}

	sessionID := uuid.NewString()
	updated := candidate
	updated.Status = store.CardInProgress
	updated.Pair = append([]string(nil), pair...)
	if err := e.persistCard(ctx, &updated); err != nil {
		return store.Card{}, "", err
	}
	if e.store != nil {
		if err := e.store.CreateSession(ctx, store.SessionRecord{
			ID:        sessionID,
			CardID:    updated.ID,
			Driver:    pair[0],
			Navigator: pair[len(pair)-1],
			Phase:     "Sync",
		}); err != nil {
			return store.Card{}, "", err
		}
	}

	e.mu.Lock()
	*e.cards[updated.ID] = updated
	e.sessions[updated.ID] = sessionID
	e.mu.Unlock()
	e.columns[readyIdx].count--
	progress.count++

	e.publishTransition(updated.ID, sessionID, store.CardReady, store.CardInProgress, "")
	if e.bus != nil {
		e.bus.Publish(bus.TopicCardPulled, bus.CardPulledEvent{CardID: updated.ID, SessionID: sessionID, WorkerID: pair[0]})
	}
	audit.Record("board.pull", "allow", "admitted to InProgress", updated.ID, updated.Sprint)
	e.logger.Info("card pulled", "card_id", updated.ID, "session_id", sessionID, "driver", pair[0])
	return updated, sessionID, nil
}

// selectReady picks the best Ready candidate: highest explicit priority
// first, insertion order as the stable tie-break, dependencies all Done.
// Caller holds the Ready column lock, so candidate statuses cannot change
// underneath.
func (e *Engine) selectReady() (store.Card, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *store.Card
	for id, card := range e.cards {
		if card.Status != store.CardReady || card.Archived {
			continue
		}
		if !e.dependenciesDone(card) {
			continue
		}
		if best == nil ||
			card.Priority > best.Priority ||
			(card.Priority == best.Priority && e.order[id] < e.order[best.ID]) {
			best = card
		}
	}
	if best == nil {
		return store.Card{}, false
	}
	return *best, true
}

func (e *Engine) dependenciesDone(card *store.Card) bool {
	for _, dep := range card.DependsOn {
		depCard, ok := e.cards[dep]
		if !ok || depCard.Status != store.CardDone {
			return false
		}
	}
	return true
}

// Move validates and applies a column transition for one card. The WIP
// check on the target column happens under the same locks as the move
// itself, so concurrent movers cannot overshoot a limit. reason is
// recorded on Blocked moves.
func (e *Engine) Move(ctx context.Context, cardID string, target store.CardStatus, reason string) error {
	targetIdx, ok := e.colIndex[target]
	if !ok {
		return fmt.Errorf("move %s to unknown column %s: %w", cardID, target, ErrInvalidTransition)
	}

	for attempt := 0; ; attempt++ {
		card, ok := e.getCard(cardID)
		if !ok {
			return fmt.Errorf("move %s: %w", cardID, store.ErrNotFound)
		}
		fromIdx := e.colIndex[card.Status]
		unlock := e.lockColumns(fromIdx, targetIdx)

		// Re-check under the lock: the card may have moved between the
		// unlocked read and acquisition. Status changes only under its
		// current column's lock, so a match here is authoritative.
		current, _ := e.getCard(cardID)
		if e.colIndex[current.Status] != fromIdx {
			unlock()
			if attempt < updateRetries {
				continue
			}
			return fmt.Errorf("move %s: %w", cardID, store.ErrConflict)
		}
		err := e.moveLocked(ctx, current, fromIdx, targetIdx, target, reason)
		unlock()
		return err
	}
}

func (e *Engine) moveLocked(ctx context.Context, card store.Card, fromIdx, targetIdx int, target store.CardStatus, reason string) error {
	if !canTransition(card, target) {
		audit.Record("board.move", "reject", fmt.Sprintf("illegal transition %s -> %s", card.Status, target), card.ID, card.Sprint)
		return fmt.Errorf("move %s from %s to %s: %w", card.ID, card.Status, target, ErrInvalidTransition)
	}
	tc := e.columns[targetIdx]
	if fromIdx != targetIdx && tc.limit > 0 && tc.count >= tc.limit {
		audit.Record("board.move", "reject", fmt.Sprintf("wip limit reached for %s", target), card.ID, card.Sprint)
		return fmt.Errorf("move %s to %s: %w", card.ID, target, ErrCapacityExceeded)
	}
	if (target == store.CardInProgress || target == store.CardReview) && len(card.Pair) == 0 {
		return fmt.Errorf("move %s to %s without an assigned pair: %w", card.ID, target, ErrInvalidTransition)
	}

	from := card.Status
	updated := card
	updated.Status = target
	switch target {
	case store.CardBlocked:
		updated.PrevStatus = from
		updated.BlockReason = reason
	default:
		updated.PrevStatus = ""
		updated.BlockReason = ""
	}
	if err := e.persistCard(ctx, &updated); err != nil {
		return err
	}

	e.mu.Lock()
	*e.cards[card.ID] = updated
	sessionID := e.sessions[card.ID]
	e.mu.Unlock()
	e.columns[fromIdx].count--
	tc.count++

	e.publishTransition(card.ID, sessionID, from, target, reason)
	audit.Record("board.move", "allow", reason, card.ID, card.Sprint)
	e.logger.Info("card transitioned", "card_id", card.ID, "from", from, "to", target, "reason", reason)
	return nil
}

// Unblock returns a Blocked card to the column it blocked from.
func (e *Engine) Unblock(ctx context.Context, cardID string) error {
	card, ok := e.getCard(cardID)
	if !ok {
		return fmt.Errorf("unblock %s: %w", cardID, store.ErrNotFound)
	}
	if card.Status != store.CardBlocked || card.PrevStatus == "" {
		return fmt.Errorf("unblock %s in %s: %w", cardID, card.Status, ErrInvalidTransition)
	}
	return e.Move(ctx, cardID, card.PrevStatus, "")
}

// Requeue returns an unfinished card to Ready at window turnover,
// re-stamping it into the new sprint. It bypasses the transition graph:
// carry-over is a lifecycle event, not a pair's move.
func (e *Engine) Requeue(ctx context.Context, cardID string, sprint int) error {
	readyIdx := e.colIndex[store.CardReady]
	for attempt := 0; ; attempt++ {
		card, ok := e.getCard(cardID)
		if !ok {
			return fmt.Errorf("requeue %s: %w", cardID, store.ErrNotFound)
		}
		if card.Status == store.CardDone || card.Archived {
			return fmt.Errorf("requeue %s in %s: %w", cardID, card.Status, ErrInvalidTransition)
		}
		if _, active := e.activeSession(cardID); active {
			return fmt.Errorf("requeue %s: %w", cardID, ErrSessionActive)
		}
		fromIdx := e.colIndex[card.Status]
		unlock := e.lockColumns(fromIdx, readyIdx)

		current, _ := e.getCard(cardID)
		if e.colIndex[current.Status] != fromIdx {
			unlock()
			if attempt < updateRetries {
				continue
			}
			return fmt.Errorf("requeue %s: %w", cardID, store.ErrConflict)
		}

		from := current.Status
		updated := current
		updated.Status = store.CardReady
		updated.PrevStatus = ""
		updated.BlockReason = ""
		updated.Pair = nil
		updated.Sprint = sprint
		if err := e.persistCard(ctx, &updated); err != nil {
			unlock()
			return err
		}
		e.mu.Lock()
		*e.cards[cardID] = updated
		e.mu.Unlock()
		if fromIdx != readyIdx {
			e.columns[fromIdx].count--
			e.columns[readyIdx].count++
		}
		unlock()

		if from != store.CardReady {
			e.publishTransition(cardID, "", from, store.CardReady, "carried over")
		}
		audit.Record("board.requeue", "allow", "carried into next window", cardID, sprint)
		return nil
	}
}

// persistCard writes the card through to the store, retrying version
// conflicts by re-reading. The board is the only writer of card rows, so a
// conflict here means a crash-recovery overlap, not a protocol bug.
func (e *Engine) persistCard(ctx context.Context, card *store.Card) error {
	if e.store == nil {
		card.Version++
		return nil
	}
	for attempt := 0; ; attempt++ {
		err := e.store.UpdateCard(ctx, *card)
		if err == nil {
			card.Version++
			return nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= updateRetries {
			return err
		}
		fresh, readErr := e.store.GetCard(ctx, card.ID)
		if readErr != nil {
			return readErr
		}
		card.Version = fresh.Version
	}
}

func (e *Engine) getCard(cardID string) (store.Card, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	card, ok := e.cards[cardID]
	if !ok {
		return store.Card{}, false
	}
	return *card, true
}

func (e *Engine) publishTransition(cardID, sessionID string, from, to store.CardStatus, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicCardTransitioned, bus.CardTransitionedEvent{
		CardID:     cardID,
		SessionID:  sessionID,
		FromColumn: string(from),
		ToColumn:   string(to),
		Reason:     reason,
	})
}

// Outcome is a session's terminal result.
type Outcome string

const (
	OutcomeCommitted Outcome = "Committed"
	OutcomeAbandoned Outcome = "Abandoned"
)

// Release retires a session: Committed sends the card to Review, Abandoned
// to Blocked with the resolution as the block reason. The registry entry is
// removed either way, freeing the card for a future session.
func (e *Engine) Release(ctx context.Context, cardID, sessionID string, outcome Outcome, reason string) error {
	registered, ok := e.ActiveSession(cardID)
	if !ok || registered != sessionID {
		return fmt.Errorf("release session %s for card %s: not the active session", sessionID, cardID)
	}

	var err error
	switch outcome {
	case OutcomeCommitted:
		err = e.Move(ctx, cardID, store.CardReview, reason)
	case OutcomeAbandoned:
		err = e.Move(ctx, cardID, store.CardBlocked, reason)
	default:
		return fmt.Errorf("release session %s: unknown outcome %q", sessionID, outcome)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.sessions, cardID)
	e.mu.Unlock()

	var cycles int
	if e.store != nil {
		rec, gerr := e.store.GetSession(ctx, sessionID)
		if gerr == nil {
			now := time.Now().UTC()
			rec.Outcome = string(outcome)
			rec.Reason = reason
			rec.EndedAt = &now
			cycles = rec.Cycles
			if uerr := e.store.UpdateSession(ctx, rec); uerr != nil {
				e.logger.Warn("archive session record", "session_id", sessionID, "error", uerr)
			}
		}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicSessionResolved, bus.SessionResolvedEvent{
			SessionID: sessionID,
			CardID:    cardID,
			Outcome:   string(outcome),
			Reason:    reason,
			Cycles:    cycles,
		})
	}
	return nil
}

// ActiveSession returns the live session bound to a card, if any.
func (e *Engine) ActiveSession(cardID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.sessions[cardID]
	return id, ok
}

func (e *Engine) activeSession(cardID string) (string, bool) {
	return e.ActiveSession(cardID)
}

// ActiveSessionCount returns how many sessions are currently live.
func (e *Engine) ActiveSessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// ColumnSnapshot is one column's contents at snapshot time.
type ColumnSnapshot struct {
	Name     store.CardStatus
	WIPLimit int
	Cards    []store.Card
}

// Snapshot returns a consistent read-only view of the whole board. All
// column locks are held only long enough to copy, keeping the critical
// section bounded.
func (e *Engine) Snapshot() []ColumnSnapshot {
	indexes := make([]int, len(e.columns))
	for i := range e.columns {
		indexes[i] = i
	}
	unlock := e.lockColumns(indexes...)
	defer unlock()

	out := make([]ColumnSnapshot, len(e.columns))
	for i, col := range e.columns {
		out[i] = ColumnSnapshot{Name: col.name, WIPLimit: col.limit}
	}

	e.mu.RLock()
	ids := make([]string, 0, len(e.cards))
	for id := range e.cards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return e.order[ids[a]] < e.order[ids[b]] })
	for _, id := range ids {
		card := e.cards[id]
		if card.Archived {
			continue
		}
		idx := e.colIndex[card.Status]
		out[idx].Cards = append(out[idx].Cards, *card)
	}
	e.mu.RUnlock()
	return out
}

// KnownIDs returns every card id the board has seen, archived cards
// included. Seeding and dependency validation check against this set so
// ids a closed window archived are never re-created.
func (e *Engine) KnownIDs() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.cards))
	for id := range e.cards {
		out[id] = true
	}
	return out
}

// ArchiveSprint archives the sprint's Done cards and removes them from
// the Done column. Carried-over cards in other columns stay live for the
// next window; archived cards keep their map entry so dependents still
// see them as Done.
func (e *Engine) ArchiveSprint(ctx context.Context, sprint int) (int, error) {
	doneIdx := e.colIndex[store.CardDone]
	unlock := e.lockColumns(doneIdx)
	defer unlock()

	if e.store != nil {
		if err := e.store.ArchiveSprintCards(ctx, sprint, store.CardDone); err != nil {
			return 0, err
		}
	}
	archived := 0
	e.mu.Lock()
	for _, card := range e.cards {
		if card.Sprint != sprint || card.Status != store.CardDone || card.Archived {
			continue
		}
		card.Archived = true
		card.Version++
		archived++
	}
	e.mu.Unlock()
	e.columns[doneIdx].count -= archived
	if archived > 0 {
		e.logger.Info("sprint cards archived", "sprint", sprint, "archived", archived)
	}
	return archived, nil
}

// Occupancy returns the current count and limit for a column.
func (e *Engine) Occupancy(name store.CardStatus) (count, limit int) {
	idx, ok := e.colIndex[name]
	if !ok {
		return 0, 0
	}
	unlock := e.lockColumns(idx)
	defer unlock()
	return e.columns[idx].count, e.columns[idx].limit
}
