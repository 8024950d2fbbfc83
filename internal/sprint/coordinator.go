// Package sprint coordinates the window lifecycle: Planning seeds the
// board and validates the dependency DAG, Executing lets the board and the
// pairing sessions do the work while a stall watchdog observes throughput,
// Review tallies what finished and records what carries over, Retrospective
// distills learnings, Closed archives the window. The coordinator never
// steers an individual session.
package sprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/pairflow/internal/audit"
	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/store"
)

// State is a sprint window's lifecycle state. The order is strict and
// linear; there is no way back.
type State string

const (
	StatePlanning      State = "Planning"
	StateExecuting     State = "Executing"
	StateReview        State = "Review"
	StateRetrospective State = "Retrospective"
	StateClosed        State = "Closed"
)

var nextState = map[State]State{
	StatePlanning:      StateExecuting,
	StateExecuting:     StateReview,
	StateReview:        StateRetrospective,
	StateRetrospective: StateClosed,
}

// ErrWrongState means the operation does not apply to the window's
// current state.
var ErrWrongState = errors.New("operation not valid in current sprint state")

// Escalator hands an autonomous escalation to the resolver.
type Escalator interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Decision, error)
}

// Config bounds one window. Loaded once per sprint and immutable for its
// duration.
type Config struct {
	Duration       time.Duration // window length, recorded on the sprint
	StallThreshold time.Duration // no completion for this long means stalled
	StallCron      string        // watchdog cadence, 5-field cron
	StallInterval  time.Duration // watchdog fallback cadence
}

// ReviewSummary is the recorded outcome of the Review phase. Partial
// completion is allowed but never hidden.
type ReviewSummary struct {
	Done        int
	CarriedOver []string
}

// Coordinator drives sprint windows over one board. One window is active
// at a time.
type Coordinator struct {
	store     *store.Store
	board     *board.Engine
	bus       *bus.Bus
	escalator Escalator
	logger    *slog.Logger
	cfg       Config

	mu         sync.Mutex
	number     int
	state      State
	carried    []string
	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup
	monitor    *StallMonitor
	tuning     map[string]string
}

func NewCoordinator(cfg Config, st *store.Store, eng *board.Engine, eventBus *bus.Bus, esc Escalator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 7 * 24 * time.Hour
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 30 * time.Minute
	}
	return &Coordinator{
		store:     st,
		board:     eng,
		bus:       eventBus,
		escalator: esc,
		logger:    logger,
		cfg:       cfg,
		tuning:    make(map[string]string),
	}
}

// Number returns the active window's sprint number.
func (c *Coordinator) Number() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.number
}

// State returns the active window's lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tuning returns process adjustments ingested from applied learnings,
// keyed by knob name. The serving layer feeds these into the next window's
// session and board configuration.
func (c *Coordinator) Tuning() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.tuning))
	for k, v := range c.tuning {
		out[k] = v
	}
	return out
}

// advance enforces the strict linear window order under c.mu.
func (c *Coordinator) advance(to State) error {
	if c.state == "" {
		if to != StatePlanning {
			return fmt.Errorf("window not planned: %w", ErrWrongState)
		}
		c.state = to
		return nil
	}
	if c.state == StateClosed && to == StatePlanning {
		c.state = to // a closed window is followed by the next Planning
		return nil
	}
	if nextState[c.state] != to {
		return fmt.Errorf("%s -> %s: %w", c.state, to, ErrWrongState)
	}
	c.state = to
	return nil
}

// Plan opens the next window: validates the seeded backlog's dependency
// DAG, applies learnings pending from the previous retrospective and puts
// the cards on the board. A dependency cycle is fatal; the sprint does not
// start.
func (c *Coordinator) Plan(ctx context.Context, seeds []store.Card) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != "" && c.state != StateClosed {
		return 0, fmt.Errorf("plan during %s: %w", c.state, ErrWrongState)
	}

	known := c.board.KnownIDs()
	if err := validateDependencies(seeds, known); err != nil {
		audit.Record("sprint.plan", "reject", err.Error(), "", c.number+1)
		return 0, err
	}

	number := c.number + 1
	if c.store != nil {
		latest, err := c.store.LatestSprintNumber(ctx)
		if err != nil {
			return 0, err
		}
		number = latest + 1
	}

	c.applyPendingLearnings(ctx)

	if c.store != nil {
		if err := c.store.CreateSprint(ctx, store.SprintRecord{
			Number:   number,
			State:    string(StatePlanning),
			Duration: int(c.cfg.Duration.Seconds()),
		}); err != nil {
			return 0, err
		}
	}
	for _, seed := range seeds {
		seed.Sprint = number
		if seed.Status == "" {
			seed.Status = store.CardBacklog
		}
		if err := c.board.Seed(ctx, seed); err != nil {
			return 0, fmt.Errorf("seed card %s: %w", seed.ID, err)
		}
	}

	// Adopt carried-over work: unfinished cards from earlier windows
	// return to Ready under the new window's number. Review cards stay
	// put; they are one merge away from Done.
	for _, col := range c.board.Snapshot() {
		switch col.Name {
		case store.CardReady, store.CardInProgress, store.CardBlocked:
		default:
			continue
		}
		for _, card := range col.Cards {
			if card.Sprint == number {
				continue
			}
			if err := c.board.Requeue(ctx, card.ID, number); err != nil {
				c.logger.Warn("carry over card", "card", card.ID, "error", err)
			}
		}
	}

	if err := c.advance(StatePlanning); err != nil {
		return 0, err
	}
	c.number = number
	c.carried = nil
	if c.bus != nil {
		c.bus.Publish(bus.TopicSprintPlanned, bus.SprintEvent{Sprint: number, State: string(StatePlanning)})
	}
	audit.Record("sprint.plan", "allow", fmt.Sprintf("%d cards seeded", len(seeds)), "", number)
	c.logger.Info("sprint planned", "sprint", number, "seeded", len(seeds))
	return number, nil
}

// Start opens the Executing period: sessions may now run under ExecCtx's
// lifetime, and the stall watchdog begins observing completions.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.advance(StateExecuting); err != nil {
		return err
	}
	execCtx, cancel := context.WithCancel(ctx)
	c.execCtx, c.execCancel = execCtx, cancel

	c.monitor = NewStallMonitor(MonitorConfig{
		Board:     c.board,
		Bus:       c.bus,
		Escalator: c.escalator,
		Logger:    c.logger,
		Sprint:    c.number,
		Cron:      c.cfg.StallCron,
		Interval:  c.cfg.StallInterval,
		Threshold: c.cfg.StallThreshold,
	})
	c.monitor.Start(execCtx)
	if c.bus != nil {
		sub := c.bus.Subscribe(bus.TopicCardTransitioned)
		c.wg.Add(1)
		go c.watchCompletions(execCtx, sub)
	}

	c.updateSprintRecord(ctx, c.number, StateExecuting, nil, nil)
	c.logger.Info("sprint executing", "sprint", c.number)
	return nil
}

// Go launches one worker loop (typically a pairing session driver) under
// the Executing period's lifetime. Closing the window cancels the context;
// sessions treat that as "sprint closed".
func (c *Coordinator) Go(run func(ctx context.Context)) error {
	c.mu.Lock()
	if c.state != StateExecuting {
		c.mu.Unlock()
		return fmt.Errorf("go during %s: %w", c.state, ErrWrongState)
	}
	ctx := c.execCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		run(ctx)
	}()
	return nil
}

func (c *Coordinator) watchCompletions(ctx context.Context, sub *bus.Subscription) {
	defer c.wg.Done()
	defer c.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.CardTransitionedEvent)
			if ok && payload.ToColumn == string(store.CardDone) {
				c.monitor.NoteCompletion()
			}
		}
	}
}

// Review ends the Executing period: outstanding sessions are cancelled
// deterministically (they abandon with reason "sprint closed"), then the
// window is tallied. Every window card is either Done or explicitly
// carried over.
func (c *Coordinator) Review(ctx context.Context) (ReviewSummary, error) {
	c.mu.Lock()
	if err := c.advance(StateReview); err != nil {
		c.mu.Unlock()
		return ReviewSummary{}, err
	}
	cancel := c.execCancel
	c.execCancel = nil
	number := c.number
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if c.monitor != nil {
		c.monitor.Stop()
	}

	var summary ReviewSummary
	for _, col := range c.board.Snapshot() {
		for _, card := range col.Cards {
			if card.Sprint != number {
				continue
			}
			if card.Status == store.CardDone {
				summary.Done++
			} else {
				summary.CarriedOver = append(summary.CarriedOver, card.ID)
			}
		}
	}

	c.mu.Lock()
	c.carried = append([]string(nil), summary.CarriedOver...)
	c.mu.Unlock()

	c.updateSprintRecord(ctx, number, StateReview, summary.CarriedOver, nil)
	if c.bus != nil {
		c.bus.Publish(bus.TopicSprintReviewed, bus.SprintEvent{
			Sprint: number, State: string(StateReview),
			Done: summary.Done, CarriedOver: len(summary.CarriedOver),
		})
	}
	audit.Record("sprint.review", "allow",
		fmt.Sprintf("%d done, %d carried over", summary.Done, len(summary.CarriedOver)), "", number)
	c.logger.Info("sprint reviewed", "sprint", number,
		"done", summary.Done, "carried_over", len(summary.CarriedOver))
	return summary, nil
}

// Retrospective ingests the window's session logs and escalation history
// and produces MetaLearning records for the next Planning.
func (c *Coordinator) Retrospective(ctx context.Context) ([]store.Learning, error) {
	c.mu.Lock()
	if err := c.advance(StateRetrospective); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	number := c.number
	carried := len(c.carried)
	doneCount := 0
	for _, col := range c.board.Snapshot() {
		for _, card := range col.Cards {
			if card.Sprint == number && card.Status == store.CardDone {
				doneCount++
			}
		}
	}
	c.mu.Unlock()

	var learnings []store.Learning
	if c.store != nil {
		resolutions, err := c.store.ListResolutions(ctx, number)
		if err != nil {
			return nil, err
		}
		byCategory := make(map[string]int)
		for _, r := range resolutions {
			byCategory[r.Category]++
		}
		for category, n := range byCategory {
			if n < 2 {
				continue
			}
			adjustment := map[string]string{"review_focus": category}
			if category == resolver.CategoryArchitecture {
				adjustment["max_sync_exchanges"] = "4"
			}
			learnings = append(learnings, store.Learning{
				ID:         uuid.NewString(),
				Sprint:     number,
				Source:     "escalation",
				Adjustment: adjustment,
			})
		}
	}
	if carried > doneCount {
		learnings = append(learnings, store.Learning{
			ID:     uuid.NewString(),
			Sprint: number,
			Source: "retro",
			Adjustment: map[string]string{
				"in_progress_wip_delta": "-1",
			},
		})
	}
	if c.store != nil {
		for _, l := range learnings {
			if err := c.store.AppendLearning(ctx, l); err != nil {
				return nil, err
			}
		}
	}

	c.updateSprintRecord(ctx, number, StateRetrospective, nil, nil)
	audit.Record("sprint.retrospective", "allow",
		fmt.Sprintf("%d learnings recorded", len(learnings)), "", number)
	c.logger.Info("sprint retrospective", "sprint", number, "learnings", len(learnings))
	return learnings, nil
}

// Close archives the window. Done cards leave the board; carried-over
// cards stay live for the next Planning.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if err := c.advance(StateClosed); err != nil {
		c.mu.Unlock()
		return err
	}
	number := c.number
	c.mu.Unlock()

	archived, err := c.board.ArchiveSprint(ctx, number)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.updateSprintRecord(ctx, number, StateClosed, nil, &now)
	if c.bus != nil {
		c.bus.Publish(bus.TopicSprintClosed, bus.SprintEvent{
			Sprint: number, State: string(StateClosed), Done: archived,
		})
	}
	audit.Record("sprint.close", "allow", fmt.Sprintf("%d cards archived", archived), "", number)
	c.logger.Info("sprint closed", "sprint", number, "archived", archived)
	return nil
}

// applyPendingLearnings folds unapplied MetaLearning records into the
// coordinator's config and tuning map. Caller holds c.mu.
func (c *Coordinator) applyPendingLearnings(ctx context.Context) {
	if c.store == nil {
		return
	}
	pending, err := c.store.PendingLearnings(ctx)
	if err != nil {
		c.logger.Warn("load pending learnings", "error", err)
		return
	}
	for _, l := range pending {
		for key, value := range l.Adjustment {
			switch key {
			case "stall_threshold_seconds":
				if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
					c.cfg.StallThreshold = time.Duration(secs) * time.Second
				}
			default:
				c.tuning[key] = value
			}
		}
		if err := c.store.MarkLearningApplied(ctx, l.ID); err != nil {
			c.logger.Warn("mark learning applied", "learning_id", l.ID, "error", err)
			continue
		}
		c.logger.Info("learning applied", "learning_id", l.ID, "source", l.Source)
	}
}

func (c *Coordinator) updateSprintRecord(ctx context.Context, number int, state State, carried []string, endedAt *time.Time) {
	if c.store == nil {
		return
	}
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := c.store.GetSprint(ctx, number)
		if err != nil {
			c.logger.Warn("load sprint record", "error", err)
			return
		}
		rec.State = string(state)
		if carried != nil {
			rec.CarriedOver = carried
		}
		if endedAt != nil {
			rec.EndedAt = endedAt
		}
		err = c.store.UpdateSprint(ctx, rec)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrConflict) {
			c.logger.Warn("persist sprint record", "error", err)
			return
		}
	}
	c.logger.Warn("persist sprint record: retries exhausted")
}
