package sprint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/store"
)

type fakeEscalator struct {
	reqs chan resolver.Request
}

func (e *fakeEscalator) Resolve(ctx context.Context, req resolver.Request) (resolver.Decision, error) {
	if e.reqs != nil {
		e.reqs <- req
	}
	return resolver.Decision{Option: "rebalance", Tier: 3, Via: "weighted_vote", Action: resolver.ActionResume}, nil
}

func newCoordinator(t *testing.T, cfg Config) (*Coordinator, *board.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eng, err := board.New(context.Background(), st, bus.New(), nil, nil)
	if err != nil {
		t.Fatalf("new board: %v", err)
	}
	c := NewCoordinator(cfg, st, eng, bus.New(), &fakeEscalator{}, nil)
	return c, eng, st
}

func readySeed(id string, deps ...string) store.Card {
	return store.Card{ID: id, Title: "card " + id, Status: store.CardReady, DependsOn: deps}
}

func TestPlan_DependencyCycleIsFatal(t *testing.T) {
	c, eng, st := newCoordinator(t, Config{})
	ctx := context.Background()

	_, err := c.Plan(ctx, []store.Card{
		readySeed("a", "b"),
		readySeed("b", "a"),
	})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("plan with cycle: err = %v, want ErrDependencyCycle", err)
	}
	if c.State() != "" {
		t.Fatalf("state after rejected plan = %q, want unplanned", c.State())
	}
	latest, err := st.LatestSprintNumber(ctx)
	if err != nil {
		t.Fatalf("latest sprint: %v", err)
	}
	if latest != 0 {
		t.Fatalf("sprint record created for rejected plan: latest = %d", latest)
	}
	if count, _ := eng.Occupancy(store.CardReady); count != 0 {
		t.Fatalf("cards seeded despite rejected plan: %d", count)
	}
}

func TestPlan_UnknownDependencyRejected(t *testing.T) {
	c, _, _ := newCoordinator(t, Config{})
	_, err := c.Plan(context.Background(), []store.Card{readySeed("a", "ghost")})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("plan with unknown dependency: err = %v, want ErrUnknownDependency", err)
	}
}

func TestPlan_DependencyOnEarlierWindowCardAllowed(t *testing.T) {
	c, eng, _ := newCoordinator(t, Config{})
	ctx := context.Background()
	if err := eng.Seed(ctx, store.Card{ID: "legacy", Status: store.CardReady, Sprint: 1}); err != nil {
		t.Fatalf("seed legacy card: %v", err)
	}

	if _, err := c.Plan(ctx, []store.Card{readySeed("a", "legacy")}); err != nil {
		t.Fatalf("plan depending on board card: %v", err)
	}
}

func TestLifecycle_FullWindow(t *testing.T) {
	c, eng, st := newCoordinator(t, Config{StallInterval: time.Hour})
	ctx := context.Background()

	number, err := c.Plan(ctx, []store.Card{readySeed("a"), readySeed("b"), readySeed("c")})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if number != 1 || c.State() != StatePlanning {
		t.Fatalf("plan: number = %d state = %s, want sprint 1 Planning", number, c.State())
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// One card goes all the way through; the rest carry over.
	card, _, err := eng.Pull(ctx, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := eng.Move(ctx, card.ID, store.CardReview, ""); err != nil {
		t.Fatalf("move to review: %v", err)
	}
	if err := eng.Move(ctx, card.ID, store.CardDone, ""); err != nil {
		t.Fatalf("move to done: %v", err)
	}

	summary, err := c.Review(ctx)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if summary.Done != 1 || len(summary.CarriedOver) != 2 {
		t.Fatalf("summary = %+v, want 1 done and 2 carried over", summary)
	}
	rec, err := st.GetSprint(ctx, number)
	if err != nil {
		t.Fatalf("get sprint: %v", err)
	}
	if rec.State != string(StateReview) || len(rec.CarriedOver) != 2 {
		t.Fatalf("record = %+v, want Review with carryover recorded", rec)
	}

	learnings, err := c.Retrospective(ctx)
	if err != nil {
		t.Fatalf("retrospective: %v", err)
	}
	var sawWIPDelta bool
	for _, l := range learnings {
		if l.Adjustment["in_progress_wip_delta"] == "-1" {
			sawWIPDelta = true
		}
	}
	if !sawWIPDelta {
		t.Fatalf("learnings = %+v, want a WIP adjustment when carryover exceeds done", learnings)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want Closed", c.State())
	}
	// Done cards are archived out of the snapshot; carried-over cards stay.
	var visible int
	for _, col := range eng.Snapshot() {
		visible += len(col.Cards)
	}
	if visible != 2 {
		t.Fatalf("visible cards after close = %d, want only the 2 carried over", visible)
	}

	// The recorded learning feeds the next Planning.
	if _, err := c.Plan(ctx, []store.Card{readySeed("d")}); err != nil {
		t.Fatalf("next plan: %v", err)
	}
	if got := c.Tuning()["in_progress_wip_delta"]; got != "-1" {
		t.Fatalf("tuning after next plan = %q, want -1", got)
	}
	pending, err := st.PendingLearnings(ctx)
	if err != nil {
		t.Fatalf("pending learnings: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending learnings after apply = %d, want 0", len(pending))
	}
}

func TestReview_CancelsOutstandingWork(t *testing.T) {
	c, _, _ := newCoordinator(t, Config{StallInterval: time.Hour})
	ctx := context.Background()
	if _, err := c.Plan(ctx, []store.Card{readySeed("a")}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancelled := make(chan struct{})
	err := c.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})
	if err != nil {
		t.Fatalf("go: %v", err)
	}

	if _, err := c.Review(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Fatalf("review returned before outstanding work was cancelled")
	}
}

func TestLifecycle_WrongStateRejected(t *testing.T) {
	c, _, _ := newCoordinator(t, Config{})
	ctx := context.Background()

	if err := c.Start(ctx); !errors.Is(err, ErrWrongState) {
		t.Fatalf("start before plan: err = %v, want ErrWrongState", err)
	}
	if _, err := c.Review(ctx); !errors.Is(err, ErrWrongState) {
		t.Fatalf("review before plan: err = %v, want ErrWrongState", err)
	}
	if _, err := c.Plan(ctx, []store.Card{readySeed("a")}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, err := c.Plan(ctx, []store.Card{readySeed("b")}); !errors.Is(err, ErrWrongState) {
		t.Fatalf("second plan during window: err = %v, want ErrWrongState", err)
	}
	if err := c.Close(ctx); !errors.Is(err, ErrWrongState) {
		t.Fatalf("close from Planning: err = %v, want ErrWrongState", err)
	}
}

func TestPlan_AdoptsCarriedCardsIntoNewWindow(t *testing.T) {
	c, eng, st := newCoordinator(t, Config{StallInterval: time.Hour})
	ctx := context.Background()

	if _, err := c.Plan(ctx, []store.Card{readySeed("stuck")}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	card, sessionID, err := eng.Pull(ctx, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := eng.Release(ctx, card.ID, sessionID, board.OutcomeAbandoned, "sprint closed"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := c.Review(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := c.Retrospective(ctx); err != nil {
		t.Fatalf("retrospective: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	number, err := c.Plan(ctx, nil)
	if err != nil {
		t.Fatalf("second plan: %v", err)
	}
	got, err := st.GetCard(ctx, "stuck")
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Status != store.CardReady || got.Sprint != number {
		t.Fatalf("card = %s sprint %d, want Ready carried into sprint %d", got.Status, got.Sprint, number)
	}
}

func TestPlan_SeedMayDependOnArchivedCard(t *testing.T) {
	c, eng, _ := newCoordinator(t, Config{StallInterval: time.Hour})
	ctx := context.Background()

	if _, err := c.Plan(ctx, []store.Card{readySeed("legacy")}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	card, _, err := eng.Pull(ctx, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := eng.Move(ctx, card.ID, store.CardReview, ""); err != nil {
		t.Fatalf("move to review: %v", err)
	}
	if err := eng.Move(ctx, card.ID, store.CardDone, ""); err != nil {
		t.Fatalf("move to done: %v", err)
	}
	if _, err := c.Review(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := c.Retrospective(ctx); err != nil {
		t.Fatalf("retrospective: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// legacy is archived out of the columns now, but the next window's
	// seeds may still depend on it.
	if _, err := c.Plan(ctx, []store.Card{readySeed("next", "legacy")}); err != nil {
		t.Fatalf("plan depending on archived card: %v", err)
	}
}
