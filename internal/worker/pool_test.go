package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/session"
	"github.com/basket/pairflow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type agreeableParticipant struct {
	id string
}

func (p *agreeableParticipant) ID() string { return p.id }

func (p *agreeableParticipant) Propose(ctx context.Context, card store.Card, round int, prior []session.Proposal) (session.Proposal, error) {
	return session.Proposal{Participant: p.id, Approach: "smallest passing change", Agree: true}, nil
}

func (p *agreeableParticipant) Checkpoint(ctx context.Context, card store.Card, cycle int) (session.CheckpointReport, error) {
	return session.CheckpointReport{OnTrack: true, Complete: true}, nil
}

func (p *agreeableParticipant) Review(ctx context.Context, card store.Card) (session.Verdict, error) {
	return session.Verdict{Approve: true, Reason: "acceptance criteria met"}, nil
}

type passExecutor struct{}

func (passExecutor) Execute(ctx context.Context, step session.Step) (session.Result, error) {
	return session.Result{Success: true, Artifact: string(step.Kind)}, nil
}

type nopEscalator struct{}

func (nopEscalator) Resolve(ctx context.Context, req resolver.Request) (resolver.Decision, error) {
	return resolver.Decision{Option: "approve", Action: resolver.ActionResume}, nil
}

func TestPool_DrainsReadyColumn(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eventBus := bus.New()
	eng, err := board.New(context.Background(), st, eventBus, nil, nil)
	if err != nil {
		t.Fatalf("new board: %v", err)
	}
	for _, id := range []string{"card-1", "card-2"} {
		if err := eng.Seed(context.Background(), store.Card{
			ID: id, Title: id, Status: store.CardReady, Sprint: 1,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	pool := New(eng, st, eventBus, nopEscalator{}, testLogger(), session.Config{
		StepTimeout:       time.Second,
		CheckpointTimeout: time.Second,
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.RunPair(ctx, Pair{
			Driver:    &agreeableParticipant{id: "alice"},
			Navigator: &agreeableParticipant{id: "bob"},
			Executor:  passExecutor{},
		})
	}()

	deadline := time.After(5 * time.Second)
	for {
		cards, err := st.QueryCards(context.Background(), store.CardFilter{Status: store.CardReview})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(cards) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("cards in Review = %d, want 2", len(cards))
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

func TestPool_BacksOffWhenNothingReady(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng, err := board.New(context.Background(), st, bus.New(), nil, nil)
	if err != nil {
		t.Fatalf("new board: %v", err)
	}

	pool := New(eng, st, bus.New(), nopEscalator{}, testLogger(), session.Config{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.RunPair(ctx, Pair{
			Driver:    &agreeableParticipant{id: "alice"},
			Navigator: &agreeableParticipant{id: "bob"},
			Executor:  passExecutor{},
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop while idle")
	}
}
