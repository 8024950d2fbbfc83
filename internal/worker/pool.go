// Package worker runs the pull loops: each pair polls the board for Ready
// work and drives a pairing session per admitted card.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/session"
	"github.com/basket/pairflow/internal/store"
)

const defaultPollInterval = 2 * time.Second

// Pair is one staffed pair plus its execution collaborator.
type Pair struct {
	Driver    session.Participant
	Navigator session.Participant
	Executor  session.Executor
}

// Pool owns the per-pair pull loops.
type Pool struct {
	board    *board.Engine
	store    *store.Store
	bus      *bus.Bus
	resolver session.Escalator
	logger   *slog.Logger
	cfg      session.Config
	poll     time.Duration
}

// New creates a pool. Poll is the idle re-check interval; zero means the
// default.
func New(eng *board.Engine, st *store.Store, eventBus *bus.Bus, esc session.Escalator, logger *slog.Logger, cfg session.Config, poll time.Duration) *Pool {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Pool{
		board:    eng,
		store:    st,
		bus:      eventBus,
		resolver: esc,
		logger:   logger,
		cfg:      cfg,
		poll:     poll,
	}
}

// RunPair loops until ctx is cancelled: pull a card, run its session,
// repeat. WIP saturation and an empty Ready column both back off for one
// poll interval.
func (p *Pool) RunPair(ctx context.Context, pair Pair) {
	ids := []string{pair.Driver.ID(), pair.Navigator.ID()}
	for {
		if ctx.Err() != nil {
			return
		}

		card, sessionID, err := p.board.Pull(ctx, ids)
		if err != nil {
			if !errors.Is(err, board.ErrNoneAvailable) &&
				!errors.Is(err, board.ErrCapacityExceeded) &&
				!errors.Is(err, board.ErrSessionActive) {
				p.logger.Warn("pull failed", "pair", ids, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}

		sess, err := session.New(session.Params{
			ID:        sessionID,
			Card:      card,
			Driver:    pair.Driver,
			Navigator: pair.Navigator,
			Executor:  pair.Executor,
			Resolver:  p.resolver,
			Board:     p.board,
			Store:     p.store,
			Bus:       p.bus,
			Logger:    p.logger,
			Config:    p.cfg,
		})
		if err != nil {
			p.logger.Error("session setup failed", "card", card.ID, "error", err)
			if relErr := p.board.Release(ctx, card.ID, sessionID, board.OutcomeAbandoned, "session setup failed"); relErr != nil {
				p.logger.Error("release after failed setup", "card", card.ID, "error", relErr)
			}
			continue
		}

		if err := sess.Run(ctx); err != nil {
			p.logger.Error("session failed", "card", card.ID, "session", sessionID, "error", err)
		}
	}
}
