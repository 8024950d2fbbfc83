package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/pairflow/internal/audit"
	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/config"
	otelPkg "github.com/basket/pairflow/internal/otel"
	"github.com/basket/pairflow/internal/participant"
	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/sprint"
	"github.com/basket/pairflow/internal/store"
	"github.com/basket/pairflow/internal/telemetry"
	"github.com/basket/pairflow/internal/worker"
)

const (
	boardSweepInterval = 2 * time.Second
	idleReplanWait     = 10 * time.Second
	windowCloseGrace   = 30 * time.Second
)

func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	backlog := fs.String("backlog", "", "backlog seed file loaded at each Planning")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	recorder := telemetry.NewRecorder(eventBus, metrics, logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, edits require restart", "error", err)
	}
	logger.Info("startup phase", "phase", "serving")

	for ctx.Err() == nil {
		if err := runWindow(ctx, cfg, st, eventBus, logger, *backlog); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error("sprint window failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(idleReplanWait):
			}
			continue
		}
		// Staged config becomes the next window's config; the running
		// window is never reconfigured.
		if staged, ok := watcher.Staged(); ok {
			cfg = staged
			logger.Info("staged config applied for next window")
		}
	}
	logger.Info("shutdown complete")
	return 0
}

// runWindow drives one full sprint window: Planning through Closed. The
// board, resolver and coordinator are built fresh per window so the
// window's config stays immutable.
func runWindow(ctx context.Context, cfg config.Config, st *store.Store, eventBus *bus.Bus, logger *slog.Logger, backlogPath string) error {
	eng, err := board.New(ctx, st, eventBus, cfg.Columns, logger)
	if err != nil {
		return fmt.Errorf("hydrate board: %w", err)
	}

	seeds, err := loadWindowSeeds(backlogPath, eng)
	if err != nil {
		return err
	}
	if len(seeds) == 0 && liveCards(eng) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idleReplanWait):
			return nil
		}
	}

	res := resolver.New(cfg.ResolverConfig(), st, eventBus, logger)
	closers, err := bindAuthorities(cfg, res)
	if err != nil {
		return fmt.Errorf("bind authorities: %w", err)
	}
	defer closeAll(closers, logger)

	coord := sprint.NewCoordinator(cfg.SprintConfig(), st, eng, eventBus, res, logger)
	number, err := coord.Plan(ctx, seeds)
	if err != nil {
		return fmt.Errorf("plan window: %w", err)
	}
	logger.Info("sprint planned", "sprint", number, "seeds", len(seeds))

	if err := coord.Start(ctx); err != nil {
		return err
	}

	pool := worker.New(eng, st, eventBus, res, logger, cfg.SessionConfig(), 0)
	pairs, pairClosers, err := buildPairs(cfg)
	if err != nil {
		coord.Review(context.WithoutCancel(ctx))
		return fmt.Errorf("staff pairs: %w", err)
	}
	defer closeAll(pairClosers, logger)
	for _, pair := range pairs {
		if err := coord.Go(func(ctx context.Context) { pool.RunPair(ctx, pair) }); err != nil {
			return err
		}
	}

	waitForWindow(ctx, cfg, eng, logger)

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), windowCloseGrace)
	defer cancel()

	summary, err := coord.Review(endCtx)
	if err != nil {
		return fmt.Errorf("review window: %w", err)
	}
	learnings, err := coord.Retrospective(endCtx)
	if err != nil {
		return fmt.Errorf("retrospective: %w", err)
	}
	if err := coord.Close(endCtx); err != nil {
		return fmt.Errorf("close window: %w", err)
	}
	logger.Info("sprint closed",
		"sprint", number,
		"done", summary.Done,
		"carried_over", len(summary.CarriedOver),
		"learnings", len(learnings))
	return ctx.Err()
}

// waitForWindow blocks until the window duration elapses, the board
// drains, or ctx is cancelled. Cards whose sessions committed are swept
// from Review to Done as they appear.
func waitForWindow(ctx context.Context, cfg config.Config, eng *board.Engine, logger *slog.Logger) {
	windowEnd := time.After(cfg.SprintConfig().Duration)
	ticker := time.NewTicker(boardSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-windowEnd:
			logger.Info("window duration elapsed")
			return
		case <-ticker.C:
			promoteReviewed(ctx, eng, logger)
			if liveCards(eng) == 0 {
				logger.Info("board drained, closing window early")
				return
			}
		}
	}
}

// promoteReviewed moves committed cards out of Review. Sessions end in
// Review after unanimous approval; Done is the merge acknowledgement.
func promoteReviewed(ctx context.Context, eng *board.Engine, logger *slog.Logger) {
	for _, col := range eng.Snapshot() {
		if col.Name != store.CardReview {
			continue
		}
		for _, card := range col.Cards {
			if err := eng.Move(ctx, card.ID, store.CardDone, "review complete"); err != nil {
				logger.Warn("promote reviewed card", "card", card.ID, "error", err)
			}
		}
	}
}

func liveCards(eng *board.Engine) int {
	total := 0
	for _, name := range []store.CardStatus{store.CardReady, store.CardInProgress, store.CardReview} {
		count, _ := eng.Occupancy(name)
		total += count
	}
	return total
}

// loadWindowSeeds reads the backlog file and drops cards already on the
// board, so the same file can seed consecutive windows.
func loadWindowSeeds(path string, eng *board.Engine) ([]store.Card, error) {
	if path == "" {
		return nil, nil
	}
	all, err := config.LoadSeeds(path)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load backlog: %w", err)
	}

	known := eng.KnownIDs()
	seeds := make([]store.Card, 0, len(all))
	for _, card := range all {
		if !known[card.ID] {
			seeds = append(seeds, card)
		}
	}
	return seeds, nil
}

func buildPairs(cfg config.Config) ([]worker.Pair, []io.Closer, error) {
	var pairs []worker.Pair
	var closers []io.Closer

	for _, pc := range cfg.Pairs {
		driver, closer, err := dialAgent(pc.Driver)
		if err != nil {
			closeAll(closers, nil)
			return nil, nil, err
		}
		closers = append(closers, closer)

		navigator, closer, err := dialAgent(pc.Navigator)
		if err != nil {
			closeAll(closers, nil)
			return nil, nil, err
		}
		closers = append(closers, closer)

		execClient, err := dialClient(pc.Executor.ID, pc.Executor)
		if err != nil {
			closeAll(closers, nil)
			return nil, nil, err
		}
		closers = append(closers, execClient)

		pairs = append(pairs, worker.Pair{
			Driver:    driver,
			Navigator: navigator,
			Executor:  participant.NewRunner(execClient),
		})
	}
	return pairs, closers, nil
}

func bindAuthorities(cfg config.Config, res *resolver.Resolver) ([]io.Closer, error) {
	var closers []io.Closer
	byTier := make(map[int][]resolver.Authority)

	for _, ac := range cfg.Authorities {
		client, err := dialClient(ac.Name, config.CollaboratorConfig{
			Command: ac.Command, Args: ac.Args, Env: ac.Env,
		})
		if err != nil {
			closeAll(closers, nil)
			return nil, err
		}
		closers = append(closers, client)

		authority := participant.NewAuthority(ac.Name, client)
		if ac.Proxy {
			res.BindProxy(authority)
			continue
		}
		byTier[ac.Tier] = append(byTier[ac.Tier], authority)
	}
	for tier, auths := range byTier {
		res.Bind(tier, auths...)
	}
	return closers, nil
}

func dialAgent(cc config.CollaboratorConfig) (*participant.Agent, io.Closer, error) {
	client, err := dialClient(cc.ID, cc)
	if err != nil {
		return nil, nil, err
	}
	return participant.NewAgent(cc.ID, client), client, nil
}

func dialClient(name string, cc config.CollaboratorConfig) (*participant.Client, error) {
	transport, err := participant.NewStdioTransport(cc.Command, cc.Args, cc.Env)
	if err != nil {
		return nil, fmt.Errorf("start collaborator %s: %w", name, err)
	}
	return participant.NewClient(name, transport), nil
}

func closeAll(closers []io.Closer, logger *slog.Logger) {
	for _, c := range closers {
		if err := c.Close(); err != nil && logger != nil {
			logger.Debug("close collaborator", "error", err)
		}
	}
}
