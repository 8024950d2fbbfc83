package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/config"
	"github.com/basket/pairflow/internal/sprint"
	"github.com/basket/pairflow/internal/store"
)

// runSeedCommand validates a backlog file and puts its cards on the board.
// A running serve process adopts them at its next Planning.
func runSeedCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: pairflow seed <file>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	seeds, err := config.LoadSeeds(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "backlog rejected: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := board.New(ctx, st, bus.New(), cfg.Columns, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hydrate board: %v\n", err)
		return 1
	}

	known := eng.KnownIDs()
	fresh := make([]store.Card, 0, len(seeds))
	for _, card := range seeds {
		if !known[card.ID] {
			fresh = append(fresh, card)
		}
	}
	if err := sprint.ValidateBacklog(fresh, known); err != nil {
		fmt.Fprintf(os.Stderr, "backlog rejected: %v\n", err)
		return 1
	}

	for _, card := range fresh {
		if err := eng.Seed(ctx, card); err != nil {
			fmt.Fprintf(os.Stderr, "seed %s: %v\n", card.ID, err)
			return 1
		}
	}
	fmt.Printf("%d cards seeded (%d already on the board)\n", len(fresh), len(seeds)-len(fresh))
	return 0
}
