package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/config"
	"github.com/basket/pairflow/internal/store"
)

// runStatusCommand prints the board column by column from the store.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: pairflow status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
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

	printBoard(os.Stdout, eng.Snapshot())

	if number, err := st.LatestSprintNumber(ctx); err == nil && number > 0 {
		if rec, err := st.GetSprint(ctx, number); err == nil {
			fmt.Printf("\nsprint %d: %s\n", rec.Number, rec.State)
		}
	}
	return 0
}

func printBoard(w io.Writer, snapshot []board.ColumnSnapshot) {
	for _, col := range snapshot {
		limit := "-"
		if col.WIPLimit > 0 {
			limit = fmt.Sprintf("%d", col.WIPLimit)
		}
		fmt.Fprintf(w, "%-12s %d/%s\n", col.Name, len(col.Cards), limit)
		for _, card := range col.Cards {
			line := fmt.Sprintf("  %s  %s", card.ID, card.Title)
			if len(card.Pair) > 0 {
				line += "  [" + strings.Join(card.Pair, ", ") + "]"
			}
			if card.BlockReason != "" {
				line += "  (" + card.BlockReason + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
}
