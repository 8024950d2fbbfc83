package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/pairflow/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s serve [-backlog <file>]   Run the orchestration core: plan sprint
                               windows from the backlog file, staff the
                               configured pairs and drive cards to Done
  %s seed <file>               Validate a backlog file and seed its cards
                               into a newly planned sprint window
  %s status                    Print the board, column by column
  %s doctor [-json]            Run deployment diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PAIRFLOW_HOME                Data directory (default: ~/.pairflow)
  PAIRFLOW_LOG_LEVEL           Log level: debug, info, warn, error
  PAIRFLOW_SPRINT_DURATION_HOURS
                               Override the sprint window length
  PAIRFLOW_TIER4_DEFAULT_ACTION
                               Tier 4 timeout policy: auto_approve,
                               defer_to_proxy or block

EXAMPLES:
  Run the core:                %s serve -backlog backlog.json
  Seed a window:               %s seed backlog.json
  Inspect the board:           %s status
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		os.Exit(runServeCommand(ctx, args[1:]))
	case "seed":
		os.Exit(runSeedCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.startup", "fatal", reasonCode, message, 0)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
