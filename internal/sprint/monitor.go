package sprint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/resolver"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextCheck returns the first firing of the cron expression after the
// given time.
func NextCheck(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// MonitorConfig holds the stall watchdog's dependencies.
type MonitorConfig struct {
	Board     *board.Engine
	Bus       *bus.Bus
	Escalator Escalator
	Logger    *slog.Logger
	Sprint    int
	// Cron is the check cadence as a 5-field expression. Empty falls back
	// to a plain interval tick.
	Cron      string
	Interval  time.Duration // fallback cadence, default 1 minute
	Threshold time.Duration // no completion for this long means stalled
}

// StallMonitor watches throughput during Executing. It never steers
// individual sessions; when nothing has completed for the configured
// threshold while work is in flight, it raises a tier-3 priority
// escalation autonomously, once per stall.
type StallMonitor struct {
	cfg    MonitorConfig
	logger *slog.Logger

	lastCompletion atomic.Int64 // unix nanos
	stalled        atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStallMonitor(cfg MonitorConfig) *StallMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &StallMonitor{cfg: cfg, logger: logger}
	m.lastCompletion.Store(time.Now().UnixNano())
	return m
}

// NoteCompletion records a card completion and re-arms the watchdog.
func (m *StallMonitor) NoteCompletion() {
	m.lastCompletion.Store(time.Now().UnixNano())
	m.stalled.Store(false)
}

// Start begins the watchdog loop in a background goroutine; the provided
// context shuts it down.
func (m *StallMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("stall monitor started",
		"cron", m.cfg.Cron, "interval", m.cfg.Interval, "threshold", m.cfg.Threshold)
}

// Stop cancels the loop and waits for it to exit.
func (m *StallMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *StallMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		wait := m.cfg.Interval
		if m.cfg.Cron != "" {
			next, err := NextCheck(m.cfg.Cron, time.Now())
			if err != nil {
				m.logger.Error("stall monitor: bad cron expression, using interval",
					"cron", m.cfg.Cron, "error", err)
				m.cfg.Cron = ""
			} else {
				wait = time.Until(next)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			m.check(ctx)
		}
	}
}

func (m *StallMonitor) check(ctx context.Context) {
	if m.stalled.Load() {
		return // already escalated for this stall
	}
	if m.cfg.Board != nil && m.cfg.Board.ActiveSessionCount() == 0 {
		return // nothing in flight, nothing to stall
	}
	idle := time.Since(time.Unix(0, m.lastCompletion.Load()))
	if idle < m.cfg.Threshold {
		return
	}
	m.stalled.Store(true)
	m.logger.Warn("sprint throughput stalled", "idle", idle, "sprint", m.cfg.Sprint)
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(bus.TopicSprintStalled, bus.SprintEvent{
			Sprint: m.cfg.Sprint,
			State:  "Executing",
		})
	}
	if m.cfg.Escalator == nil {
		return
	}
	decision, err := m.cfg.Escalator.Resolve(ctx, resolver.Request{
		Category: resolver.CategoryPriority,
		Urgency:  "advisory",
		Question: "no card completions for " + idle.Round(time.Second).String(),
		Sprint:   m.cfg.Sprint,
	})
	if err != nil {
		m.logger.Error("stall escalation failed", "error", err)
		return
	}
	m.logger.Info("stall escalation resolved",
		"tier", decision.Tier, "via", decision.Via, "option", decision.Option)
}
