package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/otel"
)

// Recorder turns bus events into OTel metric updates. It subscribes to
// every topic and runs until Stop; the core never writes instruments
// directly, so metrics stay decoupled from the board and session paths.
type Recorder struct {
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	started map[string]time.Time // session ID -> pull time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder. Call Start to begin consuming.
func NewRecorder(b *bus.Bus, m *otel.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		bus:     b,
		metrics: m,
		logger:  logger,
		started: make(map[string]time.Time),
	}
}

// Start subscribes to the bus and consumes events until ctx is cancelled
// or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.bus.Subscribe("")
	if r.logger != nil {
		r.logger.Debug("metrics recorder started")
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.record(ctx, event)
			}
		}
	}()
}

// Stop cancels the consumer and waits for it to drain.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) record(ctx context.Context, event bus.Event) {
	switch payload := event.Payload.(type) {
	case bus.CardTransitionedEvent:
		r.metrics.CardTransitions.Add(ctx, 1, metric.WithAttributes(
			otel.AttrColumn.String(payload.ToColumn),
		))
		r.metrics.ColumnOccupancy.Add(ctx, -1, metric.WithAttributes(
			otel.AttrColumn.String(payload.FromColumn),
		))
		r.metrics.ColumnOccupancy.Add(ctx, 1, metric.WithAttributes(
			otel.AttrColumn.String(payload.ToColumn),
		))
	case bus.CardPulledEvent:
		r.metrics.ActiveSessions.Add(ctx, 1)
		r.mu.Lock()
		r.started[payload.SessionID] = time.Now()
		r.mu.Unlock()
	case bus.CardPullRejectedEvent:
		r.metrics.PullRejects.Add(ctx, 1, metric.WithAttributes(
			otel.AttrColumn.String(payload.Column),
		))
	case bus.SessionResolvedEvent:
		r.metrics.ActiveSessions.Add(ctx, -1)
		r.metrics.SessionCycles.Add(ctx, int64(payload.Cycles))
		r.mu.Lock()
		started, ok := r.started[payload.SessionID]
		delete(r.started, payload.SessionID)
		r.mu.Unlock()
		if ok {
			r.metrics.SessionDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
				otel.AttrSessionID.String(payload.SessionID),
			))
		}
	case bus.EscalationEvent:
		switch event.Topic {
		case bus.TopicEscalationRaised:
			r.metrics.Escalations.Add(ctx, 1, metric.WithAttributes(
				otel.AttrTier.Int(payload.Tier),
				otel.AttrCategory.String(payload.Category),
			))
		case bus.TopicEscalationTimeout:
			r.metrics.EscalationTimeouts.Add(ctx, 1, metric.WithAttributes(
				otel.AttrTier.Int(payload.Tier),
			))
		}
	case bus.SprintEvent:
		if event.Topic == bus.TopicSprintReviewed && payload.CarriedOver > 0 {
			r.metrics.SprintCarryover.Add(ctx, int64(payload.CarriedOver), metric.WithAttributes(
				otel.AttrSprint.Int(payload.Sprint),
			))
		}
	}
}
