// Package session runs the per-card pairing state machine: Sync, then
// red/green/refactor cycles with checkpoints and role rotation, then
// explicit two-party consensus. Card state is only ever mutated through
// the board's transition API; the session owns its own phase. Every
// recovery path is an explicit transition in the session log, never a
// silent retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/store"
)

// Phase is a session's lifecycle phase.
type Phase string

const (
	PhaseSync      Phase = "Sync"
	PhaseCycling   Phase = "Cycling"
	PhaseConsensus Phase = "Consensus"
	PhaseEscalated Phase = "Escalated"
	PhaseCommitted Phase = "Committed"
	PhaseAbandoned Phase = "Abandoned"
)

var allowedPhases = map[Phase][]Phase{
	PhaseSync:      {PhaseCycling, PhaseEscalated, PhaseAbandoned},
	PhaseCycling:   {PhaseCycling, PhaseConsensus, PhaseEscalated, PhaseAbandoned},
	PhaseConsensus: {PhaseCommitted, PhaseEscalated, PhaseAbandoned},
	PhaseEscalated: {PhaseCycling, PhaseAbandoned},
}

// ErrPhaseViolation means an internal transition broke the phase graph.
var ErrPhaseViolation = errors.New("illegal session phase transition")

const abandonSprintClosed = "sprint closed"

// Proposal is one participant's approach statement during Sync.
type Proposal struct {
	Participant string
	Approach    string
	Agree       bool // agrees with the other side's latest approach
}

// CheckpointReport answers the bounded mid-cycle dialogue: on track? next
// decision point? red flags?
type CheckpointReport struct {
	OnTrack      bool
	NextDecision string
	RedFlags     []string
	// Concern, when set, is an unresolved architectural question that
	// must escalate rather than be argued out in the pair.
	Concern  string
	Complete bool // the unit of work is judged done
}

// Verdict is a participant's consensus answer. Approval without a stated
// reason does not count.
type Verdict struct {
	Approve bool
	Reason  string
}

// Participant is one side of the pair. Implementations return structured
// decisions; how they arrive at them is outside the core.
type Participant interface {
	ID() string
	Propose(ctx context.Context, card store.Card, round int, prior []Proposal) (Proposal, error)
	Checkpoint(ctx context.Context, card store.Card, cycle int) (CheckpointReport, error)
	Review(ctx context.Context, card store.Card) (Verdict, error)
}

// StepKind names a micro-cycle stage.
type StepKind string

const (
	StepRed      StepKind = "red"
	StepGreen    StepKind = "green"
	StepRefactor StepKind = "refactor"
)

// Step is one unit of execution handed to the external collaborator.
type Step struct {
	Kind     StepKind
	CardID   string
	Cycle    int
	Driver   string
	Approach string
}

// Result is the collaborator's answer for one step.
type Result struct {
	Success  bool
	Artifact string
	Err      string
}

// Executor is the opaque, possibly-slow external execution collaborator.
// Calls are bounded by the configured step timeout.
type Executor interface {
	Execute(ctx context.Context, step Step) (Result, error)
}

// Escalator hands an escalation to the resolver and waits for its
// decision.
type Escalator interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Decision, error)
}

// Config bounds the session. Loaded once per sprint window.
type Config struct {
	MaxSyncExchanges  int           // proposal rounds before escalating, default 3
	RotationCadence   int           // swap driver/navigator every N cycles, default 2
	MaxCycles         int           // hard cycle budget, forces Consensus, default 10
	StepTimeout       time.Duration // per executor call
	CheckpointTimeout time.Duration // per checkpoint answer
}

func (c *Config) normalize() {
	if c.MaxSyncExchanges <= 0 {
		c.MaxSyncExchanges = 3
	}
	if c.RotationCadence <= 0 {
		c.RotationCadence = 2
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = 10
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = 30 * time.Second
	}
}

// Params wires one session. Board and the participant pair are required.
type Params struct {
	ID        string
	Card      store.Card
	Driver    Participant
	Navigator Participant
	Executor  Executor
	Resolver  Escalator
	Board     *board.Engine
	Store     *store.Store
	Bus       *bus.Bus
	Logger    *slog.Logger
	Config    Config
}

// Session drives one card through the pairing lifecycle. Run is the only
// entry point; a session is not reusable.
type Session struct {
	id        string
	card      store.Card
	driver    Participant
	navigator Participant
	exec      Executor
	escalator Escalator
	board     *board.Engine
	store     *store.Store
	bus       *bus.Bus
	logger    *slog.Logger
	cfg       Config

	phase    Phase
	cycles   int
	approach string
	// pending is the escalation to raise when entering Escalated.
	pending resolver.Request
	// decision applied on resume, logged for the audit trail.
	lastDecision resolver.Decision
}

func New(p Params) (*Session, error) {
	if p.ID == "" || p.Card.ID == "" {
		return nil, fmt.Errorf("session requires id and card")
	}
	if p.Driver == nil || p.Navigator == nil {
		return nil, fmt.Errorf("session %s: both participants required", p.ID)
	}
	if p.Board == nil {
		return nil, fmt.Errorf("session %s: board required", p.ID)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	p.Config.normalize()
	return &Session{
		id:        p.ID,
		card:      p.Card,
		driver:    p.Driver,
		navigator: p.Navigator,
		exec:      p.Executor,
		escalator: p.Resolver,
		board:     p.Board,
		store:     p.Store,
		bus:       p.Bus,
		logger:    p.Logger.With("session_id", p.ID, "card_id", p.Card.ID),
		cfg:       p.Config,
		phase:     PhaseSync,
	}, nil
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase { return s.phase }

// Cycles returns how many full micro-cycles have completed.
func (s *Session) Cycles() int { return s.cycles }

// transition moves the phase, persists it and publishes the change. The
// phase graph is enforced here so no code path can skip a state.
func (s *Session) transition(ctx context.Context, to Phase, note string) error {
	legal := false
	for _, next := range allowedPhases[s.phase] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("session %s: %s -> %s: %w", s.id, s.phase, to, ErrPhaseViolation)
	}
	from := s.phase
	s.phase = to
	s.persist(ctx)
	s.appendLog(ctx, "transition", fmt.Sprintf("%s -> %s: %s", from, to, note))
	if s.bus != nil {
		s.bus.Publish(bus.TopicSessionPhaseChanged, bus.SessionPhaseEvent{
			SessionID: s.id,
			CardID:    s.card.ID,
			OldPhase:  string(from),
			NewPhase:  string(to),
		})
	}
	s.logger.Info("session phase changed", "from", string(from), "to", string(to), "note", note)
	return nil
}

// persist writes phase and cycle count through to the session record,
// retrying version conflicts by re-reading. Persistence failures are
// logged, not fatal; the in-memory machine stays authoritative for a
// running session.
func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.store.GetSession(ctx, s.id)
		if err != nil {
			s.logger.Warn("load session record", "error", err)
			return
		}
		rec.Phase = string(s.phase)
		rec.Cycles = s.cycles
		rec.Driver = s.driver.ID()
		rec.Navigator = s.navigator.ID()
		err = s.store.UpdateSession(ctx, rec)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Warn("persist session record", "error", err)
			return
		}
	}
	s.logger.Warn("persist session record: retries exhausted")
}

func (s *Session) appendLog(ctx context.Context, kind, body string) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendLog(ctx, s.id, kind, body); err != nil {
		s.logger.Warn("append session log", "kind", kind, "error", err)
	}
}

// escalate stages an escalation request and enters Escalated.
func (s *Session) escalate(ctx context.Context, category, urgency, question string, options []string) error {
	s.pending = resolver.Request{
		SessionID: s.id,
		CardID:    s.card.ID,
		Category:  category,
		Urgency:   urgency,
		Question:  question,
		Options:   options,
		Sprint:    s.card.Sprint,
	}
	return s.transition(ctx, PhaseEscalated, question)
}
