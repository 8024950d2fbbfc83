package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/resolver"
)

// Run drives the session to a terminal phase and releases the card through
// the board. Context cancellation at any suspension point abandons the
// session with reason "sprint closed". Run always terminates: every
// external wait is bounded and the cycle budget forces Consensus.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return s.abandon(context.WithoutCancel(ctx), abandonSprintClosed)
		}
		var err error
		switch s.phase {
		case PhaseSync:
			err = s.runSync(ctx)
		case PhaseCycling:
			err = s.runCycling(ctx)
		case PhaseConsensus:
			err = s.runConsensus(ctx)
		case PhaseEscalated:
			err = s.runEscalated(ctx)
		case PhaseCommitted:
			return s.commit(ctx)
		case PhaseAbandoned:
			return nil // already released in abandon
		default:
			return fmt.Errorf("session %s: unknown phase %q", s.id, s.phase)
		}
		if err != nil {
			if ctx.Err() != nil {
				return s.abandon(context.WithoutCancel(ctx), abandonSprintClosed)
			}
			return err
		}
	}
}

// runSync exchanges approach proposals until both sides agree on a first
// step, bounded by the configured number of rounds.
func (s *Session) runSync(ctx context.Context) error {
	var prior []Proposal
	for round := 1; round <= s.cfg.MaxSyncExchanges; round++ {
		dp, err := s.driver.Propose(ctx, s.card, round, prior)
		if err != nil {
			return err
		}
		prior = append(prior, dp)
		s.appendLog(ctx, "proposal", fmt.Sprintf("round %d %s: %s", round, dp.Participant, dp.Approach))

		np, err := s.navigator.Propose(ctx, s.card, round, prior)
		if err != nil {
			return err
		}
		prior = append(prior, np)
		s.appendLog(ctx, "proposal", fmt.Sprintf("round %d %s: %s", round, np.Participant, np.Approach))

		if dp.Agree && np.Agree {
			s.approach = np.Approach
			if s.approach == "" {
				s.approach = dp.Approach
			}
			return s.transition(ctx, PhaseCycling, fmt.Sprintf("approach agreed in round %d", round))
		}
	}
	return s.escalate(ctx, resolver.CategoryArchitecture, "blocking",
		fmt.Sprintf("no agreed approach after %d exchanges", s.cfg.MaxSyncExchanges), nil)
}

// runCycling performs one red/green/refactor cycle plus its checkpoint,
// then decides where to go next. Faults force-escalate with
// urgency=blocking; the session is never left stuck here.
func (s *Session) runCycling(ctx context.Context) error {
	cycle := s.cycles + 1
	for _, kind := range []StepKind{StepRed, StepGreen, StepRefactor} {
		result, err := s.executeStep(ctx, Step{
			Kind:     kind,
			CardID:   s.card.ID,
			Cycle:    cycle,
			Driver:   s.driver.ID(),
			Approach: s.approach,
		})
		if err != nil {
			s.appendLog(ctx, "fault", fmt.Sprintf("cycle %d %s: %v", cycle, kind, err))
			return s.escalate(ctx, resolver.CategoryArchitecture, "blocking",
				fmt.Sprintf("executor fault during %s step: %v", kind, err), nil)
		}
		if !result.Success {
			s.appendLog(ctx, "fault", fmt.Sprintf("cycle %d %s: %s", cycle, kind, result.Err))
			return s.escalate(ctx, resolver.CategoryArchitecture, "blocking",
				fmt.Sprintf("%s step failed: %s", kind, result.Err), nil)
		}
		s.appendLog(ctx, "step", fmt.Sprintf("cycle %d %s ok: %s", cycle, kind, result.Artifact))
	}
	s.cycles = cycle
	s.persist(ctx)

	driverReport, err := s.checkpoint(ctx, s.driver)
	if err != nil {
		return err
	}
	navReport, err := s.checkpoint(ctx, s.navigator)
	if err != nil {
		return err
	}
	for _, report := range []CheckpointReport{driverReport, navReport} {
		if report.Concern != "" {
			return s.escalate(ctx, resolver.CategoryArchitecture, "blocking", report.Concern, nil)
		}
	}
	if driverReport.Complete && navReport.Complete {
		return s.transition(ctx, PhaseConsensus, "both judge the unit of work complete")
	}
	if s.cycles >= s.cfg.MaxCycles {
		return s.transition(ctx, PhaseConsensus,
			fmt.Sprintf("cycle budget of %d reached", s.cfg.MaxCycles))
	}
	if s.cycles%s.cfg.RotationCadence == 0 {
		s.driver, s.navigator = s.navigator, s.driver
		s.persist(ctx)
		s.appendLog(ctx, "rotation", fmt.Sprintf("after cycle %d: %s drives", s.cycles, s.driver.ID()))
	}
	return s.transition(ctx, PhaseCycling, fmt.Sprintf("cycle %d done", s.cycles))
}

func (s *Session) executeStep(ctx context.Context, step Step) (Result, error) {
	if s.exec == nil {
		return Result{Success: true}, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	return s.exec.Execute(cctx, step)
}

func (s *Session) checkpoint(ctx context.Context, p Participant) (CheckpointReport, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckpointTimeout)
	defer cancel()
	report, err := p.Checkpoint(cctx, s.card, s.cycles)
	if err != nil {
		return CheckpointReport{}, err
	}
	body := fmt.Sprintf("cycle %d %s: on_track=%v next=%s complete=%v",
		s.cycles, p.ID(), report.OnTrack, report.NextDecision, report.Complete)
	if len(report.RedFlags) > 0 {
		body += " red_flags=" + strings.Join(report.RedFlags, ",")
	}
	s.appendLog(ctx, "checkpoint", body)
	return report, nil
}

// runConsensus asks both participants for an explicit, reasoned approval.
// Unanimity commits; a single rejection escalates, never a silent
// override.
func (s *Session) runConsensus(ctx context.Context) error {
	dv, err := s.driver.Review(ctx, s.card)
	if err != nil {
		return err
	}
	s.appendLog(ctx, "decision", fmt.Sprintf("%s: approve=%v reason=%s", s.driver.ID(), dv.Approve, dv.Reason))
	nv, err := s.navigator.Review(ctx, s.card)
	if err != nil {
		return err
	}
	s.appendLog(ctx, "decision", fmt.Sprintf("%s: approve=%v reason=%s", s.navigator.ID(), nv.Approve, nv.Reason))

	if dv.Approve && nv.Approve && dv.Reason != "" && nv.Reason != "" {
		return s.transition(ctx, PhaseCommitted,
			fmt.Sprintf("approved: %s / %s", dv.Reason, nv.Reason))
	}
	question := "consensus not reached"
	switch {
	case !dv.Approve:
		question = fmt.Sprintf("%s rejected: %s", s.driver.ID(), dv.Reason)
	case !nv.Approve:
		question = fmt.Sprintf("%s rejected: %s", s.navigator.ID(), nv.Reason)
	default:
		question = "approval without a stated reason does not count"
	}
	return s.escalate(ctx, resolver.CategoryArchitecture, "advisory", question, nil)
}

// runEscalated hands the staged request to the resolver and applies the
// decision: resume Cycling with it, or terminate as Abandoned with the
// rationale as the card's blocking reason.
func (s *Session) runEscalated(ctx context.Context) error {
	if s.escalator == nil {
		return s.abandon(ctx, "no resolver bound: "+s.pending.Question)
	}
	decision, err := s.escalator.Resolve(ctx, s.pending)
	if err != nil {
		if ctx.Err() != nil {
			return err // Run translates cancellation into abandonment
		}
		return s.abandon(ctx, fmt.Sprintf("escalation failed: %v", err))
	}
	s.lastDecision = decision
	s.appendLog(ctx, "decision",
		fmt.Sprintf("tier %d via %s: %s (%s)", decision.Tier, decision.Via, decision.Option, decision.Rationale))

	if decision.Action != resolver.ActionResume {
		return s.abandon(ctx, decision.Rationale)
	}
	s.approach = decision.Option
	return s.transition(ctx, PhaseCycling, "resuming with decision: "+decision.Option)
}

// releaseRetryInterval paces committed-release retries while the Review
// column is saturated. Review drains as reviewed cards merge.
const releaseRetryInterval = time.Second

func (s *Session) commit(ctx context.Context) error {
	for {
		err := s.board.Release(ctx, s.card.ID, s.id, board.OutcomeCommitted, "consensus approved")
		if !errors.Is(err, board.ErrCapacityExceeded) {
			return err
		}
		select {
		case <-time.After(releaseRetryInterval):
		case <-ctx.Done():
			return s.abandon(context.WithoutCancel(ctx), abandonSprintClosed)
		}
	}
}

func (s *Session) abandon(ctx context.Context, reason string) error {
	if s.phase != PhaseAbandoned {
		if err := s.transition(ctx, PhaseAbandoned, reason); err != nil {
			return err
		}
	}
	return s.board.Release(ctx, s.card.ID, s.id, board.OutcomeAbandoned, reason)
}
