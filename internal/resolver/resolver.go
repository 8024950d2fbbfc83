// Package resolver routes escalation requests through the authority tier
// hierarchy. Tier 1 is pair-local and never reaches this package; tier 2 is
// the technical lead, tier 3 is lead plus backlog owner with a weighted
// vote on disagreement, tier 4 is the external stakeholder. Every
// resolution, however reached, lands immutably in the escalation history.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/pairflow/internal/audit"
	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/store"
)

var (
	// ErrEscalationTimeout means an authority did not answer within its
	// tier's deadline. Tier 4 converts it into the configured default
	// action; lower tiers re-route upward.
	ErrEscalationTimeout = errors.New("escalation authority timed out")
	// ErrUnknownCategory means the raiser tagged the request with a
	// category outside the routing table.
	ErrUnknownCategory = errors.New("unknown escalation category")
	// ErrNoAuthority means no authority is bound to the tier the request
	// routed to.
	ErrNoAuthority = errors.New("no authority bound for tier")
)

// Declared escalation categories. The raiser tags the request; routing is a
// table lookup, never inference.
const (
	CategoryDependency   = "dependency"
	CategoryArchitecture = "architecture"
	CategoryPerformance  = "performance"
	CategoryScope        = "scope"
	CategoryPriority     = "priority"
	CategoryProduct      = "product"
	CategoryResourcing   = "resourcing"
)

var tierByCategory = map[string]int{
	CategoryDependency:   2,
	CategoryArchitecture: 2,
	CategoryPerformance:  2,
	CategoryScope:        3,
	CategoryPriority:     3,
	CategoryProduct:      4,
	CategoryResourcing:   4,
}

// TierFor maps a declared category to its authority tier.
func TierFor(category string) (int, error) {
	tier, ok := tierByCategory[category]
	if !ok {
		return 0, fmt.Errorf("category %q: %w", category, ErrUnknownCategory)
	}
	return tier, nil
}

func isTechnical(category string) bool {
	return tierByCategory[category] == 2 || category == CategoryDependency ||
		category == CategoryArchitecture || category == CategoryPerformance
}

// Request is an escalation handed up from a pairing session (or raised
// autonomously by the sprint coordinator).
type Request struct {
	SessionID string
	CardID    string
	Category  string // routing tag, one of the Category constants
	Urgency   string // "blocking" or "advisory"
	Question  string
	Options   []string
	Sprint    int
}

// Action tells the session what to do with the decision.
type Action string

const (
	// ActionResume sends the session back to Cycling with the decision
	// applied.
	ActionResume Action = "resume"
	// ActionAbandon terminates the session; the card is blocked with the
	// rationale as the reason.
	ActionAbandon Action = "abandon"
)

// Decision is the resolver's answer, whichever path produced it.
type Decision struct {
	Option    string
	Rationale string
	Tier      int
	Via       string // authority name, "weighted_vote", or a timeout_* default
	Action    Action
}

// Ballot is one authority's answer. Confidence scales the authority's
// weight in a tier-3 vote; zero means full confidence.
type Ballot struct {
	Option     string
	Rationale  string
	Confidence float64
	Abandon    bool // the authority says defer the work entirely
}

// Authority is a pluggable decision function: automated policy or a
// human-in-the-loop callback. Decide must honor ctx's deadline.
type Authority interface {
	Name() string
	Decide(ctx context.Context, req Request) (Ballot, error)
}

// TierPolicy is one tier's timeout and, for tier 4, its timeout fallback.
type TierPolicy struct {
	Timeout       time.Duration
	DefaultAction string // tier 4 only: auto_approve, defer_to_proxy, block
}

// Config carries the vote weights and per-tier policies. Loaded once per
// sprint window and immutable for its duration.
type Config struct {
	// LeadWeight is the technical lead's share on technical questions;
	// the backlog owner gets it on business questions. The other side
	// gets the complement.
	LeadWeight float64
	// ConsensusThreshold is the minimum winning share for a tier-3 vote
	// to stand; below it the request re-routes to tier 4.
	ConsensusThreshold float64
	Tiers              map[int]TierPolicy
}

// DefaultConfig mirrors the documented deployment defaults.
func DefaultConfig() Config {
	return Config{
		LeadWeight:         0.7,
		ConsensusThreshold: 0.60,
		Tiers: map[int]TierPolicy{
			2: {Timeout: 30 * time.Second},
			3: {Timeout: 60 * time.Second},
			4: {Timeout: 5 * time.Minute, DefaultAction: "block"},
		},
	}
}

// Resolver owns the tier routing table and the bound authorities.
type Resolver struct {
	cfg         Config
	store       *store.Store
	bus         *bus.Bus
	logger      *slog.Logger
	authorities map[int][]Authority
	proxy       Authority
}

func New(cfg Config, st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeadWeight <= 0 || cfg.LeadWeight >= 1 {
		cfg.LeadWeight = 0.7
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = 0.60
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultConfig().Tiers
	}
	return &Resolver{
		cfg:         cfg,
		store:       st,
		bus:         eventBus,
		logger:      logger,
		authorities: make(map[int][]Authority),
	}
}

// Bind attaches authorities to a tier. Tier 3 expects exactly two, in
// lead-then-owner order.
func (r *Resolver) Bind(tier int, auths ...Authority) {
	r.authorities[tier] = append(r.authorities[tier], auths...)
}

// BindProxy sets the stand-in consulted by the defer_to_proxy tier-4
// fallback.
func (r *Resolver) BindProxy(a Authority) { r.proxy = a }

// Resolve classifies the request by its declared category, walks it
// through the tier hierarchy and records the outcome. It returns an error
// only for malformed requests; authority timeouts are absorbed by the
// tier's fallback policy.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	tier, err := TierFor(req.Category)
	if err != nil {
		return Decision{}, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicEscalationRaised, bus.EscalationEvent{
			SessionID: req.SessionID,
			CardID:    req.CardID,
			Tier:      tier,
			Category:  req.Category,
			Urgency:   req.Urgency,
		})
	}
	audit.Record("escalation.raise", "allow", req.Question, req.CardID, req.Sprint)
	r.logger.Info("escalation raised",
		"session_id", req.SessionID, "card_id", req.CardID,
		"tier", tier, "category", req.Category, "urgency", req.Urgency)

	decision, err := r.resolveTier(ctx, tier, req)
	if err != nil {
		return Decision{}, err
	}

	if r.store != nil {
		if aerr := r.store.AppendResolution(ctx, store.ResolutionRecord{
			SessionID: req.SessionID,
			CardID:    req.CardID,
			Tier:      decision.Tier,
			Category:  req.Category,
			Option:    decision.Option,
			Rationale: decision.Rationale,
			Via:       decision.Via,
			Sprint:    req.Sprint,
		}); aerr != nil {
			r.logger.Warn("append resolution", "session_id", req.SessionID, "error", aerr)
		}
	}
	audit.Record("escalation.resolve", "allow",
		fmt.Sprintf("tier %d via %s: %s", decision.Tier, decision.Via, decision.Option),
		req.CardID, req.Sprint)
	if r.bus != nil {
		r.bus.Publish(bus.TopicEscalationResolved, bus.EscalationEvent{
			SessionID: req.SessionID,
			CardID:    req.CardID,
			Tier:      decision.Tier,
			Category:  req.Category,
			Urgency:   req.Urgency,
			Option:    decision.Option,
			Via:       decision.Via,
		})
	}
	r.logger.Info("escalation resolved",
		"session_id", req.SessionID, "tier", decision.Tier,
		"via", decision.Via, "option", decision.Option, "action", string(decision.Action))
	return decision, nil
}

func (r *Resolver) resolveTier(ctx context.Context, tier int, req Request) (Decision, error) {
	switch tier {
	case 2:
		return r.resolveSingle(ctx, 2, req, 3)
	case 3:
		return r.resolveTier3(ctx, req)
	case 4:
		return r.resolveTier4(ctx, req)
	default:
		return Decision{}, fmt.Errorf("tier %d is not resolver-routed", tier)
	}
}

// resolveSingle consults a tier's first authority; a timeout or error
// re-routes to nextTier. Lower tiers have no default action, only the
// tier-4 policy terminates the chain.
func (r *Resolver) resolveSingle(ctx context.Context, tier int, req Request, nextTier int) (Decision, error) {
	auths := r.authorities[tier]
	if len(auths) == 0 {
		return r.resolveTier(ctx, nextTier, req)
	}
	ballot, err := r.ask(ctx, tier, auths[0], req)
	if err != nil {
		r.logger.Warn("authority unavailable, re-routing",
			"tier", tier, "authority", auths[0].Name(), "next_tier", nextTier, "error", err)
		return r.resolveTier(ctx, nextTier, req)
	}
	return decisionFromBallot(tier, auths[0].Name(), ballot), nil
}

func (r *Resolver) resolveTier3(ctx context.Context, req Request) (Decision, error) {
	auths := r.authorities[3]
	if len(auths) < 2 {
		return r.resolveSingle(ctx, 3, req, 4)
	}
	lead, owner := auths[0], auths[1]

	type reply struct {
		ballot Ballot
		err    error
	}
	leadCh := make(chan reply, 1)
	ownerCh := make(chan reply, 1)
	go func() {
		b, err := r.ask(ctx, 3, lead, req)
		leadCh <- reply{b, err}
	}()
	go func() {
		b, err := r.ask(ctx, 3, owner, req)
		ownerCh <- reply{b, err}
	}()
	leadReply, ownerReply := <-leadCh, <-ownerCh
	if leadReply.err != nil || ownerReply.err != nil {
		r.logger.Warn("tier 3 authority unavailable, re-routing to tier 4",
			"lead_error", leadReply.err, "owner_error", ownerReply.err)
		return r.resolveTier4(ctx, req)
	}

	if leadReply.ballot.Option == ownerReply.ballot.Option {
		d := decisionFromBallot(3, "tier3_agreement", leadReply.ballot)
		if ownerReply.ballot.Abandon {
			d.Action = ActionAbandon
		}
		return d, nil
	}

	leadWeight := r.cfg.LeadWeight
	if !isTechnical(req.Category) {
		leadWeight = 1 - leadWeight
	}
	leadShare, ownerShare := WeightedShares(leadWeight, leadReply.ballot, ownerReply.ballot)
	winner, winnerName, share := leadReply.ballot, lead.Name(), leadShare
	if ownerShare > leadShare {
		winner, winnerName, share = ownerReply.ballot, owner.Name(), ownerShare
	}
	r.logger.Info("tier 3 weighted vote",
		"lead", lead.Name(), "lead_share", leadShare,
		"owner", owner.Name(), "owner_share", ownerShare,
		"threshold", r.cfg.ConsensusThreshold)

	if share < r.cfg.ConsensusThreshold {
		r.logger.Info("vote below consensus threshold, re-routing to tier 4",
			"winning_share", share)
		return r.resolveTier4(ctx, req)
	}
	d := decisionFromBallot(3, "weighted_vote", winner)
	d.Rationale = fmt.Sprintf("%s (%s carried %.0f%%)", winner.Rationale, winnerName, share*100)
	return d, nil
}

func (r *Resolver) resolveTier4(ctx context.Context, req Request) (Decision, error) {
	auths := r.authorities[4]
	if len(auths) > 0 {
		ballot, err := r.ask(ctx, 4, auths[0], req)
		if err == nil {
			return decisionFromBallot(4, auths[0].Name(), ballot), nil
		}
		if !errors.Is(err, ErrEscalationTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, err
		}
	}
	return r.timeoutDefault(ctx, req)
}

// timeoutDefault applies the deployment's explicit tier-4 fallback. A
// notable event: the stakeholder never answered.
func (r *Resolver) timeoutDefault(ctx context.Context, req Request) (Decision, error) {
	policy := r.cfg.Tiers[4]
	action := policy.DefaultAction
	if action == "" {
		action = "block"
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicEscalationTimeout, bus.EscalationEvent{
			SessionID: req.SessionID,
			CardID:    req.CardID,
			Tier:      4,
			Category:  req.Category,
			Urgency:   req.Urgency,
			Via:       "timeout_" + action,
		})
	}
	r.logger.Warn("tier 4 timeout, applying default action",
		"session_id", req.SessionID, "action", action)

	switch action {
	case "auto_approve":
		option := "approve"
		if len(req.Options) > 0 {
			option = req.Options[0]
		}
		return Decision{
			Option:    option,
			Rationale: "stakeholder did not respond within deadline; deployment policy auto-approves",
			Tier:      4,
			Via:       "timeout_auto_approve",
			Action:    ActionResume,
		}, nil
	case "defer_to_proxy":
		if r.proxy != nil {
			ballot, err := r.ask(ctx, 4, r.proxy, req)
			if err == nil {
				d := decisionFromBallot(4, r.proxy.Name(), ballot)
				d.Via = "timeout_proxy:" + r.proxy.Name()
				return d, nil
			}
			r.logger.Warn("proxy authority unavailable, blocking", "error", err)
		}
		fallthrough
	default: // block
		return Decision{
			Option:    "block",
			Rationale: "stakeholder did not respond within deadline; deployment policy blocks the work",
			Tier:      4,
			Via:       "timeout_block",
			Action:    ActionAbandon,
		}, nil
	}
}

// ask invokes one authority under the tier's deadline.
func (r *Resolver) ask(ctx context.Context, tier int, a Authority, req Request) (Ballot, error) {
	timeout := r.cfg.Tiers[tier].Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ballot, err := a.Decide(cctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Ballot{}, fmt.Errorf("tier %d authority %s: %w", tier, a.Name(), ErrEscalationTimeout)
		}
		return Ballot{}, fmt.Errorf("tier %d authority %s: %w", tier, a.Name(), err)
	}
	return ballot, nil
}

func decisionFromBallot(tier int, via string, b Ballot) Decision {
	action := ActionResume
	if b.Abandon {
		action = ActionAbandon
	}
	return Decision{
		Option:    b.Option,
		Rationale: b.Rationale,
		Tier:      tier,
		Via:       via,
		Action:    action,
	}
}
