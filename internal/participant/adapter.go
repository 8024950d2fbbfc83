package participant

import (
	"context"

	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/session"
	"github.com/basket/pairflow/internal/store"
)

// Wire payloads. The collaborator sees a stable JSON shape regardless of
// how the core's internal types evolve.

type cardPayload struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Points    int      `json:"points"`
	Priority  int      `json:"priority"`
	Sprint    int      `json:"sprint"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func toCardPayload(card store.Card) cardPayload {
	return cardPayload{
		ID:        card.ID,
		Title:     card.Title,
		Points:    card.Points,
		Priority:  card.Priority,
		Sprint:    card.Sprint,
		DependsOn: card.DependsOn,
	}
}

type proposalPayload struct {
	Participant string `json:"participant"`
	Approach    string `json:"approach"`
	Agree       bool   `json:"agree"`
}

type checkpointPayload struct {
	OnTrack      bool     `json:"on_track"`
	NextDecision string   `json:"next_decision"`
	RedFlags     []string `json:"red_flags,omitempty"`
	Concern      string   `json:"concern,omitempty"`
	Complete     bool     `json:"complete"`
}

type verdictPayload struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

type stepPayload struct {
	Kind     string `json:"kind"`
	CardID   string `json:"card_id"`
	Cycle    int    `json:"cycle"`
	Driver   string `json:"driver"`
	Approach string `json:"approach"`
}

type resultPayload struct {
	Success  bool   `json:"success"`
	Artifact string `json:"artifact,omitempty"`
	Err      string `json:"error,omitempty"`
}

type ballotPayload struct {
	Option     string  `json:"option"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
	Abandon    bool    `json:"abandon,omitempty"`
}

// Agent adapts a JSON-RPC collaborator to session.Participant.
type Agent struct {
	id     string
	client *Client
}

// NewAgent binds a participant ID to a collaborator client.
func NewAgent(id string, client *Client) *Agent {
	return &Agent{id: id, client: client}
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Propose(ctx context.Context, card store.Card, round int, prior []session.Proposal) (session.Proposal, error) {
	priorWire := make([]proposalPayload, 0, len(prior))
	for _, p := range prior {
		priorWire = append(priorWire, proposalPayload(p))
	}
	params := struct {
		Card  cardPayload       `json:"card"`
		Round int               `json:"round"`
		Prior []proposalPayload `json:"prior,omitempty"`
	}{toCardPayload(card), round, priorWire}

	var out proposalPayload
	if err := a.client.Call(ctx, "pair.propose", params, &out); err != nil {
		return session.Proposal{}, err
	}
	out.Participant = a.id
	return session.Proposal(out), nil
}

func (a *Agent) Checkpoint(ctx context.Context, card store.Card, cycle int) (session.CheckpointReport, error) {
	params := struct {
		Card  cardPayload `json:"card"`
		Cycle int         `json:"cycle"`
	}{toCardPayload(card), cycle}

	var out checkpointPayload
	if err := a.client.Call(ctx, "pair.checkpoint", params, &out); err != nil {
		return session.CheckpointReport{}, err
	}
	return session.CheckpointReport(out), nil
}

func (a *Agent) Review(ctx context.Context, card store.Card) (session.Verdict, error) {
	params := struct {
		Card cardPayload `json:"card"`
	}{toCardPayload(card)}

	var out verdictPayload
	if err := a.client.Call(ctx, "pair.review", params, &out); err != nil {
		return session.Verdict{}, err
	}
	return session.Verdict(out), nil
}

// Runner adapts a JSON-RPC collaborator to session.Executor.
type Runner struct {
	client *Client
}

// NewRunner wraps a collaborator client as the step executor.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

func (r *Runner) Execute(ctx context.Context, step session.Step) (session.Result, error) {
	params := stepPayload{
		Kind:     string(step.Kind),
		CardID:   step.CardID,
		Cycle:    step.Cycle,
		Driver:   step.Driver,
		Approach: step.Approach,
	}
	var out resultPayload
	if err := r.client.Call(ctx, "pair.execute", params, &out); err != nil {
		return session.Result{}, err
	}
	return session.Result(out), nil
}

// Authority adapts a JSON-RPC collaborator to resolver.Authority, so
// escalation tiers can be served by external deciders.
type Authority struct {
	name   string
	client *Client
}

// NewAuthority binds an authority name to a collaborator client.
func NewAuthority(name string, client *Client) *Authority {
	return &Authority{name: name, client: client}
}

func (a *Authority) Name() string { return a.name }

func (a *Authority) Decide(ctx context.Context, req resolver.Request) (resolver.Ballot, error) {
	params := struct {
		SessionID string   `json:"session_id"`
		CardID    string   `json:"card_id"`
		Category  string   `json:"category"`
		Urgency   string   `json:"urgency"`
		Question  string   `json:"question"`
		Options   []string `json:"options,omitempty"`
		Sprint    int      `json:"sprint"`
	}{req.SessionID, req.CardID, req.Category, req.Urgency, req.Question, req.Options, req.Sprint}

	var out ballotPayload
	if err := a.client.Call(ctx, "authority.decide", params, &out); err != nil {
		return resolver.Ballot{}, err
	}
	return resolver.Ballot(out), nil
}
