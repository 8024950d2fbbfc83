package resolver

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/pairflow/internal/bus"
	"github.com/basket/pairflow/internal/store"
)

type stubAuthority struct {
	name   string
	ballot Ballot
	err    error
	delay  time.Duration
	calls  int
}

func (a *stubAuthority) Name() string { return a.name }

func (a *stubAuthority) Decide(ctx context.Context, req Request) (Ballot, error) {
	a.calls++
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return Ballot{}, ctx.Err()
		}
	}
	return a.ballot, a.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tiers = map[int]TierPolicy{
		2: {Timeout: 200 * time.Millisecond},
		3: {Timeout: 200 * time.Millisecond},
		4: {Timeout: 50 * time.Millisecond, DefaultAction: "block"},
	}
	return cfg
}

func TestTierFor_DeterministicRouting(t *testing.T) {
	cases := []struct {
		category string
		tier     int
	}{
		{CategoryDependency, 2},
		{CategoryArchitecture, 2},
		{CategoryPerformance, 2},
		{CategoryScope, 3},
		{CategoryPriority, 3},
		{CategoryProduct, 4},
		{CategoryResourcing, 4},
	}
	for _, tc := range cases {
		tier, err := TierFor(tc.category)
		if err != nil {
			t.Fatalf("TierFor(%q): %v", tc.category, err)
		}
		if tier != tc.tier {
			t.Fatalf("TierFor(%q) = %d, want %d", tc.category, tier, tc.tier)
		}
	}
	if _, err := TierFor("vibes"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("TierFor(unknown): err = %v, want ErrUnknownCategory", err)
	}
}

func TestResolve_Tier2SingleAuthority(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	lead := &stubAuthority{name: "tech-lead", ballot: Ballot{Option: "adopt", Rationale: "well maintained"}}
	r.Bind(2, lead)

	d, err := r.Resolve(context.Background(), Request{
		SessionID: "s1", CardID: "c1", Category: CategoryDependency, Urgency: "advisory",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Tier != 2 || d.Via != "tech-lead" || d.Option != "adopt" || d.Action != ActionResume {
		t.Fatalf("decision = %+v, want tier 2 via tech-lead resuming with adopt", d)
	}
}

func TestResolve_Tier3AgreementWinsOutright(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	r.Bind(3,
		&stubAuthority{name: "lead", ballot: Ballot{Option: "trim-scope", Rationale: "too big"}},
		&stubAuthority{name: "owner", ballot: Ballot{Option: "trim-scope", Rationale: "agree"}},
	)
	stakeholder := &stubAuthority{name: "stakeholder", ballot: Ballot{Option: "should-not-run"}}
	r.Bind(4, stakeholder)

	d, err := r.Resolve(context.Background(), Request{SessionID: "s1", CardID: "c1", Category: CategoryScope})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Tier != 3 || d.Via != "tier3_agreement" || d.Option != "trim-scope" {
		t.Fatalf("decision = %+v, want tier 3 agreement on trim-scope", d)
	}
	if stakeholder.calls != 0 {
		t.Fatalf("tier 4 consulted %d times on tier 3 agreement, want 0", stakeholder.calls)
	}
}

// A 55/45 split is below the 60% consensus threshold, so the request must
// re-route to tier 4. Scope questions weight the backlog owner 0.7; the
// lead's full-confidence ballot against the owner's 0.5238 confidence
// yields exactly 45/55.
func TestResolve_Tier3VoteBelowThresholdReroutes(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	r.Bind(3,
		&stubAuthority{name: "lead", ballot: Ballot{Option: "keep", Confidence: 1}},
		&stubAuthority{name: "owner", ballot: Ballot{Option: "cut", Confidence: 16.5 / 31.5}},
	)
	stakeholder := &stubAuthority{name: "stakeholder", ballot: Ballot{Option: "cut", Rationale: "final call"}}
	r.Bind(4, stakeholder)

	d, err := r.Resolve(context.Background(), Request{SessionID: "s1", CardID: "c1", Category: CategoryScope})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if stakeholder.calls != 1 {
		t.Fatalf("tier 4 consulted %d times, want 1", stakeholder.calls)
	}
	if d.Tier != 4 || d.Via != "stakeholder" || d.Option != "cut" {
		t.Fatalf("decision = %+v, want tier 4 via stakeholder", d)
	}
}

// A 65/35 split clears the threshold and stands at tier 3.
func TestResolve_Tier3VoteAboveThresholdStands(t *testing.T) {
	r := New(testConfig(), nil, nil, nil)
	r.Bind(3,
		&stubAuthority{name: "lead", ballot: Ballot{Option: "keep", Confidence: 1}},
		&stubAuthority{name: "owner", ballot: Ballot{Option: "cut", Rationale: "descope", Confidence: 19.5 / 24.5}},
	)
	stakeholder := &stubAuthority{name: "stakeholder", ballot: Ballot{Option: "should-not-run"}}
	r.Bind(4, stakeholder)

	d, err := r.Resolve(context.Background(), Request{SessionID: "s1", CardID: "c1", Category: CategoryPriority})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if stakeholder.calls != 0 {
		t.Fatalf("tier 4 consulted %d times, want 0", stakeholder.calls)
	}
	if d.Tier != 3 || d.Via != "weighted_vote" || d.Option != "cut" {
		t.Fatalf("decision = %+v, want tier 3 weighted_vote choosing cut", d)
	}
}

func TestResolve_Tier4TimeoutAutoApprove(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers[4] = TierPolicy{Timeout: 30 * time.Millisecond, DefaultAction: "auto_approve"}
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicEscalationTimeout)
	defer eventBus.Unsubscribe(sub)
	r := New(cfg, nil, eventBus, nil)
	r.Bind(4, &stubAuthority{name: "stakeholder", delay: time.Second, ballot: Ballot{Option: "late"}})

	d, err := r.Resolve(context.Background(), Request{
		SessionID: "s1", CardID: "c1", Category: CategoryProduct,
		Options: []string{"ship-it", "hold"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Via != "timeout_auto_approve" || d.Action != ActionResume || d.Option != "ship-it" {
		t.Fatalf("decision = %+v, want auto-approved first option resuming the session", d)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicEscalationTimeout {
			t.Fatalf("event topic = %q, want escalation.timeout", ev.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no escalation.timeout event published")
	}
}

func TestResolve_Tier4TimeoutBlocks(t *testing.T) {
	r := New(testConfig(), nil, nil, nil) // default action: block
	r.Bind(4, &stubAuthority{name: "stakeholder", delay: time.Second})

	d, err := r.Resolve(context.Background(), Request{SessionID: "s1", CardID: "c1", Category: CategoryResourcing})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Via != "timeout_block" || d.Action != ActionAbandon {
		t.Fatalf("decision = %+v, want timeout_block abandoning the session", d)
	}
}

func TestResolve_Tier4TimeoutDefersToProxy(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers[4] = TierPolicy{Timeout: 30 * time.Millisecond, DefaultAction: "defer_to_proxy"}
	r := New(cfg, nil, nil, nil)
	r.Bind(4, &stubAuthority{name: "stakeholder", delay: time.Second})
	r.BindProxy(&stubAuthority{name: "chief-of-staff", ballot: Ballot{Option: "hold", Rationale: "wait for q3"}})

	d, err := r.Resolve(context.Background(), Request{SessionID: "s1", CardID: "c1", Category: CategoryProduct})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Via != "timeout_proxy:chief-of-staff" || d.Option != "hold" {
		t.Fatalf("decision = %+v, want proxy decision", d)
	}
}

func TestResolve_AppendsImmutableHistory(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	r := New(testConfig(), st, nil, nil)
	r.Bind(2, &stubAuthority{name: "tech-lead", ballot: Ballot{Option: "adopt", Rationale: "fine"}})

	req := Request{SessionID: "s1", CardID: "c1", Category: CategoryDependency, Sprint: 3}
	if _, err := r.Resolve(context.Background(), req); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	recs, err := st.ListResolutions(context.Background(), 3)
	if err != nil {
		t.Fatalf("list resolutions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("resolutions = %d, want 1", len(recs))
	}
	if recs[0].Tier != 2 || recs[0].Option != "adopt" || recs[0].Via != "tech-lead" {
		t.Fatalf("record = %+v, want the tier 2 decision", recs[0])
	}
}

func TestWeightedShares(t *testing.T) {
	almost := func(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

	lead, owner := WeightedShares(0.7, Ballot{}, Ballot{})
	if !almost(lead, 0.7) || !almost(owner, 0.3) {
		t.Fatalf("full confidence shares = %v/%v, want 0.7/0.3", lead, owner)
	}

	// A hesitant lead concedes share to a certain owner.
	lead, owner = WeightedShares(0.7, Ballot{Confidence: 0.5}, Ballot{Confidence: 1})
	if lead >= 0.7 || !almost(lead+owner, 1) {
		t.Fatalf("hesitant lead shares = %v/%v, want lead < 0.7 and normalized", lead, owner)
	}

	// The documented 55/45 construction.
	_, owner = WeightedShares(0.3, Ballot{Confidence: 1}, Ballot{Confidence: 16.5 / 31.5})
	if math.Abs(owner-0.55) > 1e-9 {
		t.Fatalf("owner share = %v, want 0.55", owner)
	}
}
