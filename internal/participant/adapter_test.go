package participant

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/session"
	"github.com/basket/pairflow/internal/store"
)

// MockTransport implements Transport for testing.
type MockTransport struct {
	In  chan json.RawMessage // messages from the collaborator (Receive)
	Out chan json.RawMessage // messages to the collaborator (Send)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		In:  make(chan json.RawMessage, 10),
		Out: make(chan json.RawMessage, 10),
	}
}

func (m *MockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case m.Out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-m.In:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockTransport) Close() error {
	close(m.In)
	close(m.Out)
	return nil
}

// respond reads one request off the transport and answers it with result.
func respond(t *testing.T, transport *MockTransport, wantMethod string, result string) {
	t.Helper()
	go func() {
		msg := <-transport.Out
		var req jsonRPCRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		if req.Method != wantMethod {
			return
		}
		resp := jsonRPCResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(result),
			ID:      req.ID,
		}
		b, _ := json.Marshal(resp)
		transport.In <- b
	}()
}

func TestAgent_Propose(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("alice", transport)
	defer client.Close()

	respond(t, transport, "pair.propose", `{"approach":"walk the index backwards","agree":false}`)

	agent := NewAgent("alice", client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	proposal, err := agent.Propose(ctx, store.Card{ID: "card-1", Title: "fix pagination"}, 1, nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if proposal.Participant != "alice" {
		t.Fatalf("participant = %q, want %q", proposal.Participant, "alice")
	}
	if proposal.Approach != "walk the index backwards" {
		t.Fatalf("approach = %q", proposal.Approach)
	}
}

func TestAgent_ReviewVerdict(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("bob", transport)
	defer client.Close()

	respond(t, transport, "pair.review", `{"approve":true,"reason":"tests cover the regression"}`)

	agent := NewAgent("bob", client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	verdict, err := agent.Review(ctx, store.Card{ID: "card-1"})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !verdict.Approve || verdict.Reason == "" {
		t.Fatalf("verdict = %+v, want approval with reason", verdict)
	}
}

func TestRunner_Execute(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("runner", transport)
	defer client.Close()

	respond(t, transport, "pair.execute", `{"success":true,"artifact":"diff --git a/x b/x"}`)

	runner := NewRunner(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := runner.Execute(ctx, session.Step{Kind: session.StepRed, CardID: "card-1", Cycle: 1})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
}

func TestAuthority_Decide(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("lead", transport)
	defer client.Close()

	respond(t, transport, "authority.decide", `{"option":"split the card","rationale":"scope creep","confidence":0.8}`)

	authority := NewAuthority("lead", client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ballot, err := authority.Decide(ctx, resolver.Request{
		SessionID: "sess-1", CardID: "card-1",
		Category: resolver.CategoryScope, Urgency: "blocking",
		Question: "card has grown beyond its points",
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if ballot.Option != "split the card" {
		t.Fatalf("option = %q", ballot.Option)
	}
	if ballot.Confidence != 0.8 {
		t.Fatalf("confidence = %v, want 0.8", ballot.Confidence)
	}
}

func TestClient_RPCError(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("alice", transport)
	defer client.Close()

	go func() {
		msg := <-transport.Out
		var req jsonRPCRequest
		_ = json.Unmarshal(msg, &req)
		resp := jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: -32601, Message: "method not found"},
			ID:      req.ID,
		}
		b, _ := json.Marshal(resp)
		transport.In <- b
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Call(ctx, "pair.unknown", nil, nil)
	if err == nil {
		t.Fatal("expected rpc error")
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	transport := NewMockTransport()
	client := NewClient("alice", transport)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Call(ctx, "pair.propose", nil, nil)
	if err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
