package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_WritesJSONL(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	Record("board.move", "allow", "session committed", "card-1", 2)

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	last := lines[len(lines)-1]

	var got map[string]any
	if err := json.Unmarshal([]byte(last), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["action"] != "board.move" {
		t.Fatalf("action = %v, want board.move", got["action"])
	}
	if got["outcome"] != "allow" {
		t.Fatalf("outcome = %v, want allow", got["outcome"])
	}
	if got["subject"] != "card-1" {
		t.Fatalf("subject = %v, want card-1", got["subject"])
	}
}

func TestRecord_RedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	Record("escalation.resolve", "auto_approve", "api_key=abcdef1234567890abcdef leaked in context", "session-1", 1)

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(raw), "abcdef1234567890abcdef") {
		t.Fatalf("secret leaked into audit trail: %s", raw)
	}
}

func TestEscalationCount(t *testing.T) {
	before := EscalationCount()
	Record("escalation.raise", "routed", "tier 3", "session-2", 1)
	if got := EscalationCount(); got != before+1 {
		t.Fatalf("escalation count = %d, want %d", got, before+1)
	}
}
