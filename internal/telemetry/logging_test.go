package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("sprint opened", "sprint", 1, "card_id", "card-1")

	logPath := filepath.Join(home, "logs", "core.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}

	required := []string{"timestamp", "level", "msg", "component", "trace_id"}
	for _, key := range required {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "core" {
		t.Fatalf("expected component=core, got %#v", entry["component"])
	}
	if entry["card_id"] != "card-1" {
		t.Fatalf("expected card_id propagation, got %#v", entry["card_id"])
	}
}

func TestNewLogger_RedactsSensitiveAttrs(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("authority configured", "auth_token", "super-secret-value")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "core.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "super-secret-value") {
		t.Fatalf("secret value leaked into log: %s", raw)
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Fatalf("expected [REDACTED] marker in log: %s", raw)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"", "INFO"},
		{"bogus", "INFO"},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in).String(); got != tc.want {
			t.Errorf("parseLevel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
