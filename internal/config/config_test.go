package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/pairflow/internal/store"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
	var inProgress int
	for _, col := range cfg.Columns {
		if col.Name == store.CardInProgress {
			inProgress = col.WIPLimit
		}
	}
	if inProgress != 4 {
		t.Fatalf("InProgress wip = %d, want default 4", inProgress)
	}
	if cfg.Session.MaxSyncExchanges != 3 || cfg.Session.RotationCadence != 2 {
		t.Fatalf("session defaults = %+v", cfg.Session)
	}
	if cfg.Resolver.Tiers[4].DefaultAction != "block" {
		t.Fatalf("tier 4 default action = %q, want block", cfg.Resolver.Tiers[4].DefaultAction)
	}
}

func TestLoadFrom_FileValuesAndConversions(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
log_level: debug
columns:
  - {name: Backlog, wip_limit: 0}
  - {name: Ready, wip_limit: 0}
  - {name: InProgress, wip_limit: 2}
  - {name: Review, wip_limit: 1}
  - {name: Done, wip_limit: 0}
  - {name: Blocked, wip_limit: 0}
session:
  max_sync_exchanges: 5
  step_timeout_seconds: 10
resolver:
  lead_weight: 0.8
  tiers:
    4: {timeout_seconds: 60, default_action: auto_approve}
sprint:
  duration_hours: 48
  stall_cron: "*/10 * * * *"
`)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.LogLevel)
	}
	sc := cfg.SessionConfig()
	if sc.MaxSyncExchanges != 5 || sc.StepTimeout != 10*time.Second {
		t.Fatalf("session config = %+v", sc)
	}
	rc := cfg.ResolverConfig()
	if rc.LeadWeight != 0.8 || rc.Tiers[4].DefaultAction != "auto_approve" || rc.Tiers[4].Timeout != time.Minute {
		t.Fatalf("resolver config = %+v", rc)
	}
	if rc.Tiers[2].Timeout != 30*time.Second {
		t.Fatalf("tier 2 timeout = %v, want the 30s default", rc.Tiers[2].Timeout)
	}
	spc := cfg.SprintConfig()
	if spc.Duration != 48*time.Hour || spc.StallCron != "*/10 * * * *" {
		t.Fatalf("sprint config = %+v", spc)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("PAIRFLOW_LOG_LEVEL", "warn")
	t.Setenv("PAIRFLOW_TIER4_DEFAULT_ACTION", "defer_to_proxy")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, want warn", cfg.LogLevel)
	}
	if cfg.Resolver.Tiers[4].DefaultAction != "defer_to_proxy" {
		t.Fatalf("tier 4 action = %q, want defer_to_proxy", cfg.Resolver.Tiers[4].DefaultAction)
	}
}

func TestLoadFrom_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing column",
			body: "columns:\n  - {name: Backlog, wip_limit: 0}\n",
			want: "columns missing",
		},
		{
			name: "bad tier 4 action",
			body: "resolver:\n  tiers:\n    4: {default_action: shrug}\n",
			want: "default_action",
		},
		{
			name: "bad cron",
			body: "sprint:\n  stall_cron: \"not cron\"\n",
			want: "stall_cron",
		},
		{
			name: "bad otel exporter",
			body: "otel:\n  exporter: carrier-pigeon\n",
			want: "otel exporter",
		},
		{
			name: "pair missing navigator id",
			body: "pairs:\n  - driver: {id: alice, command: agent}\n    navigator: {command: agent}\n    executor: {command: runner}\n",
			want: "driver and navigator need id and command",
		},
		{
			name: "pair missing executor command",
			body: "pairs:\n  - driver: {id: alice, command: agent}\n    navigator: {id: bob, command: agent}\n",
			want: "executor needs a command",
		},
		{
			name: "authority tier out of range",
			body: "authorities:\n  - {name: lead, tier: 7, command: judge}\n",
			want: "tier 7 out of range",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tc.body)
			_, err := LoadFrom(dir)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
