package doctor

import (
	"context"
	"testing"

	"github.com/basket/pairflow/internal/config"
)

func loadTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func resultByName(d Diagnosis, name string) (CheckResult, bool) {
	for _, r := range d.Results {
		if r.Name == name {
			return r, true
		}
	}
	return CheckResult{}, false
}

func TestRun_HealthyDeployment(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Pairs = []config.PairConfig{{
		Driver:    config.CollaboratorConfig{ID: "alice", Command: "cat"},
		Navigator: config.CollaboratorConfig{ID: "bob", Command: "cat"},
		Executor:  config.CollaboratorConfig{Command: "cat"},
	}}

	d := Run(context.Background(), &cfg, "test")
	for _, name := range []string{"Config", "Permissions", "Database", "Pairs"} {
		result, ok := resultByName(d, name)
		if !ok {
			t.Fatalf("missing check %s", name)
		}
		if result.Status != "PASS" {
			t.Fatalf("%s = %s (%s), want PASS", name, result.Status, result.Message)
		}
	}

	authorities, _ := resultByName(d, "Authorities")
	if authorities.Status != "WARN" {
		t.Fatalf("Authorities = %s, want WARN with none configured", authorities.Status)
	}
}

func TestRun_MissingCollaboratorCommand(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Pairs = []config.PairConfig{{
		Driver:    config.CollaboratorConfig{ID: "alice", Command: "nonexistent-collaborator-xyz"},
		Navigator: config.CollaboratorConfig{ID: "bob", Command: "cat"},
		Executor:  config.CollaboratorConfig{Command: "cat"},
	}}

	d := Run(context.Background(), &cfg, "test")
	pairs, _ := resultByName(d, "Pairs")
	if pairs.Status != "FAIL" {
		t.Fatalf("Pairs = %s, want FAIL for a missing command", pairs.Status)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	cfgResult, _ := resultByName(d, "Config")
	if cfgResult.Status != "FAIL" {
		t.Fatalf("Config = %s, want FAIL with nil config", cfgResult.Status)
	}
}
