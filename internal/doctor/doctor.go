// Package doctor runs environment diagnostics: is the deployment shaped so
// serve can actually run a window?
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/pairflow/internal/config"
	"github.com/basket/pairflow/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPairs,
		checkAuthorities,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer st.Close()

	if _, err := st.QueryCards(ctx, store.CardFilter{}); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPairs(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Pairs", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Pairs) == 0 {
		return CheckResult{
			Name:    "Pairs",
			Status:  "WARN",
			Message: "No pairs configured",
			Detail:  "serve will plan windows but nothing will pull cards",
		}
	}

	missing := missingCommands(collaboratorCommands(cfg.Pairs))
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Pairs",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d collaborator commands not found", len(missing)),
			Detail:  fmt.Sprintf("%v", missing),
		}
	}
	return CheckResult{Name: "Pairs", Status: "PASS", Message: fmt.Sprintf("%d pairs staffed", len(cfg.Pairs))}
}

func checkAuthorities(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Authorities", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Authorities) == 0 {
		return CheckResult{
			Name:    "Authorities",
			Status:  "WARN",
			Message: "No authorities configured",
			Detail:  "every escalation will climb to tier 4 and resolve by timeout default",
		}
	}

	var commands []string
	for _, a := range cfg.Authorities {
		commands = append(commands, a.Command)
	}
	missing := missingCommands(commands)
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Authorities",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d authority commands not found", len(missing)),
			Detail:  fmt.Sprintf("%v", missing),
		}
	}
	return CheckResult{Name: "Authorities", Status: "PASS", Message: fmt.Sprintf("%d authorities bound", len(cfg.Authorities))}
}

func collaboratorCommands(pairs []config.PairConfig) []string {
	var commands []string
	for _, p := range pairs {
		commands = append(commands, p.Driver.Command, p.Navigator.Command, p.Executor.Command)
	}
	return commands
}

func missingCommands(commands []string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, command := range commands {
		if command == "" || seen[command] {
			continue
		}
		seen[command] = true
		if _, err := exec.LookPath(command); err != nil {
			missing = append(missing, command)
		}
	}
	return missing
}
