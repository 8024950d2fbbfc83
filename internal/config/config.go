// Package config loads the deployment configuration: column WIP limits,
// session cadence, escalation tier policies and the sprint window shape.
// A loaded Config is immutable for the window it was loaded for; changes
// on disk are staged by the watcher and only picked up at the next
// Planning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/pairflow/internal/board"
	"github.com/basket/pairflow/internal/otel"
	"github.com/basket/pairflow/internal/resolver"
	"github.com/basket/pairflow/internal/session"
	"github.com/basket/pairflow/internal/sprint"
	"github.com/basket/pairflow/internal/store"
)

// SessionConfig shapes every pairing session started in the window.
type SessionConfig struct {
	MaxSyncExchanges         int `yaml:"max_sync_exchanges"`
	RotationCadence          int `yaml:"rotation_cadence"`
	MaxCycles                int `yaml:"max_cycles"`
	StepTimeoutSeconds       int `yaml:"step_timeout_seconds"`
	CheckpointTimeoutSeconds int `yaml:"checkpoint_timeout_seconds"`
}

// TierConfig is one escalation tier's timeout policy. DefaultAction is
// required deployment policy for tier 4 and ignored elsewhere.
type TierConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DefaultAction  string `yaml:"default_action"`
}

// ResolverConfig holds the tier weighting and timeout policies.
type ResolverConfig struct {
	LeadWeight         float64            `yaml:"lead_weight"`
	ConsensusThreshold float64            `yaml:"consensus_threshold"`
	Tiers              map[int]TierConfig `yaml:"tiers"`
}

// CollaboratorConfig names one external collaborator subprocess.
type CollaboratorConfig struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// PairConfig is one staffed pair: two participants and their executor.
type PairConfig struct {
	Driver    CollaboratorConfig `yaml:"driver"`
	Navigator CollaboratorConfig `yaml:"navigator"`
	Executor  CollaboratorConfig `yaml:"executor"`
}

// AuthorityConfig binds an external decider to an escalation tier.
// Tier 0 with Proxy set registers the defer-to-proxy target instead.
type AuthorityConfig struct {
	Name    string            `yaml:"name"`
	Tier    int               `yaml:"tier"`
	Proxy   bool              `yaml:"proxy"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// SprintConfig shapes the sprint window and its stall watchdog.
type SprintConfig struct {
	DurationHours         int    `yaml:"duration_hours"`
	StallThresholdMinutes int    `yaml:"stall_threshold_minutes"`
	StallCron             string `yaml:"stall_cron"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Columns     []board.ColumnConfig `yaml:"columns"`
	Session     SessionConfig        `yaml:"session"`
	Resolver    ResolverConfig       `yaml:"resolver"`
	Sprint      SprintConfig         `yaml:"sprint"`
	Otel        otel.Config          `yaml:"otel"`
	Pairs       []PairConfig         `yaml:"pairs"`
	Authorities []AuthorityConfig    `yaml:"authorities"`
}

// HomeDir resolves the data directory: PAIRFLOW_HOME or ~/.pairflow.
func HomeDir() string {
	if override := os.Getenv("PAIRFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pairflow"
	}
	return filepath.Join(home, ".pairflow")
}

// Load reads config.yaml from the home directory, applies env overrides
// and defaults, and validates. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pairflow home: %w", err)
	}

	configPath := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PAIRFLOW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PAIRFLOW_STALL_CRON"); raw != "" {
		cfg.Sprint.StallCron = raw
	}
	if raw := os.Getenv("PAIRFLOW_SPRINT_DURATION_HOURS"); raw != "" {
		if hours, err := strconv.Atoi(raw); err == nil && hours > 0 {
			cfg.Sprint.DurationHours = hours
		}
	}
	if raw := os.Getenv("PAIRFLOW_TIER4_DEFAULT_ACTION"); raw != "" {
		if cfg.Resolver.Tiers == nil {
			cfg.Resolver.Tiers = make(map[int]TierConfig)
		}
		tier := cfg.Resolver.Tiers[4]
		tier.DefaultAction = raw
		cfg.Resolver.Tiers[4] = tier
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Columns) == 0 {
		cfg.Columns = board.DefaultColumns()
	}
	if cfg.Session.MaxSyncExchanges <= 0 {
		cfg.Session.MaxSyncExchanges = 3
	}
	if cfg.Session.RotationCadence <= 0 {
		cfg.Session.RotationCadence = 2
	}
	if cfg.Session.MaxCycles <= 0 {
		cfg.Session.MaxCycles = 10
	}
	if cfg.Session.StepTimeoutSeconds <= 0 {
		cfg.Session.StepTimeoutSeconds = 120
	}
	if cfg.Session.CheckpointTimeoutSeconds <= 0 {
		cfg.Session.CheckpointTimeoutSeconds = 30
	}
	if cfg.Resolver.LeadWeight <= 0 || cfg.Resolver.LeadWeight >= 1 {
		cfg.Resolver.LeadWeight = 0.7
	}
	if cfg.Resolver.ConsensusThreshold <= 0 || cfg.Resolver.ConsensusThreshold > 1 {
		cfg.Resolver.ConsensusThreshold = 0.60
	}
	if cfg.Resolver.Tiers == nil {
		cfg.Resolver.Tiers = make(map[int]TierConfig)
	}
	for tier, timeout := range map[int]int{2: 30, 3: 60, 4: 300} {
		tc := cfg.Resolver.Tiers[tier]
		if tc.TimeoutSeconds <= 0 {
			tc.TimeoutSeconds = timeout
		}
		cfg.Resolver.Tiers[tier] = tc
	}
	t4 := cfg.Resolver.Tiers[4]
	if t4.DefaultAction == "" {
		t4.DefaultAction = "block"
	}
	cfg.Resolver.Tiers[4] = t4
	if cfg.Sprint.DurationHours <= 0 {
		cfg.Sprint.DurationHours = 7 * 24
	}
	if cfg.Sprint.StallThresholdMinutes <= 0 {
		cfg.Sprint.StallThresholdMinutes = 30
	}
}

func validate(cfg *Config) error {
	names := make(map[store.CardStatus]bool, len(cfg.Columns))
	for _, col := range cfg.Columns {
		if col.WIPLimit < 0 {
			return fmt.Errorf("column %s: negative wip limit %d", col.Name, col.WIPLimit)
		}
		names[col.Name] = true
	}
	for _, required := range []store.CardStatus{
		store.CardBacklog, store.CardReady, store.CardInProgress,
		store.CardReview, store.CardDone, store.CardBlocked,
	} {
		if !names[required] {
			return fmt.Errorf("columns missing %s", required)
		}
	}
	switch cfg.Resolver.Tiers[4].DefaultAction {
	case "auto_approve", "defer_to_proxy", "block":
	default:
		return fmt.Errorf("tier 4 default_action %q: must be auto_approve, defer_to_proxy or block",
			cfg.Resolver.Tiers[4].DefaultAction)
	}
	if cfg.Sprint.StallCron != "" {
		if _, err := sprint.NextCheck(cfg.Sprint.StallCron, time.Now()); err != nil {
			return fmt.Errorf("stall_cron %q: %w", cfg.Sprint.StallCron, err)
		}
	}
	switch cfg.Otel.Exporter {
	case "", "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("otel exporter %q: must be otlp-http, stdout or none", cfg.Otel.Exporter)
	}
	for i, pair := range cfg.Pairs {
		for _, member := range []CollaboratorConfig{pair.Driver, pair.Navigator} {
			if member.ID == "" || member.Command == "" {
				return fmt.Errorf("pairs[%d]: driver and navigator need id and command", i)
			}
		}
		if pair.Executor.Command == "" {
			return fmt.Errorf("pairs[%d]: executor needs a command", i)
		}
	}
	for i, auth := range cfg.Authorities {
		if auth.Name == "" || auth.Command == "" {
			return fmt.Errorf("authorities[%d]: name and command required", i)
		}
		if !auth.Proxy && (auth.Tier < 2 || auth.Tier > 4) {
			return fmt.Errorf("authorities[%d]: tier %d out of range 2-4", i, auth.Tier)
		}
	}
	return nil
}

// SessionConfig converts to the session package's bounds.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		MaxSyncExchanges:  c.Session.MaxSyncExchanges,
		RotationCadence:   c.Session.RotationCadence,
		MaxCycles:         c.Session.MaxCycles,
		StepTimeout:       time.Duration(c.Session.StepTimeoutSeconds) * time.Second,
		CheckpointTimeout: time.Duration(c.Session.CheckpointTimeoutSeconds) * time.Second,
	}
}

// ResolverConfig converts to the resolver's tier policies.
func (c Config) ResolverConfig() resolver.Config {
	tiers := make(map[int]resolver.TierPolicy, len(c.Resolver.Tiers))
	for tier, tc := range c.Resolver.Tiers {
		tiers[tier] = resolver.TierPolicy{
			Timeout:       time.Duration(tc.TimeoutSeconds) * time.Second,
			DefaultAction: tc.DefaultAction,
		}
	}
	return resolver.Config{
		LeadWeight:         c.Resolver.LeadWeight,
		ConsensusThreshold: c.Resolver.ConsensusThreshold,
		Tiers:              tiers,
	}
}

// SprintConfig converts to the coordinator's window bounds.
func (c Config) SprintConfig() sprint.Config {
	return sprint.Config{
		Duration:       time.Duration(c.Sprint.DurationHours) * time.Hour,
		StallThreshold: time.Duration(c.Sprint.StallThresholdMinutes) * time.Minute,
		StallCron:      c.Sprint.StallCron,
	}
}

// DBPath returns the sqlite database path under the home directory.
func (c Config) DBPath() string {
	return store.DefaultDBPath(c.HomeDir)
}
