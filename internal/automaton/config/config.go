// Package config loads the two file-based configuration artifacts:
// automaton.json (the installer-written knob record, non-secret fields
// only, mode 0600) and heartbeat.yml (the scheduler's entry list). Secrets
// never live in either file; they arrive via environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/duskward/automaton/internal/automaton/domain"
)

// FileConfig is the on-disk shape of automaton.json. Every knob's default is
// explicit in Defaults rather than left to zero-value inference.
type FileConfig struct {
	Name                 string `json:"name" yaml:"name"`
	CreatorAddress       string `json:"creatorAddress" yaml:"creatorAddress"`
	ParentAddress        string `json:"parentAddress,omitempty" yaml:"parentAddress,omitempty"`
	GenesisPrompt        string `json:"genesisPrompt" yaml:"genesisPrompt"`
	PerCallCeilingCents  int64  `json:"perCallCeilingCents" yaml:"perCallCeilingCents"`
	HourlyBudgetCents    int64  `json:"hourlyBudgetCents" yaml:"hourlyBudgetCents"`
	EnableModelFallback  bool   `json:"enableModelFallback" yaml:"enableModelFallback"`
	LowComputeMultiplier int    `json:"lowComputeMultiplier" yaml:"lowComputeMultiplier"`
	HeartbeatPath        string `json:"heartbeatPath" yaml:"heartbeatPath"`
	DBPath               string `json:"dbPath" yaml:"dbPath"`
}

// Defaults returns the baseline knob values applied when an automaton.json
// field is unset.
func Defaults() FileConfig {
	return FileConfig{
		PerCallCeilingCents:  -1,
		HourlyBudgetCents:    0,
		EnableModelFallback:  true,
		LowComputeMultiplier: 4,
		HeartbeatPath:        "heartbeat.yml",
		DBPath:               "state.db",
	}
}

// Load reads and parses automaton.json at path, filling unset fields from
// Defaults().
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if cfg.LowComputeMultiplier <= 0 {
		cfg.LowComputeMultiplier = 4
	}
	if cfg.HeartbeatPath == "" {
		cfg.HeartbeatPath = "heartbeat.yml"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "state.db"
	}
	return cfg, nil
}

// Save writes cfg to path as automaton.json, mode 0600.
func Save(path string, cfg FileConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ToDomain converts the on-disk shape to the store's domain.Config row.
func (c FileConfig) ToDomain() domain.Config {
	return domain.Config{
		Name:                 c.Name,
		CreatorAddress:       c.CreatorAddress,
		ParentAddress:        c.ParentAddress,
		GenesisPrompt:        c.GenesisPrompt,
		PerCallCeilingCents:  c.PerCallCeilingCents,
		HourlyBudgetCents:    c.HourlyBudgetCents,
		EnableModelFallback:  c.EnableModelFallback,
		LowComputeMultiplier: c.LowComputeMultiplier,
		HeartbeatPath:        c.HeartbeatPath,
		DBPath:               c.DBPath,
	}
}

// HeartbeatEntry mirrors one entries[] item in heartbeat.yml.
type HeartbeatEntry struct {
	Name     string `yaml:"name" json:"name"`
	Schedule string `yaml:"schedule" json:"schedule"`
	Task     string `yaml:"task" json:"task"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// HeartbeatFile is the root shape of heartbeat.yml.
type HeartbeatFile struct {
	Entries              []HeartbeatEntry `yaml:"entries" json:"entries"`
	DefaultIntervalMs    int              `yaml:"defaultIntervalMs" json:"defaultIntervalMs"`
	LowComputeMultiplier int              `yaml:"lowComputeMultiplier" json:"lowComputeMultiplier"`
}

// LoadHeartbeat reads and parses heartbeat.yml at path.
func LoadHeartbeat(path string) (HeartbeatFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HeartbeatFile{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	var hb HeartbeatFile
	if err := yaml.Unmarshal(data, &hb); err != nil {
		return HeartbeatFile{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if hb.LowComputeMultiplier <= 0 {
		hb.LowComputeMultiplier = 4
	}
	return hb, nil
}

// SaveHeartbeat writes hb to path as heartbeat.yml.
func SaveHeartbeat(path string, hb HeartbeatFile) error {
	data, err := yaml.Marshal(hb)
	if err != nil {
		return fmt.Errorf("config: marshal heartbeat: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultHeartbeat returns the built-in heartbeat schedule shipped when no
// heartbeat.yml is present yet (fresh install).
func DefaultHeartbeat() HeartbeatFile {
	return HeartbeatFile{
		DefaultIntervalMs:    60_000,
		LowComputeMultiplier: 4,
		Entries: []HeartbeatEntry{
			{Name: "heartbeat_ping", Schedule: "*/1 * * * *", Task: "heartbeat_ping", Enabled: true},
			{Name: "check_credits", Schedule: "*/5 * * * *", Task: "check_credits", Enabled: true},
			{Name: "check_usdc_balance", Schedule: "*/10 * * * *", Task: "check_usdc_balance", Enabled: true},
			{Name: "check_social_inbox", Schedule: "*/2 * * * *", Task: "check_social_inbox", Enabled: true},
			{Name: "health_check", Schedule: "*/15 * * * *", Task: "health_check", Enabled: true},
		},
	}
}
