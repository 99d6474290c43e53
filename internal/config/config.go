package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ModelProvider    string             `toml:"model_provider"`
	ModelName        string             `toml:"model_name"`
	WorkingDirectory string             `toml:"working_directory"`
	TaskCategories   []string           `toml:"task_categories"`
	Targets          map[string]float64 `toml:"performance_targets"`
	Supervisor       SupervisorConfig   `toml:"supervisor"`
	Raw              map[string]any     `toml:"-"`
	Path             string             `toml:"-"`
}

type SupervisorConfig struct {
	Addr                   string  `toml:"addr"`
	DBPath                 string  `toml:"db_path"`
	AutoGenerateTasks      bool    `toml:"auto_generate_tasks"`
	MaxCycles              int     `toml:"max_cycles"`
	AllowCodeChanges       bool    `toml:"allow_code_changes"`
	QualityThreshold       float64 `toml:"quality_threshold"`
	EnableDynamicWorkload  bool    `toml:"enable_dynamic_workload"`
	ResourceScaling        bool    `toml:"resource_scaling"`
	DefaultDeadlineMinutes int     `toml:"default_deadline_minutes"`
	MinAgentsPerTeam       int     `toml:"min_agents_per_team"`
	MaxAgentsPerTeam       int     `toml:"max_agents_per_team"`
	RandomWorkloadIncrease float64 `toml:"random_workload_increase"`
	MaxTaskSizeMultiplier  float64 `toml:"max_task_size_multiplier"`
	RemediationTimeoutSec  int     `toml:"remediation_timeout_sec"`
	VerificationCycles     int     `toml:"verification_cycles"`
}

// Default returns the configuration used when no file is present. The zero
// value is not usable: several booleans default to true.
func Default() Config {
	return Config{
		ModelProvider:    "openai",
		ModelName:        "gpt-4o",
		WorkingDirectory: "workspace",
		TaskCategories: []string{
			"Research and report",
			"Market analysis",
			"Technical documentation",
			"Creative writing",
			"Data analysis",
			"Summarization",
		},
		Targets: map[string]float64{
			"success_rate":      0.95,
			"response_quality":  0.8,
			"deadline_met_rate": 0.9,
		},
		Supervisor: SupervisorConfig{
			Addr:                   ":8092",
			DBPath:                 "data/junoloop.db",
			AutoGenerateTasks:      true,
			MaxCycles:              10,
			AllowCodeChanges:       true,
			QualityThreshold:       0.7,
			EnableDynamicWorkload:  true,
			ResourceScaling:        true,
			DefaultDeadlineMinutes: 30,
			MinAgentsPerTeam:       1,
			MaxAgentsPerTeam:       3,
			RandomWorkloadIncrease: 0.3,
			MaxTaskSizeMultiplier:  2.0,
			RemediationTimeoutSec:  120,
			VerificationCycles:     3,
		},
	}
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && path == "" {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would leave the control loop with
// undefined bounds. A failure here is fatal at startup.
func (c Config) Validate() error {
	s := c.Supervisor
	if s.MinAgentsPerTeam < 1 {
		return fmt.Errorf("invalid configuration: min_agents_per_team must be >= 1, got %d", s.MinAgentsPerTeam)
	}
	if s.MinAgentsPerTeam > s.MaxAgentsPerTeam {
		return fmt.Errorf("invalid configuration: min_agents_per_team %d exceeds max_agents_per_team %d",
			s.MinAgentsPerTeam, s.MaxAgentsPerTeam)
	}
	if s.QualityThreshold < 0 || s.QualityThreshold > 1 {
		return fmt.Errorf("invalid configuration: quality_threshold must be in [0,1], got %g", s.QualityThreshold)
	}
	if s.RandomWorkloadIncrease < 0 || s.RandomWorkloadIncrease > 1 {
		return fmt.Errorf("invalid configuration: random_workload_increase must be in [0,1], got %g", s.RandomWorkloadIncrease)
	}
	if s.MaxTaskSizeMultiplier < 1.0 {
		return fmt.Errorf("invalid configuration: max_task_size_multiplier must be >= 1.0, got %g", s.MaxTaskSizeMultiplier)
	}
	if s.DefaultDeadlineMinutes <= 0 {
		return fmt.Errorf("invalid configuration: default_deadline_minutes must be > 0, got %d", s.DefaultDeadlineMinutes)
	}
	if s.MaxCycles <= 0 {
		return fmt.Errorf("invalid configuration: max_cycles must be > 0, got %d", s.MaxCycles)
	}
	for name, target := range c.Targets {
		if target < 0 {
			return fmt.Errorf("invalid configuration: performance target %q is negative", name)
		}
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".junoloop/config.toml"
	}
	return filepath.Join(home, ".junoloop", "config.toml")
}
