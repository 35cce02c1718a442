// Package config loads and defaults the closed configuration object consumed
// by the orchestrator and facts memory subsystems.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nerdwf/internal/logging"
)

// Config holds every configuration key for the orchestrator and facts
// memory subsystems.
type Config struct {
	Workflows   WorkflowsConfig   `yaml:"workflows"`
	FactsMemory FactsMemoryConfig `yaml:"factsMemory"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// WorkflowsConfig groups orchestrator-facing settings.
type WorkflowsConfig struct {
	Retention RetentionConfig `yaml:"retention"`
	Policy    PolicyConfig    `yaml:"policy"`
	Routing   RoutingConfig   `yaml:"routing"`

	DataDir             string `yaml:"dataDir"`
	MaxConcurrent       int    `yaml:"maxConcurrent"`
	MaxReviewIterations int    `yaml:"maxReviewIterations"`
	DefaultMaxRetries   int    `yaml:"defaultMaxRetries"`
}

// RetentionConfig drives the retention/cleanup engine.
type RetentionConfig struct {
	MaxCompleted           int `yaml:"maxCompleted"`
	MaxDiskPerWorkflowMb   int `yaml:"maxDiskPerWorkflowMb"`
	MaxTotalDiskGb         int `yaml:"maxTotalDiskGb"`
	LogRetentionDays       int `yaml:"logRetentionDays"`
	FailedLogRetentionDays int `yaml:"failedLogRetentionDays"`
	ArtifactRetentionDays  int `yaml:"artifactRetentionDays"`
}

// PolicyConfig configures the policy engine and approval prompt.
type PolicyConfig struct {
	PolicyFile        string `yaml:"policyFile"`
	ApprovalTimeoutMs int    `yaml:"approvalTimeoutMs"`
}

// RoutingConfig configures intent-routing defaults; numeric rate-limit
// defaults are deliberately left to configuration rather than hardcoded.
type RoutingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MinConfidence float64 `yaml:"minConfidence"`
	AutoStart     bool    `yaml:"autoStart"`
}

// FactsMemoryConfig groups facts-store facing settings.
type FactsMemoryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DBPath       string `yaml:"dbPath"`
	MarkdownPath string `yaml:"markdownPath"`

	Extraction ExtractionConfig `yaml:"extraction"`
	Limits     LimitsConfig     `yaml:"limits"`
	Retention  MemoryRetention  `yaml:"retention"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Access     AccessConfig     `yaml:"access"`
}

type ExtractionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// LimitsConfig backs the extraction guardrails.
type LimitsConfig struct {
	MaxMessages int `yaml:"maxMessages"`
	MaxFacts    int `yaml:"maxFacts"`
	MaxTokens   int `yaml:"maxTokens"`
	CooldownMs  int `yaml:"cooldownMs"`
}

type MemoryRetention struct {
	MaxAgeDays            int     `yaml:"maxAgeDays"`
	MaxSizeMb             int     `yaml:"maxSizeMb"`
	PruneLowImportance    bool    `yaml:"pruneLowImportance"`
	MinImportance         float64 `yaml:"minImportance"`
	TruncateSummariesDays int     `yaml:"truncateSummariesDays"`
}

type SchedulerConfig struct {
	DailyEnabled  bool   `yaml:"dailyEnabled"`
	DailyCron     string `yaml:"dailyCron"`
	WeeklyEnabled bool   `yaml:"weeklyEnabled"`
	WeeklyCron    string `yaml:"weeklyCron"`
	Timezone      string `yaml:"timezone"`
}

type AlertsConfig struct {
	HealthCheckEnabled bool             `yaml:"healthCheckEnabled"`
	HealthCheckCron    string           `yaml:"healthCheckCron"`
	Thresholds         HealthThresholds `yaml:"thresholds"`
	MaxActiveAlerts    int              `yaml:"maxActiveAlerts"`
}

// HealthThresholds drives health.ComputeStatus.
type HealthThresholds struct {
	DbSizeMb     int `yaml:"dbSizeMb"`
	ErrorsPerDay int `yaml:"errorsPerDay"`
	StaleDays    int `yaml:"staleDays"`
}

type AccessConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DefaultRole string `yaml:"defaultRole"`
}

// LoggingConfig mirrors logging.Settings for config-file loading.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debugMode"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"jsonFormat"`
}

// ToSettings converts the config-file logging block to logging.Settings.
func (l LoggingConfig) ToSettings() logging.Settings {
	return logging.Settings{DebugMode: l.DebugMode, Categories: l.Categories, JSONFormat: l.JSONFormat}
}

// DefaultConfig returns the fully-defaulted configuration.
func DefaultConfig() *Config {
	return &Config{
		Workflows: WorkflowsConfig{
			DataDir:             ".nerdwf/workflows",
			MaxConcurrent:       5,
			MaxReviewIterations: 5,
			DefaultMaxRetries:   3,
			Retention: RetentionConfig{
				MaxCompleted:           20,
				MaxDiskPerWorkflowMb:   500,
				MaxTotalDiskGb:         10,
				LogRetentionDays:       14,
				FailedLogRetentionDays: 30,
				ArtifactRetentionDays:  60,
			},
			Policy: PolicyConfig{
				PolicyFile:        ".nerdwf/policy.yaml",
				ApprovalTimeoutMs: 60_000,
			},
			Routing: RoutingConfig{Enabled: false, MinConfidence: 0.7, AutoStart: false},
		},
		FactsMemory: FactsMemoryConfig{
			Enabled:      true,
			DBPath:       ".nerdwf/facts/facts.db",
			MarkdownPath: ".nerdwf/facts/memory",
			Extraction:   ExtractionConfig{Enabled: true, Provider: "", Model: ""},
			Limits: LimitsConfig{
				MaxMessages: 25,
				MaxFacts:    50,
				MaxTokens:   1500,
				CooldownMs:  30_000,
			},
			Retention: MemoryRetention{
				MaxAgeDays:         180,
				MaxSizeMb:          500,
				PruneLowImportance: true,
				MinImportance:      0.3,
			},
			Scheduler: SchedulerConfig{
				DailyEnabled:  true,
				DailyCron:     "55 23 * * *",
				WeeklyEnabled: true,
				WeeklyCron:    "0 3 * * 0",
				Timezone:      "Local",
			},
			Alerts: AlertsConfig{
				HealthCheckEnabled: true,
				HealthCheckCron:    "0 6 * * *",
				MaxActiveAlerts:    50,
				Thresholds: HealthThresholds{
					DbSizeMb:     500,
					ErrorsPerDay: 50,
					StaleDays:    14,
				},
			},
			Access: AccessConfig{Enabled: false, DefaultRole: "owner"},
		},
		Logging: LoggingConfig{DebugMode: false},
	}
}

// Load reads a YAML config file at path, applying defaults for anything left
// zero. A first strict pass detects unknown keys and logs (not
// fails on) them, matching the "unknown keys logged and ignored" contract.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	warnUnknownKeys(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// warnUnknownKeys runs a strict decode purely to surface unrecognized keys
// via logging; the lenient decode above is what actually populates cfg.
func warnUnknownKeys(data []byte) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var strict Config
	if err := dec.Decode(&strict); err != nil {
		logging.Get(logging.CategoryBoot).Warn("config contains unrecognized keys (ignored): %v", err)
	}
}

// applyDefaults fills any zero-valued field left unset after YAML decode.
func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Workflows.DataDir == "" {
		cfg.Workflows.DataDir = d.Workflows.DataDir
	}
	if cfg.Workflows.MaxConcurrent == 0 {
		cfg.Workflows.MaxConcurrent = d.Workflows.MaxConcurrent
	}
	if cfg.Workflows.MaxReviewIterations == 0 {
		cfg.Workflows.MaxReviewIterations = d.Workflows.MaxReviewIterations
	}
	if cfg.Workflows.DefaultMaxRetries == 0 {
		cfg.Workflows.DefaultMaxRetries = d.Workflows.DefaultMaxRetries
	}
	if cfg.Workflows.Retention.MaxCompleted == 0 {
		cfg.Workflows.Retention = d.Workflows.Retention
	}
	if cfg.Workflows.Policy.PolicyFile == "" {
		cfg.Workflows.Policy.PolicyFile = d.Workflows.Policy.PolicyFile
	}
	if cfg.Workflows.Policy.ApprovalTimeoutMs == 0 {
		cfg.Workflows.Policy.ApprovalTimeoutMs = d.Workflows.Policy.ApprovalTimeoutMs
	}
	if cfg.FactsMemory.DBPath == "" {
		cfg.FactsMemory.DBPath = d.FactsMemory.DBPath
	}
	if cfg.FactsMemory.MarkdownPath == "" {
		cfg.FactsMemory.MarkdownPath = d.FactsMemory.MarkdownPath
	}
	if cfg.FactsMemory.Limits.MaxMessages == 0 {
		cfg.FactsMemory.Limits = d.FactsMemory.Limits
	}
	if cfg.FactsMemory.Retention.MaxAgeDays == 0 {
		cfg.FactsMemory.Retention.MaxAgeDays = d.FactsMemory.Retention.MaxAgeDays
	}
	if cfg.FactsMemory.Retention.MinImportance == 0 {
		cfg.FactsMemory.Retention.MinImportance = d.FactsMemory.Retention.MinImportance
	}
	if cfg.FactsMemory.Scheduler.DailyCron == "" {
		cfg.FactsMemory.Scheduler.DailyCron = d.FactsMemory.Scheduler.DailyCron
	}
	if cfg.FactsMemory.Scheduler.WeeklyCron == "" {
		cfg.FactsMemory.Scheduler.WeeklyCron = d.FactsMemory.Scheduler.WeeklyCron
	}
	if cfg.FactsMemory.Scheduler.Timezone == "" {
		cfg.FactsMemory.Scheduler.Timezone = d.FactsMemory.Scheduler.Timezone
	}
	if cfg.FactsMemory.Alerts.HealthCheckCron == "" {
		cfg.FactsMemory.Alerts.HealthCheckCron = d.FactsMemory.Alerts.HealthCheckCron
	}
	if cfg.FactsMemory.Alerts.MaxActiveAlerts == 0 {
		cfg.FactsMemory.Alerts.MaxActiveAlerts = d.FactsMemory.Alerts.MaxActiveAlerts
	}
	if cfg.FactsMemory.Alerts.Thresholds.DbSizeMb == 0 {
		cfg.FactsMemory.Alerts.Thresholds = d.FactsMemory.Alerts.Thresholds
	}
	if cfg.FactsMemory.Access.DefaultRole == "" {
		cfg.FactsMemory.Access.DefaultRole = d.FactsMemory.Access.DefaultRole
	}
}

// applyEnvOverrides applies NERDWF_* environment overrides on top of
// whatever was loaded from the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NERDWF_WORKFLOWS_DATA_DIR"); v != "" {
		cfg.Workflows.DataDir = v
	}
	if v := os.Getenv("NERDWF_WORKFLOWS_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflows.MaxConcurrent = n
		}
	}
	if v := os.Getenv("NERDWF_FACTS_DB_PATH"); v != "" {
		cfg.FactsMemory.DBPath = v
	}
	if v := os.Getenv("NERDWF_FACTS_ENABLED"); v != "" {
		cfg.FactsMemory.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("NERDWF_LOGGING_DEBUG"); v != "" {
		cfg.Logging.DebugMode = strings.EqualFold(v, "true") || v == "1"
	}
}

// ApprovalTimeout returns the configured approval prompt timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Workflows.Policy.ApprovalTimeoutMs) * time.Millisecond
}
