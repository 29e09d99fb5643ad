// Package config provides configuration loading for autodev.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables. Settings cover the issue tracker connection, the
// code-hosting connection, agent invocation budgets, and the orchestration
// engine's concurrency and timing knobs.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete autodev configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Tracker TrackerConfig `koanf:"tracker"`
	Hosting HostingConfig `koanf:"hosting"`
	Agent   AgentConfig   `koanf:"agent"`
	Engine  EngineConfig  `koanf:"engine"`
	Store   StoreConfig   `koanf:"store"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// StatusToken gates GET /status. Requests are rejected when unset.
	StatusToken Secret `koanf:"status_token"`

	// TrackerWebhookSecret and HostingWebhookSecret authenticate inbound
	// webhooks. An empty secret disables signature verification for that
	// endpoint (explicit opt-out).
	TrackerWebhookSecret Secret `koanf:"tracker_webhook_secret"`
	HostingWebhookSecret Secret `koanf:"hosting_webhook_secret"`

	// WebhookQueueSize bounds the async webhook-processing queue.
	WebhookQueueSize int `koanf:"webhook_queue_size"`
}

// TrackerConfig holds issue tracker (Jira-style REST API) configuration.
type TrackerConfig struct {
	BaseURL    string `koanf:"base_url"`
	Email      string `koanf:"email"`
	Token      Secret `koanf:"token"`
	ProjectKey string `koanf:"project_key"`

	// AutomationAccountID is the tracker account the automation runs as.
	// Issues assigned to it with EligibleStatus are picked up.
	AutomationAccountID string `koanf:"automation_account_id"`

	// Status names driving the pipeline.
	EligibleStatus string `koanf:"eligible_status"`
	ReviewStatus   string `koanf:"review_status"`
	DoneStatus     string `koanf:"done_status"`

	RequestTimeout Duration `koanf:"request_timeout"`
}

// HostingConfig holds code hosting (GitHub) configuration.
type HostingConfig struct {
	Token Secret `koanf:"token"`
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`

	// RemoteURL is the clone URL for the repository.
	RemoteURL string `koanf:"remote_url"`

	ProductionBranch string `koanf:"production_branch"`
	StagingBranch    string `koanf:"staging_branch"`

	// CIWorkflowFile names the Actions workflow validating the staging
	// branch (e.g. "ci.yml"). Empty disables CI validation entirely.
	CIWorkflowFile string   `koanf:"ci_workflow_file"`
	CIWaitTimeout  Duration `koanf:"ci_wait_timeout"`

	RequestTimeout Duration `koanf:"request_timeout"`
}

// AgentConfig holds coding-agent invocation configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable.
	Binary string `koanf:"binary"`
	Model  string `koanf:"model"`

	// Separate turn and cost ceilings for planning vs implementing.
	PlanMaxTurns       int     `koanf:"plan_max_turns"`
	PlanBudgetUSD      float64 `koanf:"plan_budget_usd"`
	ImplementMaxTurns  int     `koanf:"implement_max_turns"`
	ImplementBudgetUSD float64 `koanf:"implement_budget_usd"`

	InvokeTimeout Duration `koanf:"invoke_timeout"`
}

// EngineConfig holds orchestration engine configuration.
type EngineConfig struct {
	// WorkspaceBase is the directory under which per-task workspaces are
	// created.
	WorkspaceBase string `koanf:"workspace_base"`

	MaxConcurrentTasks int      `koanf:"max_concurrent_tasks"`
	ReconcileInterval  Duration `koanf:"reconcile_interval"`

	// MaxCIFixRetries bounds agent-assisted auto-fix cycles after a CI
	// failure.
	MaxCIFixRetries int `koanf:"max_ci_fix_retries"`

	// ApprovalKeyword is matched case-insensitively as a comment prefix to
	// classify plan approval; trailing text becomes reviewer notes.
	ApprovalKeyword string `koanf:"approval_keyword"`
}

// StoreConfig holds task state store configuration.
type StoreConfig struct {
	// Path to the SQLite database file.
	Path string `koanf:"path"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.WebhookQueueSize == 0 {
		cfg.Server.WebhookQueueSize = 128
	}

	if cfg.Tracker.EligibleStatus == "" {
		cfg.Tracker.EligibleStatus = "To Do"
	}
	if cfg.Tracker.ReviewStatus == "" {
		cfg.Tracker.ReviewStatus = "In Review"
	}
	if cfg.Tracker.DoneStatus == "" {
		cfg.Tracker.DoneStatus = "Done"
	}
	if cfg.Tracker.RequestTimeout == 0 {
		cfg.Tracker.RequestTimeout = Duration(30 * time.Second)
	}

	if cfg.Hosting.ProductionBranch == "" {
		cfg.Hosting.ProductionBranch = "main"
	}
	if cfg.Hosting.StagingBranch == "" {
		cfg.Hosting.StagingBranch = "staging"
	}
	if cfg.Hosting.CIWaitTimeout == 0 {
		cfg.Hosting.CIWaitTimeout = Duration(30 * time.Minute)
	}
	if cfg.Hosting.RequestTimeout == 0 {
		cfg.Hosting.RequestTimeout = Duration(30 * time.Second)
	}

	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = "claude"
	}
	if cfg.Agent.PlanMaxTurns == 0 {
		cfg.Agent.PlanMaxTurns = 30
	}
	if cfg.Agent.PlanBudgetUSD == 0 {
		cfg.Agent.PlanBudgetUSD = 2.0
	}
	if cfg.Agent.ImplementMaxTurns == 0 {
		cfg.Agent.ImplementMaxTurns = 100
	}
	if cfg.Agent.ImplementBudgetUSD == 0 {
		cfg.Agent.ImplementBudgetUSD = 10.0
	}
	if cfg.Agent.InvokeTimeout == 0 {
		cfg.Agent.InvokeTimeout = Duration(45 * time.Minute)
	}

	if cfg.Engine.MaxConcurrentTasks == 0 {
		cfg.Engine.MaxConcurrentTasks = 3
	}
	if cfg.Engine.ReconcileInterval == 0 {
		cfg.Engine.ReconcileInterval = Duration(time.Minute)
	}
	if cfg.Engine.MaxCIFixRetries == 0 {
		cfg.Engine.MaxCIFixRetries = 3
	}
	if cfg.Engine.ApprovalKeyword == "" {
		cfg.Engine.ApprovalKeyword = "approve"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "autodev.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration. Missing required settings are fatal
// at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.WebhookQueueSize < 1 {
		return errors.New("webhook queue size must be positive")
	}

	if c.Tracker.BaseURL == "" {
		return errors.New("tracker base URL is required")
	}
	if !c.Tracker.Token.IsSet() {
		return errors.New("tracker token is required")
	}
	if c.Tracker.ProjectKey == "" {
		return errors.New("tracker project key is required")
	}
	if c.Tracker.AutomationAccountID == "" {
		return errors.New("tracker automation account ID is required")
	}

	if !c.Hosting.Token.IsSet() {
		return errors.New("hosting token is required")
	}
	if c.Hosting.Owner == "" || c.Hosting.Repo == "" {
		return errors.New("hosting owner and repo are required")
	}
	if c.Hosting.RemoteURL == "" {
		return errors.New("hosting remote URL is required")
	}
	if c.Hosting.StagingBranch == c.Hosting.ProductionBranch {
		return fmt.Errorf("staging branch %q must differ from production branch", c.Hosting.StagingBranch)
	}

	if c.Engine.WorkspaceBase == "" {
		return errors.New("workspace base directory is required")
	}
	if c.Engine.MaxConcurrentTasks < 1 {
		return errors.New("max concurrent tasks must be positive")
	}
	if c.Engine.MaxCIFixRetries < 0 {
		return errors.New("max CI fix retries cannot be negative")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	return nil
}
