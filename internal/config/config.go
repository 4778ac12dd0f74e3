// Package config loads Fetch settings from the environment (and an optional
// dotenv file) once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fetchcore/fetch/model"
)

// Config holds every recognized setting. Values are read once; editing the
// environment file requires a restart.
type Config struct {
	// Agent loop.
	HistoryWindow       int    `mapstructure:"history_window"`
	CompactionThreshold int    `mapstructure:"compaction_threshold"`
	MaxToolCalls        int    `mapstructure:"max_tool_calls"`
	CBThreshold         int    `mapstructure:"cb_threshold"`
	CBResetMS           int64  `mapstructure:"cb_reset_ms"`
	RetryBackoffMS      string `mapstructure:"retry_backoff"`

	// Tasks and harnesses.
	TaskTimeoutMS    int64 `mapstructure:"task_timeout"`
	HarnessTimeoutMS int64 `mapstructure:"harness_timeout"`

	// Router throttles.
	RateLimitMax       int   `mapstructure:"rate_limit_max"`
	RateLimitWindowMS  int64 `mapstructure:"rate_limit_window"`
	DedupTTLMS         int64 `mapstructure:"dedup_ttl"`
	ProgressThrottleMS int64 `mapstructure:"progress_throttle"`

	// Workspace manager.
	WorkspaceCacheTTLMS int64 `mapstructure:"workspace_cache_ttl"`
	GitTimeoutMS        int64 `mapstructure:"git_timeout"`

	// Memory recall.
	RecallLimit         int     `mapstructure:"recall_limit"`
	RecallSnippetTokens int     `mapstructure:"recall_snippet_tokens"`
	RecallDecay         float64 `mapstructure:"recall_decay"`

	// Language model.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	Model           string `mapstructure:"fetch_model"`
	SummaryModel    string `mapstructure:"fetch_summary_model"`

	// Transports and channels.
	TelegramBotToken   string `mapstructure:"telegram_bot_token"`
	TelegramOwnerID    string `mapstructure:"telegram_owner_id"`
	SlackBotToken      string `mapstructure:"slack_bot_token"`
	SlackSigningSecret string `mapstructure:"slack_signing_secret"`
	GitHubToken        string `mapstructure:"github_token"`
	GitHubRepo         string `mapstructure:"github_repo"`
	GitHubLabel        string `mapstructure:"github_label"`

	// Sandbox and paths.
	SandboxContainer string `mapstructure:"sandbox_container"`
	WorkspaceRoot    string `mapstructure:"workspace_root"`
	DBPath           string `mapstructure:"fetch_db"`
	SkillsDir        string `mapstructure:"fetch_skills_dir"`
	IdentityFile     string `mapstructure:"fetch_identity_file"`

	// Process.
	HTTPAddr   string `mapstructure:"fetch_http_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	AgentOrder string `mapstructure:"agent_order"`
}

// envBindings maps viper keys to the environment variable names recognized
// by the runtime.
var envBindings = map[string]string{
	"history_window":        "HISTORY_WINDOW",
	"compaction_threshold":  "COMPACTION_THRESHOLD",
	"max_tool_calls":        "MAX_TOOL_CALLS",
	"cb_threshold":          "CB_THRESHOLD",
	"cb_reset_ms":           "CB_RESET_MS",
	"retry_backoff":         "RETRY_BACKOFF",
	"task_timeout":          "TASK_TIMEOUT",
	"harness_timeout":       "HARNESS_TIMEOUT",
	"rate_limit_max":        "RATE_LIMIT_MAX",
	"rate_limit_window":     "RATE_LIMIT_WINDOW",
	"dedup_ttl":             "DEDUP_TTL",
	"progress_throttle":     "PROGRESS_THROTTLE",
	"workspace_cache_ttl":   "WORKSPACE_CACHE_TTL",
	"git_timeout":           "GIT_TIMEOUT",
	"recall_limit":          "RECALL_LIMIT",
	"recall_snippet_tokens": "RECALL_SNIPPET_TOKENS",
	"recall_decay":          "RECALL_DECAY",
	"anthropic_api_key":     "ANTHROPIC_API_KEY",
	"fetch_model":           "FETCH_MODEL",
	"fetch_summary_model":   "FETCH_SUMMARY_MODEL",
	"telegram_bot_token":    "TELEGRAM_BOT_TOKEN",
	"telegram_owner_id":     "TELEGRAM_OWNER_ID",
	"slack_bot_token":       "SLACK_BOT_TOKEN",
	"slack_signing_secret":  "SLACK_SIGNING_SECRET",
	"github_token":          "GITHUB_TOKEN",
	"github_repo":           "GITHUB_REPO",
	"github_label":          "GITHUB_LABEL",
	"sandbox_container":     "SANDBOX_CONTAINER",
	"workspace_root":        "WORKSPACE_ROOT",
	"fetch_db":              "FETCH_DB",
	"fetch_skills_dir":      "FETCH_SKILLS_DIR",
	"fetch_identity_file":   "FETCH_IDENTITY_FILE",
	"fetch_http_addr":       "FETCH_HTTP_ADDR",
	"log_level":             "LOG_LEVEL",
	"log_format":            "LOG_FORMAT",
	"agent_order":           "AGENT_ORDER",
}

// Load reads settings from the environment, with FETCH_ENV_FILE (dotenv
// format) layered underneath when present.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if envFile := os.Getenv("FETCH_ENV_FILE"); envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("history_window", 20)
	v.SetDefault("compaction_threshold", 40)
	v.SetDefault("max_tool_calls", 5)
	v.SetDefault("cb_threshold", 3)
	v.SetDefault("cb_reset_ms", 300_000)
	v.SetDefault("retry_backoff", "0,1000,3000,10000")
	v.SetDefault("task_timeout", 300_000)
	v.SetDefault("harness_timeout", 300_000)
	v.SetDefault("rate_limit_max", 30)
	v.SetDefault("rate_limit_window", 60_000)
	v.SetDefault("dedup_ttl", 30_000)
	v.SetDefault("progress_throttle", 3_000)
	v.SetDefault("workspace_cache_ttl", 30_000)
	v.SetDefault("git_timeout", 5_000)
	v.SetDefault("recall_limit", 5)
	v.SetDefault("recall_snippet_tokens", 300)
	v.SetDefault("recall_decay", 0.1)
	v.SetDefault("fetch_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("fetch_summary_model", "claude-3-5-haiku-20241022")
	v.SetDefault("github_label", "fetch")
	v.SetDefault("sandbox_container", "fetch-sandbox")
	v.SetDefault("workspace_root", "/workspaces")
	v.SetDefault("fetch_db", filepath.Join(dataDir, "fetch.db"))
	v.SetDefault("fetch_skills_dir", filepath.Join(dataDir, "skills"))
	v.SetDefault("fetch_identity_file", filepath.Join(dataDir, "identity.md"))
	v.SetDefault("fetch_http_addr", ":8700")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("agent_order", "claude,gemini,copilot")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fetch"
	}
	return filepath.Join(home, ".fetch")
}

// Validate checks required settings and value sanity, collecting all
// problems into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
	}
	if c.TelegramOwnerID == "" {
		errs = append(errs, errors.New("TELEGRAM_OWNER_ID is required"))
	}
	if c.HistoryWindow <= 0 {
		errs = append(errs, errors.New("HISTORY_WINDOW must be positive"))
	}
	if c.CompactionThreshold <= c.HistoryWindow {
		errs = append(errs, errors.New("COMPACTION_THRESHOLD must exceed HISTORY_WINDOW"))
	}
	if c.MaxToolCalls <= 0 {
		errs = append(errs, errors.New("MAX_TOOL_CALLS must be positive"))
	}
	if _, err := c.RetryBackoff(); err != nil {
		errs = append(errs, err)
	}
	agents := c.AgentList()
	if len(agents) == 0 {
		errs = append(errs, errors.New("AGENT_ORDER must name at least one agent"))
	}
	for _, a := range agents {
		switch a {
		case model.AgentClaude, model.AgentGemini, model.AgentCopilot:
		default:
			errs = append(errs, fmt.Errorf("AGENT_ORDER: unknown agent %q", a))
		}
	}
	return errors.Join(errs...)
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// SlackEnabled returns true if the Slack events handler is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackSigningSecret != ""
}

// GitHubEnabled returns true if the issue channel is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != "" && c.GitHubRepo != ""
}

// SandboxEnv returns environment variables to pass into harness processes.
func (c *Config) SandboxEnv() []string {
	env := []string{}
	if c.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.AnthropicAPIKey)
	}
	if c.GitHubToken != "" {
		env = append(env, "GITHUB_TOKEN="+c.GitHubToken)
	}
	return env
}

// RetryBackoff parses the retry schedule (comma-separated milliseconds).
func (c *Config) RetryBackoff() ([]time.Duration, error) {
	parts := strings.Split(c.RetryBackoffMS, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ms, err := strconv.ParseInt(p, 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("RETRY_BACKOFF: bad entry %q", p)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	if len(out) == 0 {
		return nil, errors.New("RETRY_BACKOFF: empty schedule")
	}
	return out, nil
}

// AgentList parses AGENT_ORDER into adapter names.
func (c *Config) AgentList() []string {
	parts := strings.Split(c.AgentOrder, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Duration accessors (the corresponding env values are milliseconds).

func (c *Config) CBReset() time.Duration           { return ms(c.CBResetMS) }
func (c *Config) TaskTimeout() time.Duration       { return ms(c.TaskTimeoutMS) }
func (c *Config) HarnessTimeout() time.Duration    { return ms(c.HarnessTimeoutMS) }
func (c *Config) RateLimitWindow() time.Duration   { return ms(c.RateLimitWindowMS) }
func (c *Config) DedupTTL() time.Duration          { return ms(c.DedupTTLMS) }
func (c *Config) ProgressThrottle() time.Duration  { return ms(c.ProgressThrottleMS) }
func (c *Config) WorkspaceCacheTTL() time.Duration { return ms(c.WorkspaceCacheTTLMS) }
func (c *Config) GitTimeout() time.Duration        { return ms(c.GitTimeoutMS) }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
