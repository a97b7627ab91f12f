// Package config handles Zipper configuration loading.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/zipper/config.yaml, /etc/zipper/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "zipper", "config.yaml"))
	}

	paths = append(paths, "/etc/zipper/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Zipper configuration.
type Config struct {
	Listen      ListenConfig    `yaml:"listen"`
	Anthropic   AnthropicConfig `yaml:"anthropic"`
	Models      ModelsConfig    `yaml:"models"`
	Agent       AgentConfig     `yaml:"agent"`
	ShellExec   ShellExecConfig `yaml:"shell_exec"`
	Search      SearchConfig    `yaml:"search"`
	Notify      NotifyConfig    `yaml:"notify"`
	Restart     RestartConfig   `yaml:"restart"`
	Tasks       TasksConfig     `yaml:"tasks"`
	DataDir     string          `yaml:"data_dir" env:"ZIPPER_DATA_DIR"`
	ProjectRoot string          `yaml:"project_root" env:"ZIPPER_PROJECT_ROOT"`
	LogLevel    string          `yaml:"log_level" env:"ZIPPER_LOG_LEVEL"`
	LogFormat   string          `yaml:"log_format" env:"ZIPPER_LOG_FORMAT"`
}

// ListenConfig defines the HTTP front door bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// ModelsConfig defines the model tiers the agent loop chooses between.
// Tiers are ordered cheapest first; the first tier is the default.
type ModelsConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
	// CompactionModel names the model used for compaction summaries.
	CompactionModel string `yaml:"compaction_model"`
	// Pricing maps model ids to per-million-token prices for the usage
	// ledger. Unlisted models are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price of one million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// TierConfig is one selectable model tier.
type TierConfig struct {
	Name     string   `yaml:"name"`
	Model    string   `yaml:"model"`
	Keywords []string `yaml:"keywords"`
}

// AgentConfig controls agent loop behavior.
type AgentConfig struct {
	// CompactionThreshold is the active-version turn count at which
	// compaction runs.
	CompactionThreshold int `yaml:"compaction_threshold"`
	// CompactionKeep is the number of most recent turns carried verbatim
	// into the new version.
	CompactionKeep int `yaml:"compaction_keep"`
	// ParallelTools dispatches the tool calls of one assistant turn
	// concurrently. Results are still collected in request order.
	ParallelTools bool `yaml:"parallel_tools"`
	// SystemPromptFile overrides <project_root>/system_prompts/main.md.
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled registers the bash capability.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands
	// (defaults to the project root).
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// SearchConfig defines the web search capability.
type SearchConfig struct {
	BraveAPIKey string `yaml:"brave_api_key" env:"BRAVE_API_KEY"`
}

// NotifyConfig defines where notifications are delivered.
type NotifyConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	// WebhookURL receives POSTed {message, thread_id} JSON when Discord
	// is not configured.
	WebhookURL string `yaml:"webhook_url" env:"ZIPPER_NOTIFY_URL"`
	// RetryInterval is the fixed backoff between delivery attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DiscordConfig defines the Discord bot used as a notification sink.
type DiscordConfig struct {
	Token     string `yaml:"token" env:"DISCORD_TOKEN"`
	ChannelID string `yaml:"channel_id" env:"DISCORD_CHANNEL_ID"`
}

// Configured reports whether the Discord sink can be constructed.
func (c DiscordConfig) Configured() bool {
	return c.Token != "" && c.ChannelID != ""
}

// RestartConfig defines self-restart and recovery watchdog behavior.
type RestartConfig struct {
	// Command restarts the hosting service.
	Command []string `yaml:"command"`
	// WatchWrapper is prepended to the watchdog's command line so it can
	// run outside the service's cgroup. {unit}, {dir} and {log} are
	// replaced with a per-watch unit name, the project root and the
	// watchdog log. Unset means DefaultWatchWrapper(Command); an empty
	// list disables wrapping.
	WatchWrapper []string `yaml:"watch_wrapper"`
	// ServiceURL is the base URL the watchdog probes and resumes through.
	ServiceURL string `yaml:"service_url" env:"ZIPPER_URL"`
	// WaitDownAttempts is how many one-second probes are spent waiting for
	// the old process to exit.
	WaitDownAttempts int           `yaml:"wait_down_attempts"`
	WaitDownInterval time.Duration `yaml:"wait_down_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	StartupTimeout   time.Duration `yaml:"startup_timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	// ResumeTimeout bounds the resume request sent once the service is
	// back.
	ResumeTimeout time.Duration `yaml:"resume_timeout"`
}

// DefaultWatchWrapper returns the systemd-run prefix used when the
// service is restarted through systemctl. The service unit's stop would
// otherwise kill the watchdog along with the rest of its cgroup.
func DefaultWatchWrapper(command []string) []string {
	if len(command) == 0 || filepath.Base(command[0]) != "systemctl" {
		return nil
	}
	w := []string{"systemd-run"}
	if slices.Contains(command, "--user") {
		w = append(w, "--user")
	}
	return append(w,
		"--collect",
		"--quiet",
		"--unit={unit}",
		"--working-directory={dir}",
		"--property=StandardOutput=append:{log}",
		"--property=StandardError=append:{log}",
	)
}

// TasksConfig defines the task queue runner.
type TasksConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Address: "127.0.0.1", Port: 4199},
		Anthropic: AnthropicConfig{MaxTokens: 8096},
		Models: ModelsConfig{
			Tiers: []TierConfig{
				{Name: "haiku", Model: "claude-haiku-4-5-20251001"},
				{Name: "sonnet", Model: "claude-sonnet-4-6", Keywords: []string{"sonnet"}},
				{Name: "opus", Model: "claude-opus-4-6", Keywords: []string{"opus"}},
			},
			CompactionModel: "claude-sonnet-4-6",
			Pricing: map[string]PricingEntry{
				"claude-haiku-4-5-20251001": {InputPerMillion: 1, OutputPerMillion: 5},
				"claude-sonnet-4-6":         {InputPerMillion: 3, OutputPerMillion: 15},
				"claude-opus-4-6":           {InputPerMillion: 5, OutputPerMillion: 25},
			},
		},
		Agent: AgentConfig{
			CompactionThreshold: 20,
			CompactionKeep:      6,
		},
		ShellExec: ShellExecConfig{
			Enabled:           true,
			DefaultTimeoutSec: 30,
		},
		Notify: NotifyConfig{RetryInterval: 5 * time.Second},
		Restart: RestartConfig{
			Command:          []string{"systemctl", "--user", "restart", "zipper"},
			ServiceURL:       "http://localhost:4199",
			WaitDownAttempts: 10,
			WaitDownInterval: time.Second,
			PollInterval:     2 * time.Second,
			StartupTimeout:   45 * time.Second,
			SettleDelay:      3 * time.Second,
			ResumeTimeout:    5 * time.Minute,
		},
		Tasks:   TasksConfig{PollInterval: 10 * time.Second},
		DataDir: "./data",
	}
}

// Load reads configuration from a YAML file. Values absent from the file
// keep their defaults. Before parsing, .env files beside the config file
// and in the project root are loaded without overriding variables
// already present in the environment; ${VAR} references are then
// expanded, and finally the well-known variables (ANTHROPIC_API_KEY,
// DISCORD_TOKEN, ...) override whatever the file says.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// The project root may itself come from the file, so peek at it
	// before expanding.
	var root struct {
		ProjectRoot string `yaml:"project_root"`
	}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	rootDir := os.Getenv("ZIPPER_PROJECT_ROOT")
	if rootDir == "" {
		rootDir = os.ExpandEnv(root.ProjectRoot)
	}
	if rootDir == "" {
		rootDir, _ = os.Getwd()
	}
	if rootDir != "" {
		loadDotEnv(filepath.Join(rootDir, ".env"))
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = rootDir
	}
	if cfg.Restart.WatchWrapper == nil {
		cfg.Restart.WatchWrapper = DefaultWatchWrapper(cfg.Restart.Command)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if abs, err := filepath.Abs(cfg.ProjectRoot); err == nil {
		cfg.ProjectRoot = abs
	}

	return cfg, nil
}

// loadDotEnv loads a .env file if one exists. godotenv.Load never
// overrides variables that are already set.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("failed to load .env file", "path", path, "error", err)
	}
}

// Validate checks the configuration for values that would make the
// service misbehave at runtime.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if len(c.Models.Tiers) == 0 {
		errs = append(errs, errors.New("models.tiers must list at least one tier"))
	}
	for i, t := range c.Models.Tiers {
		if t.Model == "" {
			errs = append(errs, fmt.Errorf("models.tiers[%d] (%s) has no model", i, t.Name))
		}
	}
	if c.Agent.CompactionKeep < 0 || c.Agent.CompactionKeep >= c.Agent.CompactionThreshold {
		errs = append(errs, fmt.Errorf("agent.compaction_keep (%d) must be below compaction_threshold (%d)",
			c.Agent.CompactionKeep, c.Agent.CompactionThreshold))
	}
	if c.Restart.PollInterval <= 0 || c.Restart.StartupTimeout <= 0 {
		errs = append(errs, errors.New("restart.poll_interval and restart.startup_timeout must be positive"))
	}
	if len(c.Restart.Command) == 0 {
		errs = append(errs, errors.New("restart.command must not be empty"))
	}
	if c.Notify.RetryInterval <= 0 {
		errs = append(errs, errors.New("notify.retry_interval must be positive"))
	}
	if c.Tasks.PollInterval <= 0 {
		errs = append(errs, errors.New("tasks.poll_interval must be positive"))
	}

	return errors.Join(errs...)
}
