package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	GitHub    GitHubConfig    `yaml:"github"`
	Providers ProvidersConfig `yaml:"providers"`
	Notify    NotifyConfig    `yaml:"notify"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Store     StoreConfig     `yaml:"store"`
	Routing   RoutingConfig   `yaml:"routing"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Usage     UsageConfig     `yaml:"usage"`
	Priority  PriorityConfig  `yaml:"priority"`
	Board     BoardConfig     `yaml:"board"`
}

// GitHubConfig holds GitHub authentication settings.
type GitHubConfig struct {
	Auth           string `yaml:"auth"` // "app" or "token"
	Token          string `yaml:"token"`
	AppID          string `yaml:"app_id"`
	InstallationID string `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKey     string `yaml:"private_key"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Type        string  `yaml:"type"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	URL         string  `yaml:"url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// ProvidersConfig groups provider configs.
type ProvidersConfig struct {
	LLM ProviderConfig `yaml:"llm"`
}

// NotifyConfig holds notification webhook URLs.
type NotifyConfig struct {
	SlackWebhook   string `yaml:"slack_webhook"`
	DiscordWebhook string `yaml:"discord_webhook"`
}

// DefaultsConfig holds default operational parameters.
type DefaultsConfig struct {
	RequestTimeoutRaw string `yaml:"request_timeout"`
	PollIntervalRaw   string `yaml:"poll_interval"`
}

// StoreConfig holds storage settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RuleWhen is the predicate half of a routing rule. Every specified
// group must match for the rule to fire.
type RuleWhen struct {
	Keywords   []string `yaml:"keywords"`
	TitleRegex string   `yaml:"title_regex"`
	BodyRegex  string   `yaml:"body_regex"`
	Labels     []string `yaml:"labels"`
	Channel    string   `yaml:"channel"`
}

// RuleRoute is the destination half of a routing rule.
type RuleRoute struct {
	Repository    string            `yaml:"repo"`
	Labels        []string          `yaml:"labels"`
	Assignees     []string          `yaml:"assignees"`
	Priority      string            `yaml:"priority"`
	ProjectFields map[string]string `yaml:"project_fields"`
}

// Rule pairs a predicate with a route. Rules are evaluated in
// declaration order; first full match wins.
type Rule struct {
	Name  string    `yaml:"name"`
	When  RuleWhen  `yaml:"when"`
	Route RuleRoute `yaml:"route"`
}

// DestinationConfig describes a candidate destination repository.
type DestinationConfig struct {
	Name        string   `yaml:"name"` // owner/repo
	Description string   `yaml:"description"`
	Labels      []string `yaml:"labels"`
}

// RoutingConfig holds the rule list, destinations, and fallbacks.
type RoutingConfig struct {
	Rules              []Rule              `yaml:"rules"`
	Destinations       []DestinationConfig `yaml:"destinations"`
	DefaultDestination string              `yaml:"default_destination"`
	DefaultLabels      []string            `yaml:"default_labels"`
	OrgContext         string              `yaml:"org_context"`
	// ProductionRepos mark sources whose issues score higher importance.
	ProductionRepos []string `yaml:"production_repos"`
}

// DedupConfig holds duplicate-detection settings.
type DedupConfig struct {
	LookbackDays         int     `yaml:"lookback_days"`
	EditThreshold        float64 `yaml:"edit_threshold"`
	SkipEditedWithinHrsN int     `yaml:"skip_edited_within_hours"`
	MaxEntries           int     `yaml:"max_entries"`
}

// UsageLimits holds per-period ceilings for one period kind.
type UsageLimits struct {
	Calls   int     `yaml:"calls"`
	Tokens  int     `yaml:"tokens"`
	CostUSD float64 `yaml:"cost_usd"`
}

// UsageConfig holds API budget settings.
type UsageConfig struct {
	Daily              UsageLimits `yaml:"daily"`
	Monthly            UsageLimits `yaml:"monthly"`
	WarningThreshold   float64     `yaml:"warning_threshold"`
	EmergencyDaily     float64     `yaml:"emergency_daily_threshold"`
	EmergencyMonthly   float64     `yaml:"emergency_monthly_threshold"`
	InputRatePer1K     float64     `yaml:"input_rate_per_1k"`
	OutputRatePer1K    float64     `yaml:"output_rate_per_1k"`
	EstimatedOutputTok int         `yaml:"estimated_output_tokens"`
}

// PriorityConfig holds priority scoring and queueing settings.
type PriorityConfig struct {
	EmergencyKeywords    []string `yaml:"emergency_keywords"`
	HighKeywords         []string `yaml:"high_keywords"`
	CriticalLabels       []string `yaml:"critical_labels"`
	UserFacingKeywords   []string `yaml:"user_facing_keywords"`
	SevereKeywords       []string `yaml:"severe_keywords"`
	PerformanceKeywords  []string `yaml:"performance_keywords"`
	DeferralThreshold    float64  `yaml:"deferral_threshold"`
	EmergencyOnly        float64  `yaml:"emergency_only_threshold"`
	SimilarityThreshold  float64  `yaml:"similarity_threshold"`
	BatchingEnabled      *bool    `yaml:"batching_enabled"`
	BatchWindowRaw       string   `yaml:"batch_window"`
	DeferredMaxAgeDays   int      `yaml:"deferred_max_age_days"`
	DeferredReleaseLimit int      `yaml:"deferred_release_limit"`
}

// BoardConfig holds destination project-board settings.
type BoardConfig struct {
	Org    string `yaml:"org"`
	Number int    `yaml:"number"`
}

// RequestTimeout returns the parsed request timeout duration.
func (d DefaultsConfig) RequestTimeout() (time.Duration, error) {
	if d.RequestTimeoutRaw == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(d.RequestTimeoutRaw)
}

// PollInterval returns the parsed poll interval duration.
func (d DefaultsConfig) PollInterval() (time.Duration, error) {
	if d.PollIntervalRaw == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(d.PollIntervalRaw)
}

// BatchWindow returns the parsed batch release window.
func (p PriorityConfig) BatchWindow() (time.Duration, error) {
	if p.BatchWindowRaw == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(p.BatchWindowRaw)
}

// Batching reports whether batch queueing is enabled (default true).
func (p PriorityConfig) Batching() bool {
	if p.BatchingEnabled == nil {
		return true
	}
	return *p.BatchingEnabled
}

// DestinationNames returns the configured destination repos in order.
func (r RoutingConfig) DestinationNames() []string {
	names := make([]string, len(r.Destinations))
	for i, d := range r.Destinations {
		names[i] = d.Name
	}
	return names
}

// LabelsByDestination returns destination name -> configured labels.
func (r RoutingConfig) LabelsByDestination() map[string][]string {
	m := make(map[string][]string, len(r.Destinations))
	for _, d := range r.Destinations {
		m[d.Name] = d.Labels
	}
	return m
}

// envVarPattern matches ${VAR} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment variable values.
// Returns an error if any referenced variable is not set.
func expandEnvVars(data []byte) ([]byte, error) {
	var missing []string

	result := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(varName))
		if !ok {
			missing = append(missing, string(varName))
			return match
		}
		return []byte(val)
	})

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// Load reads and parses a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses config from raw YAML bytes, expanding env vars and validating.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Defaults.RequestTimeoutRaw == "" {
		cfg.Defaults.RequestTimeoutRaw = "30s"
	}
	if cfg.Defaults.PollIntervalRaw == "" {
		cfg.Defaults.PollIntervalRaw = "5m"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.dispatch/dispatch.db"
	}
	if cfg.Providers.LLM.MaxTokens == 0 {
		cfg.Providers.LLM.MaxTokens = 1024
	}

	if cfg.Dedup.LookbackDays == 0 {
		cfg.Dedup.LookbackDays = 60
	}
	if cfg.Dedup.EditThreshold == 0 {
		cfg.Dedup.EditThreshold = 0.1
	}
	if cfg.Dedup.SkipEditedWithinHrsN == 0 {
		cfg.Dedup.SkipEditedWithinHrsN = 24
	}
	if cfg.Dedup.MaxEntries == 0 {
		cfg.Dedup.MaxEntries = 5000
	}

	if cfg.Usage.WarningThreshold == 0 {
		cfg.Usage.WarningThreshold = 0.8
	}
	if cfg.Usage.EmergencyDaily == 0 {
		cfg.Usage.EmergencyDaily = 0.95
	}
	if cfg.Usage.EmergencyMonthly == 0 {
		cfg.Usage.EmergencyMonthly = 0.9
	}
	if cfg.Usage.EstimatedOutputTok == 0 {
		cfg.Usage.EstimatedOutputTok = 800
	}

	if cfg.Priority.DeferralThreshold == 0 {
		cfg.Priority.DeferralThreshold = 0.8
	}
	if cfg.Priority.EmergencyOnly == 0 {
		cfg.Priority.EmergencyOnly = 0.95
	}
	if cfg.Priority.SimilarityThreshold == 0 {
		cfg.Priority.SimilarityThreshold = 0.6
	}
	if cfg.Priority.BatchWindowRaw == "" {
		cfg.Priority.BatchWindowRaw = "30m"
	}
	if cfg.Priority.DeferredMaxAgeDays == 0 {
		cfg.Priority.DeferredMaxAgeDays = 7
	}
	if cfg.Priority.DeferredReleaseLimit == 0 {
		cfg.Priority.DeferredReleaseLimit = 5
	}
	if len(cfg.Priority.EmergencyKeywords) == 0 {
		cfg.Priority.EmergencyKeywords = []string{
			"production down", "data loss", "security breach",
			"cannot access", "all users affected",
		}
	}
	if len(cfg.Priority.HighKeywords) == 0 {
		cfg.Priority.HighKeywords = []string{
			"urgent", "critical", "blocker", "broken", "crash",
		}
	}
	if len(cfg.Priority.CriticalLabels) == 0 {
		cfg.Priority.CriticalLabels = []string{"critical", "p0", "urgent", "security"}
	}
	if len(cfg.Priority.UserFacingKeywords) == 0 {
		cfg.Priority.UserFacingKeywords = []string{"ui", "ux", "user", "customer", "display"}
	}
	if len(cfg.Priority.SevereKeywords) == 0 {
		cfg.Priority.SevereKeywords = []string{"data loss", "security", "crash", "corrupt"}
	}
	if len(cfg.Priority.PerformanceKeywords) == 0 {
		cfg.Priority.PerformanceKeywords = []string{"slow", "performance", "timeout", "latency"}
	}
}

func validate(cfg *Config) error {
	// Validate durations parse correctly
	if _, err := time.ParseDuration(cfg.Defaults.RequestTimeoutRaw); err != nil {
		return fmt.Errorf("invalid request_timeout %q: %w", cfg.Defaults.RequestTimeoutRaw, err)
	}
	if _, err := time.ParseDuration(cfg.Defaults.PollIntervalRaw); err != nil {
		return fmt.Errorf("invalid poll_interval %q: %w", cfg.Defaults.PollIntervalRaw, err)
	}
	if _, err := time.ParseDuration(cfg.Priority.BatchWindowRaw); err != nil {
		return fmt.Errorf("invalid batch_window %q: %w", cfg.Priority.BatchWindowRaw, err)
	}

	for _, frac := range []struct {
		name string
		val  float64
	}{
		{"dedup.edit_threshold", cfg.Dedup.EditThreshold},
		{"usage.warning_threshold", cfg.Usage.WarningThreshold},
		{"usage.emergency_daily_threshold", cfg.Usage.EmergencyDaily},
		{"usage.emergency_monthly_threshold", cfg.Usage.EmergencyMonthly},
		{"priority.deferral_threshold", cfg.Priority.DeferralThreshold},
		{"priority.emergency_only_threshold", cfg.Priority.EmergencyOnly},
		{"priority.similarity_threshold", cfg.Priority.SimilarityThreshold},
	} {
		if frac.val < 0 || frac.val > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", frac.name, frac.val)
		}
	}

	// Rule predicates must reference something and carry a destination.
	for i, rule := range cfg.Routing.Rules {
		w := rule.When
		if len(w.Keywords) == 0 && w.TitleRegex == "" && w.BodyRegex == "" &&
			len(w.Labels) == 0 && w.Channel == "" {
			return fmt.Errorf("rule %d (%s): empty 'when' predicate", i, rule.Name)
		}
		if rule.Route.Repository == "" {
			return fmt.Errorf("rule %d (%s): missing route.repo", i, rule.Name)
		}
		if w.TitleRegex != "" {
			if _, err := regexp.Compile("(?i)" + w.TitleRegex); err != nil {
				return fmt.Errorf("rule %d (%s): invalid title_regex: %w", i, rule.Name, err)
			}
		}
		if w.BodyRegex != "" {
			if _, err := regexp.Compile("(?i)" + w.BodyRegex); err != nil {
				return fmt.Errorf("rule %d (%s): invalid body_regex: %w", i, rule.Name, err)
			}
		}
		if rule.Route.Priority != "" {
			switch rule.Route.Priority {
			case "low", "medium", "high", "critical":
			default:
				return fmt.Errorf("rule %d (%s): invalid priority %q", i, rule.Name, rule.Route.Priority)
			}
		}
	}

	// Classification falls back to the default destination, so it must
	// exist whenever an LLM provider is configured.
	if cfg.Providers.LLM.Type != "" && cfg.Routing.DefaultDestination == "" {
		return fmt.Errorf("routing.default_destination is required when an LLM provider is configured")
	}

	validLLMTypes := map[string]bool{"openai": true, "ollama": true, "anthropic": true, "": true}
	if !validLLMTypes[cfg.Providers.LLM.Type] {
		return fmt.Errorf("unsupported LLM provider type: %s", cfg.Providers.LLM.Type)
	}

	validAuth := map[string]bool{"app": true, "token": true, "": true}
	if !validAuth[cfg.GitHub.Auth] {
		return fmt.Errorf("unsupported github auth mode: %s", cfg.GitHub.Auth)
	}

	return nil
}
