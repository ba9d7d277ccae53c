package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacklau/dispatch/internal/classify"
	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/dedup"
	"github.com/jacklau/dispatch/internal/github"
	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/notify"
	"github.com/jacklau/dispatch/internal/priority"
	"github.com/jacklau/dispatch/internal/provider"
	"github.com/jacklau/dispatch/internal/pubsub"
	"github.com/jacklau/dispatch/internal/router"
	"github.com/jacklau/dispatch/internal/store"
	"github.com/jacklau/dispatch/internal/usage"

	gogithub "github.com/google/go-github/v60/github"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Route incoming issues to the right repository",
	Long: `Dispatch watches inbox repositories for new issues, classifies them
with rules and an LLM, deduplicates repeat reports, and files each one
in the destination repository where it belongs.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default %s)", defaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dispatch/config.yaml"
	}
	return home + "/.dispatch/config.yaml"
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

// components holds initialized components for use by subcommands.
type components struct {
	Config       *config.Config
	Store        *store.DB
	GHClient     *gogithub.Client
	Completer    provider.Completer
	Classifier   *classify.Classifier
	Dedup        *dedup.Engine
	Meter        *usage.Meter
	Priorities   *priority.Processor
	Destinations *github.Destinations
	Boards       *github.Boards
	Broker       *pubsub.Broker[issue.Event]
	Router       *router.Router
	Logger       *slog.Logger
}

// unconfiguredCompleter stands in when no LLM provider is set. Every
// call fails, which drives the classifier onto its fallback path.
type unconfiguredCompleter struct{}

func (unconfiguredCompleter) Complete(context.Context, provider.Request) (string, error) {
	return "", fmt.Errorf("no LLM provider configured")
}

// initComponents creates all components from config.
func initComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{
		Config: cfg,
		Logger: logger,
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	c.Store = db

	// GitHub client: App installation or personal token.
	switch cfg.GitHub.Auth {
	case "app":
		appID, err := strconv.ParseInt(cfg.GitHub.AppID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing app_id: %w", err)
		}
		installID, err := strconv.ParseInt(cfg.GitHub.InstallationID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing installation_id: %w", err)
		}
		client, err := github.NewGitHubClient(appID, installID, []byte(cfg.GitHub.PrivateKey), cfg.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("creating GitHub client: %w", err)
		}
		c.GHClient = client
	case "token":
		client, err := github.NewTokenClient(cfg.GitHub.Token)
		if err != nil {
			return nil, fmt.Errorf("creating GitHub client: %w", err)
		}
		c.GHClient = client
	}

	// LLM provider.
	switch cfg.Providers.LLM.Type {
	case "openai":
		c.Completer = provider.NewOpenAICompleter(cfg.Providers.LLM.APIKey, cfg.Providers.LLM.Model)
	case "anthropic":
		c.Completer = provider.NewAnthropicCompleter(cfg.Providers.LLM.APIKey, cfg.Providers.LLM.Model)
	case "ollama":
		c.Completer = provider.NewOllamaCompleter(cfg.Providers.LLM.URL, cfg.Providers.LLM.Model)
	case "":
		// No LLM configured; classification degrades to the fallback.
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %q", cfg.Providers.LLM.Type)
	}

	timeout, err := cfg.Defaults.RequestTimeout()
	if err != nil {
		timeout = 30 * time.Second
	}
	completer := c.Completer
	if completer == nil {
		completer = unconfiguredCompleter{}
	}
	c.Classifier = classify.NewClassifier(completer, classify.Options{
		Timeout:            timeout,
		MaxTokens:          cfg.Providers.LLM.MaxTokens,
		Temperature:        cfg.Providers.LLM.Temperature,
		DefaultDestination: cfg.Routing.DefaultDestination,
		DefaultLabels:      cfg.Routing.DefaultLabels,
	})

	c.Dedup = dedup.NewEngine(db, logger, dedup.Options{
		LookbackDays:  cfg.Dedup.LookbackDays,
		EditThreshold: cfg.Dedup.EditThreshold,
		SkipWindow:    time.Duration(cfg.Dedup.SkipEditedWithinHrsN) * time.Hour,
		MaxEntries:    cfg.Dedup.MaxEntries,
	})

	c.Meter = usage.NewMeter(db, logger, cfg.Usage)

	batchWindow, err := cfg.Priority.BatchWindow()
	if err != nil {
		batchWindow = 30 * time.Minute
	}
	c.Priorities = priority.NewProcessor(cfg.Priority, logger, priority.Options{
		ProductionRepos: cfg.Routing.ProductionRepos,
		BatchWindow:     batchWindow,
	})

	c.Broker = pubsub.NewBroker[issue.Event]()

	deps := router.Deps{
		Classifier: c.Classifier,
		Dedup:      c.Dedup,
		Meter:      c.Meter,
		Priorities: c.Priorities,
		Audit:      db,
		Logger:     logger,
	}
	if c.GHClient != nil {
		c.Destinations = github.NewDestinations(c.GHClient)
		c.Boards = github.NewBoards(c.GHClient)
		deps.Destinations = c.Destinations
		deps.Boards = c.Boards
	}
	c.Router = router.New(cfg, deps)

	return c, nil
}

// createNotifier builds a Notifier from config and flag override.
func createNotifier(cfg *config.Config, notifyFlag string) (notify.Notifier, error) {
	switch notifyFlag {
	case "":
		return notify.FromConfig(cfg.Notify), nil
	case "none":
		return nil, nil
	case "slack":
		if cfg.Notify.SlackWebhook == "" {
			return nil, fmt.Errorf("slack requested but notify.slack_webhook is not configured")
		}
		return notify.NewSlackNotifier(cfg.Notify.SlackWebhook), nil
	case "discord":
		if cfg.Notify.DiscordWebhook == "" {
			return nil, fmt.Errorf("discord requested but notify.discord_webhook is not configured")
		}
		return notify.NewDiscordNotifier(cfg.Notify.DiscordWebhook), nil
	case "both":
		if cfg.Notify.SlackWebhook == "" || cfg.Notify.DiscordWebhook == "" {
			return nil, fmt.Errorf("both requested but slack_webhook or discord_webhook is not configured")
		}
		return notify.NewMultiNotifier(
			notify.NewSlackNotifier(cfg.Notify.SlackWebhook),
			notify.NewDiscordNotifier(cfg.Notify.DiscordWebhook),
		), nil
	default:
		return nil, fmt.Errorf("unsupported notify target %q: want slack, discord, both, or none", notifyFlag)
	}
}

// createPoller builds a Poller for the specified source repo.
func createPoller(c *components, owner, repo string) *github.Poller {
	return github.NewPoller(c.GHClient, c.Store, c.Broker, c.Logger, owner, repo)
}
