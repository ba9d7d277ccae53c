package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup for dispatch configuration",
	Long:  `Creates a starter configuration file with guided prompts.`,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Welcome to dispatch setup!")
	fmt.Println("This will create a configuration file for you.")
	fmt.Println()

	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config file already exists at %s\n", configPath)
		fmt.Print("Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Print("GitHub auth mode (token/app) [token]: ")
	authMode, _ := reader.ReadString('\n')
	authMode = strings.TrimSpace(authMode)
	if authMode == "" {
		authMode = "token"
	}

	var appID, keyPath string
	if authMode == "app" {
		fmt.Print("GitHub App ID (or press Enter to skip): ")
		appID, _ = reader.ReadString('\n')
		appID = strings.TrimSpace(appID)

		fmt.Print("GitHub private key path (or press Enter to skip): ")
		keyPath, _ = reader.ReadString('\n')
		keyPath = strings.TrimSpace(keyPath)
	}

	fmt.Print("LLM provider (openai/ollama/anthropic) [anthropic]: ")
	llmProvider, _ := reader.ReadString('\n')
	llmProvider = strings.TrimSpace(llmProvider)
	if llmProvider == "" {
		llmProvider = "anthropic"
	}

	fmt.Print("Default destination repo (owner/repo): ")
	defaultDest, _ := reader.ReadString('\n')
	defaultDest = strings.TrimSpace(defaultDest)

	fmt.Print("Slack webhook URL (or press Enter to skip): ")
	slackURL, _ := reader.ReadString('\n')
	slackURL = strings.TrimSpace(slackURL)

	fmt.Print("Discord webhook URL (or press Enter to skip): ")
	discordURL, _ := reader.ReadString('\n')
	discordURL = strings.TrimSpace(discordURL)

	config := buildConfigYAML(authMode, appID, keyPath, llmProvider, defaultDest, slackURL, discordURL)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", configPath)
	fmt.Println("Edit the file to add API keys, destinations, and routing rules.")
	return nil
}

func buildConfigYAML(authMode, appID, keyPath, llmProvider, defaultDest, slackURL, discordURL string) string {
	var b strings.Builder

	b.WriteString("# dispatch configuration\n")
	b.WriteString("# See documentation for all available options.\n\n")

	b.WriteString("github:\n")
	b.WriteString(fmt.Sprintf("  auth: %s\n", authMode))
	if authMode == "app" {
		if appID != "" {
			b.WriteString(fmt.Sprintf("  app_id: %q\n", appID))
		} else {
			b.WriteString("  # app_id: YOUR_APP_ID\n")
		}
		b.WriteString("  # installation_id: YOUR_INSTALLATION_ID\n")
		if keyPath != "" {
			b.WriteString(fmt.Sprintf("  private_key_path: %s\n", keyPath))
		} else {
			b.WriteString("  # private_key_path: /path/to/private-key.pem\n")
		}
	} else {
		b.WriteString("  token: ${GITHUB_TOKEN}\n")
	}
	b.WriteString("\n")

	b.WriteString("providers:\n")
	b.WriteString("  llm:\n")
	b.WriteString(fmt.Sprintf("    type: %s\n", llmProvider))
	llmModel, llmAPIKey := llmProviderDefaults(llmProvider)
	b.WriteString(fmt.Sprintf("    model: %s\n", llmModel))
	b.WriteString(fmt.Sprintf("    api_key: %s\n", llmAPIKey))
	b.WriteString("\n")

	b.WriteString("routing:\n")
	if defaultDest != "" {
		b.WriteString(fmt.Sprintf("  default_destination: %s\n", defaultDest))
	} else {
		b.WriteString("  # default_destination: owner/inbox\n")
	}
	b.WriteString("  default_labels: [needs-triage]\n")
	b.WriteString("  # org_context: |\n")
	b.WriteString("  #   We build a sync platform. Backend is Go, clients are Swift.\n")
	b.WriteString("  destinations:\n")
	if defaultDest != "" {
		b.WriteString(fmt.Sprintf("    - name: %s\n", defaultDest))
		b.WriteString("      description: Catch-all inbox\n")
	} else {
		b.WriteString("    # - name: owner/backend\n")
		b.WriteString("    #   description: API server and storage layer\n")
		b.WriteString("    #   labels: [bug, api, performance]\n")
	}
	b.WriteString("  rules:\n")
	b.WriteString("    # - name: crash-reports\n")
	b.WriteString("    #   when:\n")
	b.WriteString("    #     keywords: [crash, panic]\n")
	b.WriteString("    #   route:\n")
	b.WriteString("    #     repo: owner/backend\n")
	b.WriteString("    #     labels: [bug, crash]\n")
	b.WriteString("    #     priority: high\n")
	b.WriteString("\n")

	b.WriteString("notify:\n")
	if slackURL != "" {
		b.WriteString(fmt.Sprintf("  slack_webhook: %s\n", slackURL))
	} else {
		b.WriteString("  # slack_webhook: https://hooks.slack.com/services/...\n")
	}
	if discordURL != "" {
		b.WriteString(fmt.Sprintf("  discord_webhook: %s\n", discordURL))
	} else {
		b.WriteString("  # discord_webhook: https://discord.com/api/webhooks/...\n")
	}
	b.WriteString("\n")

	b.WriteString("defaults:\n")
	b.WriteString("  poll_interval: 5m\n")
	b.WriteString("  request_timeout: 30s\n")
	b.WriteString("\n")

	b.WriteString("usage:\n")
	b.WriteString("  daily:\n")
	b.WriteString("    calls: 200\n")
	b.WriteString("    cost_usd: 5.0\n")
	b.WriteString("  monthly:\n")
	b.WriteString("    cost_usd: 50.0\n")
	b.WriteString("  input_rate_per_1k: 0.003\n")
	b.WriteString("  output_rate_per_1k: 0.015\n")
	b.WriteString("\n")

	b.WriteString("# board:\n")
	b.WriteString("#   org: your-org\n")
	b.WriteString("#   number: 1\n")
	b.WriteString("\n")

	b.WriteString("store:\n")
	b.WriteString("  path: ~/.dispatch/dispatch.db\n")

	return b.String()
}

// llmProviderDefaults returns the default model and api_key placeholder
// for the given LLM provider type.
func llmProviderDefaults(provider string) (model, apiKey string) {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-20250514", "${ANTHROPIC_API_KEY}"
	case "ollama":
		return "llama3", "# not required for ollama"
	default: // openai
		return "gpt-4o-mini", "${OPENAI_API_KEY}"
	}
}
