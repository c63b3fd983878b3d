package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"

	configPath string
	gatewayURL string
	apiKey     string
)

var rootCmd = &cobra.Command{
	Use:   "copilot-gateway",
	Short: "Anthropic Messages API gateway backed by GitHub Copilot",
	Long: `copilot-gateway serves the Anthropic Messages API and answers it with the
GitHub Copilot completions engine.

Quick Start:
  copilot-gateway serve                 # run the gateway
  copilot-gateway login                 # authorize it with your GitHub account
  copilot-gateway status                # show credential state`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if it exists
		_ = godotenv.Load()
		if apiKey == "" {
			apiKey = os.Getenv("CGW_API_KEY")
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the gateway config file")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "http://localhost:8080", "Base URL of a running gateway")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Client API key for the gateway (default $CGW_API_KEY)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(keygenCmd)
}
