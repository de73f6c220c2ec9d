package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/config"
)

// Version is stamped by the build; "dev" means a local binary.
var Version = "dev"

var cfg *config.Config

func main() {
	rootCmd := &cobra.Command{
		Use:   "quarry",
		Short: "Quarry - self-hosted LLM gateway",
		Long: `Quarry is a self-hosted gateway in front of local and hosted LLM
providers. It stores conversations in PostgreSQL, streams responses
over SSE, and persists finished turns through a Redis-backed worker.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		workerCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd prints the effective configuration with secrets masked.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Server:")
			fmt.Printf("  Host: %s\n", cfg.Server.Host)
			fmt.Printf("  Port: %d\n", cfg.Server.Port)
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  URL:       %s\n", maskSecret(cfg.Database.URL))
			fmt.Printf("  Max conns: %d\n", cfg.Database.MaxConns)
			fmt.Println()

			fmt.Println("Redis:")
			fmt.Printf("  Addr: %s\n", cfg.Redis.Addr)
			fmt.Printf("  DB:   %d\n", cfg.Redis.DB)
			fmt.Println()

			fmt.Println("JWT:")
			fmt.Printf("  Issuer:   %s\n", cfg.JWT.Issuer)
			fmt.Printf("  Audience: %s\n", cfg.JWT.Audience)
			fmt.Printf("  JWKS URL: %s\n", cfg.JWT.JWKSURL)
			fmt.Println()

			fmt.Println("Providers:")
			fmt.Printf("  Local:     %s (enabled: %v)\n", cfg.Providers.Local.BaseURL, cfg.Providers.Local.Enabled)
			fmt.Printf("  OpenAI:    enabled: %v, key: %s\n", cfg.Providers.OpenAI.Enabled, maskSecret(cfg.Providers.OpenAI.APIKey))
			fmt.Printf("  Anthropic: enabled: %v, key: %s\n", cfg.Providers.Anthropic.Enabled, maskSecret(cfg.Providers.Anthropic.APIKey))
			fmt.Println()

			fmt.Println("Stream:")
			fmt.Printf("  Session TTL:   %ds\n", cfg.Stream.SessionTTLSeconds)
			fmt.Printf("  Wallclock cap: %ds\n", cfg.Stream.WallclockCapSeconds)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quarry %s\n", Version)
		},
	}
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
