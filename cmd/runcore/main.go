package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/orchestrator"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

const version = "0.1.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "runcore",
		Short: "runcore - durable run orchestration for agent tasks",
		Long: `runcore drives agent runs through planning, tool execution and completion
on top of durable queues, a credit ledger and a transactional outbox.
Command output is JSON (pipe through jq for human-readable formatting).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getDefaultConfig(), "Path to configuration file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDLQCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newLedgerCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func getDefaultConfig() string {
	if path := os.Getenv("RUNCORE_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadConfigFromFile(configPath)
}

// openOrchestrator builds an orchestrator for a one-shot command. The event
// bus and Temporal stay off: only serve runs background work.
func openOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.NATS.Enabled = false
	cfg.Temporal.Enabled = false
	cfg.Logging.Level = "warn"

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(ctx, cfg, orchestrator.Deps{}, logger, nil)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
