package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/mornsign-scheduler/internal/config"
	"github.com/example/mornsign-scheduler/internal/logging"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "mornsched",
		Short:        "Schedules and runs Totoro morning check-ins for reserved users",
		SilenceUsage: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newCodesCmd())
	root.AddCommand(newCreditsCmd())
	root.AddCommand(newOperatorCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env and the environment and sets up logging.
func loadConfig() (config.Config, zerolog.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}
