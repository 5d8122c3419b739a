package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/geffzhang/weyhdbot/internal/config"
	"github.com/geffzhang/weyhdbot/internal/logger"
	"github.com/geffzhang/weyhdbot/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "weyhdbot",
		Short:         "Bridge a WeChat official account to a Direct Line bot relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: $CONFIG_PATH or config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(menuCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}

// loadConfig loads the configuration and installs the process logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, logger.L, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "weyhdbot", version.GetInfo())
		},
	}
}
