package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "espalier",
	Short: "Espalier is a multi-role agent for bounded engineering tasks",
	Long: `Espalier drives an objective through planning, implementation, evaluation
and critique, executing every action inside a resource-limited sandbox.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "espalier.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")
}

// setup loads the configuration and builds the logger shared by every command.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, io.Closer, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	logger, closer, err := cli.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}
