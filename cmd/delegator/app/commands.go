// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the delegator command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/delegator/pkg/config"
	"github.com/stacklok/delegator/pkg/engine"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/versions"
)

// NewRootCmd creates a new root command for the delegator CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "delegator",
		DisableAutoGenTag: true,
		Short:             "Validate bearer tokens and delegate operations to backends as the caller",
		Long: `delegator validates bearer tokens issued by trusted identity providers, derives the
caller's role and identity, and performs operations against SQL, Kerberos and REST
backends on the caller's behalf.

Every validation, token exchange and delegation is recorded in the audit trail.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	if err := viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		logger.Errorf("Error binding log-level flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the delegator configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newExecCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig loads the file named by --config.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}
	logger.Debugf("Loading configuration from: %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate configuration file",
		Long: `Validate the delegator configuration file and build every component it describes.

This command checks:
- YAML syntax validity and environment overrides
- Trusted issuers (asymmetric algorithms, HTTPS key sets outside development mode)
- Role mappings, including custom role matchers
- Authorization policies
- Secret references and module settings, by initializing every configured module`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			e, err := engine.FromConfig(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			defer func() {
				if err := e.Close(cmd.Context()); err != nil {
					logger.Warnf("Failed to release components: %v", err)
				}
			}()

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Configuration is valid")
			_, _ = fmt.Fprintf(out, "  Issuers: %d\n", len(cfg.Issuers))
			for _, mc := range cfg.Modules.All() {
				_, _ = fmt.Fprintf(out, "  Module: %s (%s)\n", mc.Name, mc.Type)
			}
			_, _ = fmt.Fprintf(out, "  Authorization policies: %d\n", len(cfg.Authz.Policies))
			_, _ = fmt.Fprintf(out, "  Token cache: %t\n", cfg.Cache.Enabled)
			_, _ = fmt.Fprintf(out, "  Audit: %t (%s)\n", cfg.Audit.Enabled, cfg.Audit.Sink)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the health of every configured module",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := engine.FromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(cmd.Context()) }()

			health := e.Health(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), health); err != nil {
				return err
			}

			var unhealthy []string
			for name, ok := range health {
				if !ok {
					unhealthy = append(unhealthy, name)
				}
			}
			if len(unhealthy) > 0 {
				sort.Strings(unhealthy)
				return fmt.Errorf("unhealthy modules: %v", unhealthy)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of delegator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "delegator %s\n", info.Version)
			_, _ = fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			_, _ = fmt.Fprintf(out, "Built: %s\n", info.BuildDate)
			_, _ = fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			_, _ = fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
