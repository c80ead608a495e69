// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/store"
)

func newValidateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml]",
		Short: "Check a pipeline definition without running it",
		Long: `Check a pipeline definition without running it.

With no argument the definition named by --pipeline or
pipeline.definition_file is checked, or the built-in pipeline when neither
is set. Exit status is 2 when the definition is invalid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				def *pipeline.Definition
				err error
			)
			if len(args) == 1 {
				def, err = pipeline.LoadDefinitionFile(args[0])
				if err != nil {
					return usageError(err)
				}
			} else {
				cfg, closeLog, err := root.setup(false)
				if err != nil {
					return err
				}
				defer closeLog()
				if def, err = root.definition(cfg); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ %s: %d stages, trigger branch %s\n", def.Name, len(def.Stages), def.TriggerBranch())
			for i, s := range def.Stages {
				line := fmt.Sprintf("  %d. %-12s %-13s", i+1, s.Name, s.Kind)
				if len(s.Command) > 0 {
					line += " " + strings.Join(s.Command, " ")
				}
				if s.Image != "" {
					line += " (in " + s.Image + ")"
				}
				if s.Timeout > 0 {
					line += fmt.Sprintf(" timeout %s", s.Timeout)
				}
				fmt.Fprintln(out, strings.TrimRight(line, " "))
			}
			return nil
		},
	}
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the run store tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := root.setup(false)
			if err != nil {
				return err
			}
			defer closeLog()

			out := cmd.OutOrStdout()
			st, err := store.Open(&cfg.Database)
			if err != nil {
				return failure(err)
			}
			defer st.Close()

			fmt.Fprintln(out, "🚀 Starting database migration...")
			fmt.Fprintf(out, "Driver: %s\n", cfg.Database.Driver)

			if err := st.AutoMigrate(); err != nil {
				return failure(fmt.Errorf("migration failed: %w", err))
			}
			fmt.Fprintln(out, "✅ Database migration completed successfully!")

			if err := st.ValidateSchema(); err != nil {
				return failure(fmt.Errorf("schema validation failed after migration: %w", err))
			}
			fmt.Fprintln(out, "✅ Schema validation passed - database is ready to use!")
			return nil
		},
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version:   Version,
				Commit:    Commit,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, info)
			}
			fmt.Fprintf(out, "%s version %s (commit %s, %s, %s)\n", appName, info.Version, info.Commit, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output version information as JSON")
	return cmd
}
