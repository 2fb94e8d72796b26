// Package cmd provides the CLI commands for medlit.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/medlit/medlit/pkg/version"
)

var (
	configPath string
	logLevel   string
)

// NewRootCmd creates the root command for the medlit CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medlit",
		Short: "Biomedical literature retrieval service",
		Long: `medlit ingests biomedical literature, chunks and indexes it for
hybrid lexical + vector search, and serves quality-aware retrieval
tools over HTTP and MCP.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("medlit version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
