// Package app provides the command-line interface for the sjifire-mcp
// server.
package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sjifire/backoffice/pkg/logger"
	"github.com/sjifire/backoffice/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "sjifire-mcp",
	DisableAutoGenTag: true,
	Short:             "Fire-department back-office MCP server",
	Long: `sjifire-mcp serves the SJI Fire & Rescue back-office tools over the
Model Context Protocol. It bridges MCP clients that rely on dynamic client
registration to the department's Entra ID tenant: clients register and
authorize against this server, the server completes the upstream login, and
the tools see the validated directory identity on every request.`,
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

// NewRootCmd creates a new root command for the sjifire-mcp CLI.
func NewRootCmd() *cobra.Command {
	// Every flag can also be set through the environment, e.g.
	// SJIFIRE_ENTRA_CLIENT_SECRET for --entra-client-secret.
	viper.SetEnvPrefix("sjifire")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			fmt.Printf("Version:    %s\n", info.Version)
			fmt.Printf("Commit:     %s\n", info.Commit)
			fmt.Printf("Build date: %s\n", info.BuildDate)
			fmt.Printf("Go version: %s\n", info.GoVersion)
			fmt.Printf("Platform:   %s\n", info.Platform)
		},
	}
}
