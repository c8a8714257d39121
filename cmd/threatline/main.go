// Command threatline runs the correlation engine and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"threatline/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "threatline",
		Short:         "Rule-based security event correlation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				os.Setenv(config.EnvConfigPath, configPath)
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("config file (default $%s or %s)", config.EnvConfigPath, config.DefaultConfigPath))

	root.AddCommand(newServeCmd(), newRulesCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threatline %s (%s)\n", version, commit)
		},
	}
}
