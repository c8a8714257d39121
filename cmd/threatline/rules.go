package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"threatline/internal/config"
	"threatline/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect correlation rules",
	}
	cmd.AddCommand(newRulesValidateCmd())
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Load rule files and report errors",
		Long: "Loads the given rule files or directories, or the configured rule paths " +
			"when none are given, and reports the first error found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				paths = cfg.Rules.Paths
				if !cmd.Flags().Changed("match-timeout") {
					timeout = cfg.Rules.MatchTimeout
				}
			}

			var (
				snap *rules.Snapshot
				err  error
			)
			loader := rules.NewLoader(timeout)
			if len(paths) == 0 {
				snap, err = loader.FromRules(rules.Defaults())
			} else {
				snap, err = loader.LoadPaths(paths)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, r := range snap.Rules() {
				state := "enabled"
				if !r.IsEnabled() {
					state = "disabled"
				}
				if r.Temporal() {
					fmt.Fprintf(out, "%-28s %-8s %-8s %d in %s\n", r.ID, r.Severity, state, r.Threshold, r.Window())
				} else {
					fmt.Fprintf(out, "%-28s %-8s %-8s single event\n", r.ID, r.Severity, state)
				}
			}
			fmt.Fprintf(out, "%d rules OK\n", snap.Len())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "match-timeout", rules.DefaultMatchTimeout, "per-pattern match timeout")
	return cmd
}
