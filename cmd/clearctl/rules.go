package main

import (
	"github.com/spf13/cobra"

	"github.com/opensource-finance/clearance/internal/registry"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rulebooks",
	}
	cmd.AddCommand(newRulesValidateCmd(), newRulesShowCmd())
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rulebook.yaml>",
		Short: "Check a rulebook against the schema and rule kinds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.LoadFile(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"valid":   true,
				"version": reg.Version(),
				"digest":  reg.Digest(),
				"rules":   len(reg.Rules()),
			})
		},
	}
}

func newRulesShowCmd() *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the active rules, thresholds and confidence bands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.LoadFile(rulesFile)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"version":    reg.Version(),
				"digest":     reg.Digest(),
				"source":     reg.Source(),
				"thresholds": reg.Thresholds(),
				"confidence": reg.Confidence(),
				"rules":      reg.Definitions(),
			})
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "rulebook file (default: embedded rulebook)")
	return cmd
}
