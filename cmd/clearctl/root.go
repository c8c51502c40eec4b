package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clearctl",
		Short: "Validate customs document sets and inspect rulebooks",
		Long: `clearctl runs the clearance rule engine locally, without a server.

It reads extracted documents as JSON, evaluates them against a rulebook and
prints the risk assessment. Output is always JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newAssessCmd(), newRulesCmd())
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
