package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/clearance/internal/assessor"
	"github.com/opensource-finance/clearance/internal/audit"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/procedure"
	"github.com/opensource-finance/clearance/internal/registry"
	"github.com/opensource-finance/clearance/internal/rules"
)

type assessOptions struct {
	rulesFile      string
	proceduresFile string
	checklist      bool
}

type assessOutput struct {
	InputDigest string                 `json:"inputDigest"`
	Assessment  *domain.RiskAssessment `json:"assessment,omitempty"`
	Checks      []domain.Finding       `json:"checks,omitempty"`
}

func newAssessCmd() *cobra.Command {
	var opts assessOptions

	cmd := &cobra.Command{
		Use:   "assess <input.json>",
		Short: "Assess a document set",
		Long: `Assess reads a request of the same shape as POST /assess and prints the
risk assessment. Use "-" to read from stdin.

Examples:
  clearctl assess filing.json
  clearctl assess filing.json --rules rulebook.yaml --checklist`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssess(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.rulesFile, "rules", "", "rulebook file (default: embedded rulebook)")
	cmd.Flags().StringVar(&opts.proceduresFile, "procedures", "", "procedure catalog file (default: embedded catalog)")
	cmd.Flags().BoolVar(&opts.checklist, "checklist", false, "report every rule, including those that passed")
	return cmd
}

func runAssess(cmd *cobra.Command, path string, opts assessOptions) error {
	reg, err := registry.LoadFile(opts.rulesFile)
	if err != nil {
		return err
	}
	catalog, err := procedure.LoadFile(opts.proceduresFile)
	if err != nil {
		return err
	}

	req, err := readRequest(cmd, path)
	if err != nil {
		return err
	}

	in, err := assessor.BuildInput(catalog, req)
	if err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}
	digest, err := audit.InputDigest(in)
	if err != nil {
		return err
	}

	engine := rules.NewEngine(0)
	out := assessOutput{InputDigest: digest}
	if opts.checklist {
		out.Checks, err = assessor.Checklist(reg, engine, in)
	} else {
		out.Assessment, err = assessor.Evaluate(reg, engine, in)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func readRequest(cmd *cobra.Command, path string) (*assessor.Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var req assessor.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &domain.InputError{Reason: "request is not valid JSON", Err: err}
	}
	return &req, nil
}
