package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"govoracle/internal/engine"
	"govoracle/internal/model"
)

func NewDecideCommand(rootOpts *RootOptions) *cobra.Command {
	var failOn string
	cmd := &cobra.Command{
		Use:   "decide [request.json]",
		Short: "Evaluate one request and print the decision",
		Long: `Reads a decision request as JSON from the given file, or from stdin
when no file or "-" is given, and prints the decision as JSON.

The exit status is non-zero when the outcome reaches --fail-on.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runDecide(cmd, rootOpts, path, failOn)
		},
	}
	cmd.Flags().StringVar(&failOn, "fail-on", "block", "outcome that fails the command (warn|block|never)")
	return cmd
}

func runDecide(cmd *cobra.Command, opts *RootOptions, path, failOn string) error {
	var threshold int
	switch failOn {
	case "warn":
		threshold = model.OutcomeWarn.Rank()
	case "block":
		threshold = model.OutcomeBlock.Rank()
	case "never":
		threshold = model.OutcomeBlock.Rank() + 1
	default:
		return fmt.Errorf("invalid --fail-on %q", failOn)
	}

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	var req model.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	ctx := cmd.Context()
	rt, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()
	eng, err := engine.NewEngine(rt.cfg, engine.Deps{
		FP:      rt.stores.FP,
		Consent: rt.stores.Consent,
		Counter: rt.stores.BlockCounter,
		Secrets: rt.stores.Secrets,
		Logger:  rt.logger,
	})
	if err != nil {
		return err
	}
	d, err := eng.Decide(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}
	if d.Outcome.Rank() >= threshold {
		return fmt.Errorf("decision %s: %s", d.RequestID, d.Outcome)
	}
	return nil
}
