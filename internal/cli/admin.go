package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"govoracle/internal/api"
	"govoracle/internal/calibration"
	"govoracle/internal/config"
	"govoracle/internal/ingest"
)

func NewRotateNonceCommand(rootOpts *RootOptions) *cobra.Command {
	var value, source string
	cmd := &cobra.Command{
		Use:   "rotate-nonce",
		Short: "Store a new nonce version",
		Long:  "Appends a nonce version to the secret store. A random value is generated when --value is empty. The previous version stays valid for verification.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := rootOpts.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := api.RotateNonce(ctx, rt.stores.Secrets, value, source)
			if err != nil {
				return err
			}
			rt.logger.Info("nonce rotated", "version", n.Version, "source", n.Source)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "nonce version %d (%s)\n", n.Version, n.Source)
			return err
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "nonce value; generated when empty")
	cmd.Flags().StringVar(&source, "source", "cli", "rotation source recorded with the version")
	return cmd
}

func NewImportReviewsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-reviews <file>",
		Short: "Mark events as false positives from a review export",
		Long:  "Reads one review per line (JSON, CSV or key=value with event_id, reviewer and ticket) and marks each event.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := rootOpts.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			res, err := ingest.ImportFile(ctx, args[0], ingest.NewApplier(rt.stores.FP, rt.logger), rt.logger)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d reviews failed", res.Failed, res.Failed+res.Accepted)
			}
			return nil
		},
	}
}

func NewCalibrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate <rule-id>",
		Short: "Print the k-anonymous false-positive aggregate for a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := rootOpts.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			agg := calibration.NewAggregator(rt.stores.FP, rt.cfg.Calibration.K, rt.logger)
			res, err := agg.AggregateFPsByRule(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, res)
		},
	}
}

func NewInitConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a default config file (yaml, or json by extension)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			cfg.Rules = []config.RuleConfig{{
				ID:         "secrets.aws-access-key",
				Version:    "1",
				Severity:   "block",
				Categories: []string{"file"},
				Pattern:    `AKIA[0-9A-Z]{16}`,
				Message:    "AWS access key id committed",
			}}
			if err := config.Save(args[0], cfg); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return err
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
