package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"govoracle/internal/config"
	"govoracle/internal/logging"
	"govoracle/internal/storage"
)

// Version is set at build time.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

var validLevels = []string{"", "debug", "info", "warn", "error"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "govoracle",
		Short: "Governance decision oracle",
		Long:  "Evaluates change artifacts against L0 invariants and configured rules, with false-positive feedback, consent gating and circuit breaking.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, l := range validLevels {
				if strings.EqualFold(opts.LogLevel, l) {
					return nil
				}
			}
			return fmt.Errorf("invalid log level %q", opts.LogLevel)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml or json); defaults apply when empty")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log_level from config (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDecideCommand(opts))
	cmd.AddCommand(NewRotateNonceCommand(opts))
	cmd.AddCommand(NewImportReviewsCommand(opts))
	cmd.AddCommand(NewCalibrateCommand(opts))
	cmd.AddCommand(NewInitConfigCommand())

	return cmd
}

func (o *RootOptions) manager() (*config.Manager, error) {
	if o.ConfigPath == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(o.ConfigPath))
}

func (o *RootOptions) logger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	return logging.New(w, level)
}

// runtime is what every command needs: configuration, a logger and open
// stores.
type runtime struct {
	mgr    *config.Manager
	cfg    *config.Config
	logger *slog.Logger
	stores *storage.Backends
}

func (o *RootOptions) open(ctx context.Context, logOut io.Writer) (*runtime, error) {
	mgr, err := o.manager()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := o.logger(logOut, cfg)
	stores, err := storage.Open(ctx, cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &runtime{mgr: mgr, cfg: cfg, logger: logger, stores: stores}, nil
}

func (rt *runtime) Close() error {
	return rt.stores.Close()
}
