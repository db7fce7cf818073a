package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"govoracle/internal/api"
	"govoracle/internal/audit"
	"govoracle/internal/config"
	"govoracle/internal/engine"
	"govoracle/internal/ingest"
	"govoracle/internal/metrics"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var reload time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and Kafka review consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, reload)
		},
	}
	cmd.Flags().DurationVar(&reload, "reload-interval", 3*time.Second, "config file poll interval")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, reload time.Duration) error {
	rt, err := opts.open(ctx, os.Stdout)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	m := metrics.NewStore(rt.cfg.Metrics.StoreLimit)
	log := audit.NewLog(rt.cfg.Audit.StoreLimit)
	deps := engine.Deps{
		FP:      rt.stores.FP,
		Consent: rt.stores.Consent,
		Counter: rt.stores.BlockCounter,
		Secrets: rt.stores.Secrets,
		Metrics: m,
		Audit:   log,
		Logger:  logger,
	}
	pub, err := audit.NewKafkaPublisher(rt.cfg.Kafka.Decisions, logger)
	if err != nil {
		return err
	}
	if pub != nil {
		deps.Publisher = pub
		defer pub.Close()
	}
	eng, err := engine.NewEngine(rt.cfg, deps)
	if err != nil {
		return err
	}

	reviews := ingest.NewApplier(rt.stores.FP, logger)
	ingest.StartKafka(ctx, rt.mgr, reviews, logger)
	api.Start(ctx, api.Deps{
		Config:  rt.mgr,
		Engine:  eng,
		Stores:  rt.stores,
		Metrics: m,
		Audit:   log,
		Reviews: reviews,
		Logger:  logger,
		Version: Version,
	})

	stopWatch := make(chan struct{})
	go rt.mgr.Watch(reload, func(cfg *config.Config) {
		if err := eng.UpdateConfig(cfg); err != nil {
			logger.Error("config reload rejected", "err", err)
			return
		}
		logger.Info("config reloaded", "path", rt.mgr.Path(), "rules", len(cfg.Rules))
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	logger.Info("govoracle started", "version", Version, "config", rt.mgr.Path(), "storage", rt.cfg.Storage.Driver)
	<-ctx.Done()
	close(stopWatch)
	logger.Info("govoracle stopping")
	return nil
}
