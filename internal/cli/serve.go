package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/timeledger/internal/api"
	"github.com/roach88/timeledger/internal/ingest/kafkaingest"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr        string
	NoRecover   bool
	AccessLog   bool
	ShutdownFor time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, periodic resolver and optional Kafka consumer",
		Long: `Run the tracker as a service.

On start, sessions left OPEN by a previous process are closed with
SYSTEM_RECOVERY at their last activity, unless --no-recover is set. The
resolver then runs every resolve_interval. When kafka.brokers is set, events
are also consumed from kafka.topic.

Examples:
  timeledger serve --config timeledger.yaml
  TIMELEDGER_HTTP_ADDR=:9090 timeledger serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&opts.NoRecover, "no-recover", false, "skip startup recovery of OPEN sessions")
	cmd.Flags().BoolVar(&opts.AccessLog, "access-log", false, "write combined access logs to stderr")
	cmd.Flags().DurationVar(&opts.ShutdownFor, "shutdown-timeout", 15*time.Second, "graceful shutdown limit")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	startedAt := time.Now()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr(), cfg)
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := openApp(ctx, cfg, logger, reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open tracker", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close tracker", "error", err)
		}
	}()

	if !opts.NoRecover {
		stats, err := a.tracker.Recover(ctx, startedAt)
		if err != nil {
			return WrapExitError(ExitCommandError, "recover open sessions", err)
		}
		logger.Info("startup recovery finished", "recovered", stats.Recovered)
	}

	serverOpts := []api.Option{
		api.WithHealthCheck(a.healthCheck),
		api.WithGatherer(reg),
		api.WithRecorder(a.metrics),
		api.WithLocation(a.tracker.Settings().Location),
		api.WithLogger(logger.With("component", "api")),
	}
	if opts.AccessLog {
		serverOpts = append(serverOpts, api.WithAccessLog(cmd.ErrOrStderr()))
	}
	srv := api.New(a.tracker, serverOpts...).NewHTTPServer(cfg.HTTP.Addr)

	var (
		reader   *kafka.Reader
		consumer *kafkaingest.Consumer
	)
	if cfg.KafkaEnabled() {
		reader, err = kafkaingest.NewReader(kafkaingest.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.Group,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "kafka reader", err)
		}
		consumer = kafkaingest.New(reader, a.tracker,
			kafkaingest.WithReorder(cfg.ReorderWindow, cfg.ReorderMax),
			kafkaingest.WithRecorder(a.metrics),
			kafkaingest.WithLogger(logger.With("component", "kafka", "topic", cfg.Kafka.Topic)),
		)
	}

	a.tracker.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), opts.ShutdownFor)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if consumer != nil {
		g.Go(func() error {
			defer reader.Close()
			return consumer.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("shutdown complete")
	return nil
}
