package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eventsync/internal/config"
	"github.com/roach88/eventsync/internal/metrics"
	"github.com/roach88/eventsync/internal/session"
	"github.com/roach88/eventsync/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen    string
	DataDir   string
	LogFormat string
	NoMetrics bool

	// OnListen is called with the bound address once the listener is open
	// (for testing).
	OnListen func(addr net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		Long: `Run the replication server until interrupted.

Settings come from the config file named by --config, or the defaults;
flags given on the command line override both. Each public key gets its
own SQLite file under the data directory.

Endpoints:
  GET /         health check
  GET /sync     websocket upgrade, ?publicKey=<key>
  GET /metrics  Prometheus metrics (unless --no-metrics)

Examples:
  eventsync serve
  eventsync serve --listen :9000 --data-dir /var/lib/eventsync
  eventsync serve --config eventsync.yaml --log-format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config, :8787)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory holding partition files (default from config, ./data)")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")
	cmd.Flags().BoolVar(&opts.NoMetrics, "no-metrics", false, "do not serve /metrics")

	return cmd
}

// serveConfig applies flag overrides to the loaded config.
func (o *ServeOptions) serveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = o.Listen
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = o.DataDir
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.serveConfig(cmd)
	if err != nil {
		return opts.formatter(cmd).Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}

	logger := cfg.Log.NewLogger(cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(logger)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions, err := session.NewRegistry(session.RegistryOptions{
		DataDir:    cfg.DataDir,
		IdleActors: cfg.IdleActors,
		Session: session.Config{
			Reassembly: cfg.ReassemblerConfig(),
			Logger:     logger,
		},
	})
	if err != nil {
		return opts.formatter(cmd).Fail(ExitCommandError, ErrCodeStorage, "failed to open data dir", err)
	}

	var metricsHandler http.Handler
	if !opts.NoMetrics {
		metricsHandler = metrics.Handler(metrics.NewRegistry())
	}
	server := transport.NewServer(sessions, transport.Options{
		IdleTimeout:  time.Duration(cfg.IdleTimeout),
		WriteTimeout: time.Duration(cfg.WriteTimeout),
		Metrics:      metricsHandler,
		Logger:       logger,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		sessions.Close()
		return opts.formatter(cmd).Fail(ExitCommandError, ErrCodeConfig, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.WriteTimeout),
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	logger.Info("server listening",
		"addr", ln.Addr().String(),
		"data_dir", cfg.DataDir,
		"idle_timeout", cfg.IdleTimeout.String(),
		"idle_actors", cfg.IdleActors,
		"reassembly_max_bytes", humanize.IBytes(uint64(cfg.Reassembly.MaxBytes)),
		"metrics", !opts.NoMetrics,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.WriteTimeout))
		defer cancel()
		// Websockets are hijacked, so Shutdown leaves them to the sessions.
		return errors.Join(httpSrv.Shutdown(shutdownCtx), sessions.Close())
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
