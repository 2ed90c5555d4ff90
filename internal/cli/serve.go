package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/caseguide/internal/analytics"
)

const shutdownTimeout = 15 * time.Second

// ServeOptions holds serve command flags.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API together with the workflow runner, artifact
cleanup and resource sampling. Executions left running by a previous
process are resumed on start.

Example:
  caseguide serve --config ./caseguide.yaml
  caseguide serve --addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, err := opts.loadConfig(f)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to open database", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	if _, err := a.runner.Recover(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to recover executions", err)
	}

	apiServer := a.server()
	srv := apiServer.HTTPServer(cfg.Server.Addr, cfg.GetReadTimeout(), cfg.GetWriteTimeout(), cfg.Server.H2C)
	sampler := analytics.NewSampler(a.analytics, a.store.DB(), filepath.Dir(cfg.Database.Path))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runner.Run(gctx) })
	g.Go(func() error {
		a.artifacts.RunCleanup(gctx, cfg.GetArtifactCleanupInterval())
		return nil
	})
	g.Go(func() error {
		sampler.Run(gctx, cfg.GetSampleInterval())
		return nil
	})
	g.Go(func() error {
		a.metrics.Run(gctx, cfg.GetStreamInterval())
		return nil
	})
	g.Go(func() error {
		apiServer.RunSweeper(gctx, cfg.GetRateLimitWindow())
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "h2c", cfg.Server.H2C)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "server error", err)
	}
	logger.Info("stopped gracefully")
	return nil
}
