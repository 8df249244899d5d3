package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/ent0n29/versecraft/internal/app"
	"github.com/ent0n29/versecraft/internal/config"
	"github.com/ent0n29/versecraft/internal/log"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, task runner and sweepers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(root.configFile)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, root.stderr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, seedFile, logger)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "YAML poem file loaded into the repository before serving")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, seedFile string, logger log.Logger) error {
	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := res.Cleanup(cleanupCtx); err != nil {
			logger.Errorf("cleanup failed: %v", err)
		}
	}()

	if seedFile != "" {
		n, err := seedPoems(ctx, res.Repository, seedFile)
		if err != nil {
			return err
		}
		logger.Infof("seeded %d poems from %s", n, seedFile)
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Infof("termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP API.
	{
		srv, stopRequests := newHTTPServer(ctx, cfg.BindAddr, res.API.Router())
		g.Add(
			func() error {
				logger.Infof("listening on %s", cfg.BindAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			},
			func(_ error) {
				if err := shutdownHTTP(srv, stopRequests, cfg.ShutdownTimeout); err != nil {
					logger.Warningf("http shutdown: %v", err)
				}
			},
		)
	}

	// Finished task retention.
	{
		sweepCtx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				every(sweepCtx, cfg.TaskSweepInterval, func() {
					if n := res.TaskService.SweepFinished(); n > 0 {
						logger.Debugf("swept %d finished tasks", n)
					}
				})
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Manual session expiry.
	{
		sweepCtx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				every(sweepCtx, cfg.SessionSweepInterval, func() {
					if n := res.Sessions.CleanupExpired(cfg.SessionMaxAge); n > 0 {
						logger.Infof("removed %d expired manual sessions", n)
					}
				})
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// newHTTPServer returns a server whose request contexts all derive from one
// base context. The returned func cancels it, which ends SSE and websocket
// streams so Shutdown does not wait on them.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) (*http.Server, context.CancelFunc) {
	baseCtx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return srv, cancel
}

func shutdownHTTP(srv *http.Server, stopRequests context.CancelFunc, timeout time.Duration) error {
	stopRequests()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
