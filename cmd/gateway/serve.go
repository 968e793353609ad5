package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gateway "github.com/goliatone/go-gateway"
	"github.com/goliatone/go-gateway/adapters/gojob"
	"github.com/goliatone/go-gateway/transport"
	"github.com/goliatone/go-gateway/transport/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func serveCmd(opts *cliOptions) *cobra.Command {
	var (
		addr            string
		refreshInterval time.Duration
		refreshLead     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnostics server and the proactive refresh loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			recorder := transport.NewPrometheusRecorder(registry)

			rt, err := opts.open(ctx, cmd.OutOrStdout(), gateway.WithMetricsRecorder(recorder))
			if err != nil {
				return err
			}
			defer rt.close()

			server := &http.Server{
				Addr: addr,
				Handler: httpapi.NewServer(rt.service,
					httpapi.WithLogger(rt.logger.Named("http")),
					httpapi.WithGatherer(registry),
				),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if refreshInterval > 0 {
				jobLogger := rt.logger.Named("refresh")
				refreshQueue := gojob.NewLocalQueue(0, gojob.WithQueueLogger(jobLogger))
				defer refreshQueue.Close()
				refreshWorker, err := gojob.NewRefreshWorker(refreshQueue, rt.service,
					gojob.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 2 * time.Minute, DeadLetterOnMax: true},
					jobLogger,
				)
				if err != nil {
					return err
				}
				loop := gojob.RefreshLoop{
					Planner:  gojob.RefreshPlanner{Source: rt.service, Lead: refreshLead},
					Enqueuer: refreshQueue,
					Worker:   refreshWorker,
					Interval: refreshInterval,
					Logger:   jobLogger,
				}
				go func() {
					if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						jobLogger.Error("refresh loop stopped", "error", err)
					}
				}()
			}

			errs := make(chan error, 1)
			go func() {
				rt.logger.Info("diagnostics server listening", "addr", addr)
				errs <- server.ListenAndServe()
			}()

			select {
			case err := <-errs:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("gateway: serve: %w", err)
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().DurationVar(&refreshInterval, "refresh-interval", time.Minute, "proactive refresh planning interval, 0 disables")
	cmd.Flags().DurationVar(&refreshLead, "refresh-lead", 5*time.Minute, "refresh tokens expiring within this window")
	return cmd
}
