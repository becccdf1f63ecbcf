package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/cumulus/internal/agent"
	"github.com/oriys/cumulus/internal/backend/localhost"
	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/env"
	"github.com/oriys/cumulus/internal/executor"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/verify"
	"github.com/oriys/cumulus/internal/worker"
)

func main() {
	var (
		configFile  string
		listenAddr  string
		metricsAddr string
		workers     int
		agentID     string
	)

	rootCmd := &cobra.Command{
		Use:          "cumulus-agent",
		Short:        "Run partitions dispatched by a standalone orchestrator",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Localhost.Workers = workers
			}
			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr
			}
			if agentID == "" {
				agentID, _ = os.Hostname()
			}

			if err := observability.Init(ctx, observability.FromConfig(cfg.Tracing, "cumulus-agent")); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())

			en, err := env.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer en.Close()

			pool, err := localhost.New(localhost.Config{
				Workers:     cfg.Localhost.Workers,
				RuntimesDir: cfg.Localhost.RuntimesDir,
			}, executor.WorkerHandler(en, verify.NewTable(), agentID), en.Logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			lis, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listenAddr, err)
			}
			meta := worker.Metadata(cfg.Cumulus.RuntimeMemory, cfg.Cumulus.RuntimeTimeout)
			srv := agent.NewServer(pool, meta, en.Logger.With("agent", agentID))

			var metricsSrv *http.Server
			if metricsAddr != "" {
				metricsSrv = &http.Server{Addr: metricsAddr, Handler: en.Metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						en.Logger.Error("metrics server failed", "error", err)
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(lis) }()

			select {
			case <-ctx.Done():
				en.Logger.Info("agent shutting down")
			case err = <-errCh:
			}
			srv.Stop()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsSrv.Shutdown(shutdownCtx)
			}
			return err
		},
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":7070", "gRPC listen address")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (default metrics.addr)")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "Local worker pool size (default localhost.workers)")
	rootCmd.Flags().StringVar(&agentID, "id", "", "Agent id recorded on every partition (default hostname)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
