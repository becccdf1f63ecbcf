package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/env"
	"github.com/oriys/cumulus/internal/executor"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/verify"
	"github.com/oriys/cumulus/internal/worker"
)

// The worker image entrypoint: a function service forwards invocations to
// POST /invoke. Tasks report through storage, so the process holds no
// state between requests.
func main() {
	var (
		configFile string
		addr       string
		workerID   string
	)

	rootCmd := &cobra.Command{
		Use:          "cumulus-worker",
		Short:        "Serve partition invocations over HTTP",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if port := os.Getenv("PORT"); addr == "" && port != "" {
				addr = ":" + port
			}
			if addr == "" {
				addr = ":8080"
			}

			if err := observability.Init(ctx, observability.FromConfig(cfg.Tracing, "cumulus-worker")); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())

			en, err := env.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer en.Close()

			h := executor.WorkerHandler(en, verify.NewTable(), workerID)
			meta := worker.Metadata(cfg.Cumulus.RuntimeMemory, cfg.Cumulus.RuntimeTimeout)
			return worker.NewServer(h, meta, en.Metrics, en.Logger).ListenAndServe(ctx, addr)
		},
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default :$PORT or :8080)")
	rootCmd.Flags().StringVar(&workerID, "id", "", "Worker id recorded on every partition")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
