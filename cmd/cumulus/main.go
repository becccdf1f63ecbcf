package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/env"
	"github.com/oriys/cumulus/internal/executor"
	"github.com/oriys/cumulus/internal/observability"
	"github.com/oriys/cumulus/internal/verify"
)

var (
	configFile  string
	modeFlag    string
	backendFlag string
	debug       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cumulus",
		Short: "Cumulus - map/reduce over serverless, standalone and local compute",
		Long:  "Run Go functions at scale on a compute backend, exchanging data through object storage",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return observability.Init(cmd.Context(), observability.FromConfig(cfg.Tracing, ""))
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return observability.Shutdown(context.Background())
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&modeFlag, "mode", "m", "", "Execution mode (localhost, standalone, serverless)")
	rootCmd.PersistentFlags().StringVarP(&backendFlag, "backend", "b", "", "Compute backend name")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug logging")

	rootCmd.AddCommand(
		cleanCmd(),
		testCmd(),
		verifyCmd(),
		logsCmd(),
		runtimeCmd(),
		backendsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if modeFlag != "" {
		cfg.Cumulus.Mode = modeFlag
	}
	if backendFlag != "" {
		switch cfg.Mode() {
		case domain.ModeStandalone:
			cfg.Standalone.Backend = backendFlag
		case domain.ModeServerless:
			cfg.Serverless.Backend = backendFlag
		}
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// session is one configured orchestrator: its env and an executor over the
// verification function table.
type session struct {
	env *env.Env
	ex  *executor.Executor
}

// openSession builds the env and the executor. Each with func contributes
// an executor option that needs the env.
func openSession(ctx context.Context, with ...func(*env.Env) executor.Option) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	en, err := env.New(ctx, cfg, env.WithConsole(os.Stdout))
	if err != nil {
		return nil, err
	}
	opts := make([]executor.Option, 0, len(with))
	for _, w := range with {
		opts = append(opts, w(en))
	}
	ex, err := executor.New(ctx, en, verify.NewTable(), opts...)
	if err != nil {
		en.Close()
		return nil, err
	}
	return &session{env: en, ex: ex}, nil
}

func (s *session) Close() error {
	err := s.ex.Close()
	if cerr := s.env.Close(); err == nil {
		err = cerr
	}
	return err
}
