package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/cumulus/internal/backend"
	"github.com/oriys/cumulus/internal/logging"
	"github.com/oriys/cumulus/internal/verify"
)

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete every runtime, job object and local cache of the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ex.CleanAll(ctx); err != nil {
				return err
			}
			fmt.Printf("Cleaned backend %s\n", s.ex.Backend().Name())
			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run a hello world function on the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			greeting, err := verify.HelloWorld(ctx, s.ex)
			fmt.Println()
			switch {
			case err != nil:
				fmt.Println("Something went wrong:", err)
			case greeting == "Hello World!":
				fmt.Println(greeting, "Cumulus is working as expected")
			default:
				fmt.Println(greeting, "Something went wrong")
			}
			fmt.Println()
			return err
		},
	}
}

func verifyCmd() *cobra.Command {
	var (
		tests  []string
		bucket string
		keep   bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the end-to-end verification scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tests) == 1 && tests[0] == "help" {
				fmt.Println("Available tests:")
				for _, n := range verify.Names() {
					fmt.Println("  " + n)
				}
				return nil
			}

			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if bucket == "" {
				bucket = s.env.Config.Cumulus.Bucket
			}
			if !keep {
				defer verify.Cleanup(ctx, s.env.Storage, bucket)
			}

			results, err := verify.Run(ctx, s.ex, s.env.Storage, bucket, tests...)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEST\tRESULT\tDURATION")
			failed := 0
			for _, r := range results {
				outcome := "ok"
				if r.Err != nil {
					outcome = "FAIL: " + r.Err.Error()
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, outcome, r.Duration.Round(time.Millisecond))
			}
			w.Flush()
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tests failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tests, "test", "t", nil, `Tests to run (default all, "help" lists them)`)
	cmd.Flags().StringVar(&bucket, "bucket", "", "Bucket for the test corpus (default the control-plane bucket)")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the uploaded test corpus")
	return cmd
}

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show partition logs",
	}

	poll := &cobra.Command{
		Use:   "poll",
		Short: "Follow the logs of every job as partitions finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := openJobLogs()
			if err != nil {
				return err
			}
			return logs.Follow(cmd.Context(), os.Stdout, time.Second)
		},
	}

	get := &cobra.Command{
		Use:   "get <executor-id>-<job-id>",
		Short: "Print the log of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := openJobLogs()
			if err != nil {
				return err
			}
			text, err := logs.Get(args[0])
			if err != nil {
				return fmt.Errorf("no logs for job %s: %w", args[0], err)
			}
			fmt.Print(text)
			return nil
		},
	}

	cmd.AddCommand(poll, get)
	return cmd
}

func openJobLogs() (*logging.JobLogs, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return logging.NewJobLogs(cfg.Cumulus.LogsDir, nil)
}

func backendsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Show which compute backends the configuration can reach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			infos := backend.Detect(cfg)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODE\tAVAILABLE\tNOTE")
			for _, i := range infos {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", i.Name, i.Mode, i.Available, strings.TrimSpace(i.Reason))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
