package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/cumulus/internal/domain"
	"github.com/oriys/cumulus/internal/env"
	"github.com/oriys/cumulus/internal/executor"
	"github.com/oriys/cumulus/internal/packager"
	"github.com/oriys/cumulus/internal/spec"
	"github.com/oriys/cumulus/internal/verify"
)

func runtimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runtime",
		Aliases: []string{"rt"},
		Short:   "Manage runtimes",
	}
	cmd.AddCommand(
		runtimeCreateCmd(),
		runtimeBuildCmd(),
		runtimeUpdateCmd(),
		runtimeDeleteCmd(),
		runtimeExtendCmd(),
		runtimeListCmd(),
		runtimeExampleCmd(),
	)
	return cmd
}

// sizing resolves --memory and --timeout against the configuration.
func sizing(s *session, memoryMB, timeoutS int) (int, int) {
	if memoryMB <= 0 {
		memoryMB = s.env.Config.Cumulus.RuntimeMemory
	}
	if timeoutS <= 0 {
		timeoutS = s.env.Config.Cumulus.RuntimeTimeout
	}
	return memoryMB, timeoutS
}

func secondsOf(s int) time.Duration { return time.Duration(s) * time.Second }

func runtimeCreateCmd() *cobra.Command {
	var memoryMB, timeoutS int
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a runtime and record its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := domain.ValidateRuntimeName(args[0]); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			mem, to := sizing(s, memoryMB, timeoutS)
			key := s.ex.Registry().Key(args[0], mem)
			meta, err := s.ex.Registry().Create(ctx, key, to)
			if err != nil {
				return err
			}
			fmt.Printf("Runtime created:\n")
			fmt.Printf("  Key:         %s\n", key)
			fmt.Printf("  Memory:      %d MB\n", mem)
			fmt.Printf("  Timeout:     %d s\n", to)
			fmt.Printf("  Preinstalls: %d modules\n", len(meta.Preinstalls))
			return nil
		},
	}
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Memory in MB (default from config)")
	cmd.Flags().IntVar(&timeoutS, "timeout", 0, "Timeout in seconds (default from config)")
	return cmd
}

func runtimeBuildCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "build <name>",
		Short: "Build a runtime image from a descriptor file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := domain.ValidateRuntimeName(name); err != nil {
				return err
			}
			var d domain.BuildDescriptor
			if file != "" {
				rs, err := findSpec(file, name)
				if err != nil {
					return err
				}
				d = rs.Build
			}

			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ex.Registry().Build(ctx, name, d); err != nil {
				return err
			}
			fmt.Printf("Runtime %s built on %s\n", name, s.ex.Backend().Name())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Runtime descriptor YAML")
	return cmd
}

// findSpec picks the document named name from a descriptor file, or its
// only document.
func findSpec(file, name string) (*spec.RuntimeSpec, error) {
	ms, err := spec.ParseFile(file)
	if err != nil {
		return nil, err
	}
	for i := range ms.Runtimes {
		rs := &ms.Runtimes[i]
		if rs.Name == name || (rs.Name == "" && len(ms.Runtimes) == 1) {
			if rs.Name == "" {
				rs.Name = name
			}
			return rs, rs.Validate()
		}
	}
	return nil, fmt.Errorf("%s has no runtime named %s", file, name)
}

func runtimeUpdateCmd() *cobra.Command {
	var timeoutS int
	cmd := &cobra.Command{
		Use:   "update <filter>",
		Short: "Re-create every recorded runtime whose name contains filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			_, to := sizing(s, 0, timeoutS)
			updated, err := s.ex.Registry().Update(ctx, args[0], to)
			for _, k := range updated {
				fmt.Printf("Updated %s\n", k)
			}
			if err == nil && len(updated) == 0 {
				fmt.Printf("No runtime matches %q\n", args[0])
			}
			return err
		},
	}
	cmd.Flags().IntVar(&timeoutS, "timeout", 0, "Timeout in seconds (default from config)")
	return cmd
}

func runtimeDeleteCmd() *cobra.Command {
	var memoryMB int
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a runtime from the backend together with its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := domain.ValidateRuntimeName(name); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			reg := s.ex.Registry()
			infos, err := reg.List(ctx, name)
			if err != nil {
				return err
			}
			deleted := 0
			for _, info := range infos {
				if info.Name != name || (memoryMB > 0 && info.MemoryMB != memoryMB) {
					continue
				}
				if err := reg.Delete(ctx, info.Name, info.MemoryMB); err != nil {
					return err
				}
				fmt.Printf("Deleted %s (%d MB)\n", info.Name, info.MemoryMB)
				deleted++
			}
			if deleted == 0 {
				return fmt.Errorf("runtime %s not found on %s", name, s.ex.Backend().Name())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Only delete this memory size")
	return cmd
}

func runtimeExtendCmd() *cobra.Command {
	var (
		function         string
		memoryMB         int
		timeoutS         int
		include, exclude []string
	)
	cmd := &cobra.Command{
		Use:   "extend <base-runtime>",
		Short: "Build a runtime with a function and its dependencies baked in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := verify.NewTable().Get(function)
			if err != nil {
				return err
			}
			if entry.File == "" {
				return fmt.Errorf("source of %s is unknown; rebuild without -trimpath", function)
			}
			resolver, err := packager.NewImportResolver(filepath.Dir(entry.File))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, func(en *env.Env) executor.Option {
				return executor.WithPackager(packager.New(resolver, resolver, en.Logger))
			})
			if err != nil {
				return err
			}
			defer s.Close()

			mem, to := sizing(s, memoryMB, timeoutS)
			key, meta, err := s.ex.Extend(ctx, function, executor.Options{
				Runtime:  args[0],
				MemoryMB: mem,
				Timeout:  secondsOf(to),
				Include:  include,
				Exclude:  exclude,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Extended runtime: %s\n", key.Name)
			fmt.Printf("  Key:      %s\n", key)
			fmt.Printf("  Function: %s.%s\n", meta.MapFuncMod, meta.MapFunc)
			return nil
		},
	}
	cmd.Flags().StringVar(&function, "function", "", "Registered map function to bake in")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Memory in MB (default from config)")
	cmd.Flags().IntVar(&timeoutS, "timeout", 0, "Timeout in seconds (default from config)")
	cmd.Flags().StringSliceVar(&include, "include", nil, "Packages to ship regardless of the runtime")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Packages never to ship (path prefixes)")
	cmd.MarkFlagRequired("function")
	return cmd
}

func runtimeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [filter]",
		Short:   "List the runtimes the backend has",
		Aliases: []string{"ls"},
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			infos, err := s.ex.Registry().List(ctx, filter)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No runtimes found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMEMORY")
			for _, i := range infos {
				fmt.Fprintf(w, "%s\t%d MB\n", i.Name, i.MemoryMB)
			}
			return w.Flush()
		},
	}
}

func runtimeExampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example",
		Short: "Print an example runtime descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(spec.ExampleYAML())
			return nil
		},
	}
}
