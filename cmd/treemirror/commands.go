package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"treemirror/internal/version"

	"github.com/spf13/cobra"
)

type commandDeps struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Signals func() (<-chan os.Signal, func())
	// Ready is called with the bound address once serve is listening.
	Ready func(addr string)
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Signals: func() (<-chan os.Signal, func()) {
			signals := make(chan os.Signal, 2)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			return signals, func() { signal.Stop(signals) }
		},
	}
}

func run(args []string, deps commandDeps) int {
	root := newRootCommand(deps)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(deps.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(deps commandDeps) *cobra.Command {
	root := &cobra.Command{
		Use:   "treemirror",
		Short: "Serve live directory trees to remote viewers",
		Long: `treemirror watches one or more root directories and streams their shape
to websocket viewers that open folders on demand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(deps.Stdout)
	root.SetErr(deps.Stderr)
	root.AddCommand(newServeCommand(deps), newListCommand(deps), newVersionCommand(deps))
	return root
}

func newServeCommand(deps commandDeps) *cobra.Command {
	command := &cobra.Command{
		Use:   "serve [flags] ROOT...",
		Short: "Watch ROOT directories and accept viewer connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, deps)
		},
	}
	registerServeFlags(command.Flags())
	return command
}

func newListCommand(deps commandDeps) *cobra.Command {
	var options listOptions
	command := &cobra.Command{
		Use:   "ls URL PATH",
		Short: "List a watched directory from a running server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			options.URL = args[0]
			options.Path = args[1]
			if options.Token == "" {
				options.Token = os.Getenv("TREEMIRROR_TOKEN")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if deps.Signals != nil {
				signals, stop := deps.Signals()
				defer stop()
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				defer cancel()
				go func() {
					select {
					case <-signals:
						cancel()
					case <-ctx.Done():
					}
				}()
			}
			return runList(ctx, options, deps.Stdout)
		},
	}
	flags := command.Flags()
	flags.BoolVarP(&options.Follow, "follow", "f", false, "keep printing the listing as it changes")
	flags.StringVar(&options.Token, "token", "", "auth token (default $TREEMIRROR_TOKEN)")
	flags.DurationVar(&options.Timeout, "timeout", 10*time.Second, "how long to wait for the connection and initial listing")
	return command
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(deps.Stdout, version.GetVersionInfo().String())
		},
	}
}
