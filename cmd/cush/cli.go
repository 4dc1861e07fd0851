package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nixpig/cush/internal/builtins"
	"github.com/nixpig/cush/internal/jobmanager"
	"github.com/nixpig/cush/internal/repl"
	"github.com/nixpig/cush/internal/terminal"
	"github.com/spf13/cobra"
)

type cli struct {
	logger *slog.Logger
}

func newCLI(logger *slog.Logger) *cli {
	return &cli{logger: logger}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "cush",
		Short: "An interactive shell with job control",
		Long: `cush runs pipelines as jobs. Builtins:

  jobs         list jobs
  fg <job>     continue a job in the foreground
  bg <job>     continue a stopped job in the background
  stop <job>   stop a job
  kill <job>   terminate a job
  exit         leave the shell`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runShell(cmd.Context())
		},
	}

	command.CompletionOptions.DisableDefaultCmd = true

	return command
}

func (c *cli) runShell(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	term := terminal.New(os.Stdin)
	if err := term.Init(); err != nil {
		return fmt.Errorf("initialise terminal: %w", err)
	}

	stop := catchTerminalSignals()
	defer stop()

	manager := jobmanager.NewManager(jobmanager.Config{
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Terminal: term,
		Logger:   c.logger,
	})

	go manager.Run(ctx)

	dispatcher := builtins.NewDispatcher(manager, os.Stdout, os.Stderr, c.logger)

	var prompt func() string
	if term.Interactive() {
		prompt = loadConfig().prompt
	}

	err := repl.New(manager, dispatcher, repl.Config{
		In:     os.Stdin,
		Out:    os.Stdout,
		Err:    os.Stderr,
		Prompt: prompt,
	}).Run(ctx)
	if err != nil {
		c.logger.Error("shell aborted", "err", err)
		return err
	}

	return nil
}

// catchTerminalSignals keeps keyboard-generated signals from interrupting
// or suspending the shell while it owns the terminal. They are caught, not
// ignored, so that jobs start with the default dispositions.
func catchTerminalSignals() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTSTP)

	go func() {
		for range sigCh {
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}
