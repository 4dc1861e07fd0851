// Command cush is an interactive shell with job control.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// SIGINT is left out: it belongs to whatever job holds the terminal.
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGHUP,
	)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: slog.LevelWarn},
	)).With("session", uuid.NewString())

	if err := newCLI(logger).rootCmd().ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}
