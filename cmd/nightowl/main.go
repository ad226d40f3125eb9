package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridianmsp/posturepipe/internal/app"
	"github.com/meridianmsp/posturepipe/internal/config"
)

func main() {
	mode := flag.String("mode", "", "run mode: serve, migrate, or janitor (overrides POSTURE_MODE)")
	role := flag.String("role", "", "serve mode only: restrict to one pipeline role (overrides POSTURE_ROLE)")
	flag.Parse()

	// Subcommand form: `nightowl serve --role=adapter`, `nightowl migrate`, `nightowl janitor`.
	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "serve", "migrate", "janitor":
			*mode = args[0]
		default:
			fmt.Fprintf(os.Stderr, "error: unknown subcommand %q (want serve, migrate, or janitor)\n", args[0])
			os.Exit(1)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flags override env vars.
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *role != "" {
		cfg.Role = *role
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
