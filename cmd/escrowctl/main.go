package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"escrowctl/internal/app"
	"escrowctl/internal/config"
)

var (
	loadApp = func(ctx context.Context, stderr io.Writer) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		return app.Build(ctx, cfg, logger)
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "get":
		return runGet(ctx, args[1:], stdout, stderr)
	case "dashboard":
		return runDashboard(ctx, args[1:], stdout, stderr)
	case "balance":
		return runBalance(ctx, args[1:], stdout, stderr)
	case "create":
		return runCreate(ctx, args[1:], stdout, stderr)
	case "approve", "claim", "refund":
		return runIDAction(ctx, args[0], args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrowctl <command> [flags]

Commands:
  get        Show one escrow and what the connected identity may do with it
  dashboard  List escrow ids created by and payable to the connected identity
  balance    Show the asset balance of the connected identity
  create     Lock funds for a recipient until a deadline
  approve    Approve a pending escrow after its deadline
  claim      Claim an approved escrow as a recipient
  refund     Refund a pending or approved escrow to its sender

Configuration is read from DEPLOYMENTS_PATH, CONFIG_PATH and the environment.
`)
}
