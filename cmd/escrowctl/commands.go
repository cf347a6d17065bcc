package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"escrowctl/internal/balance"
	"escrowctl/internal/escrow"
	"escrowctl/internal/orchestrator"
)

var cliNow = time.Now

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func writeJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseID(value string) (uint64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("--id must be an unsigned integer")
	}
	return id, nil
}

// parseDeadline accepts "+<duration>" (with a "d" day suffix allowed) or an
// RFC 3339 timestamp. Empty means the default deadline.
func parseDeadline(value string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if strings.HasPrefix(trimmed, "+") {
		raw := strings.TrimSpace(trimmed[1:])
		var dur time.Duration
		if days, ok := strings.CutSuffix(raw, "d"); ok {
			n, err := strconv.Atoi(days)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid deadline duration")
			}
			dur = time.Duration(n) * 24 * time.Hour
		} else {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid deadline duration")
			}
			dur = parsed
		}
		if dur <= 0 {
			return time.Time{}, fmt.Errorf("deadline duration must be positive")
		}
		return now.Add(dur), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid RFC3339 deadline")
	}
	return ts, nil
}

func runGet(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}

	a, err := loadApp(ctx, stderr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer a.Close()

	e, err := a.Dashboard.Escrow(ctx, a.Session.Identity, id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	writeJSON(stdout, escrow.NewView(e, a.Session.Identity, cliNow()))
	return 0
}

func runDashboard(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("dashboard", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := loadApp(ctx, stderr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer a.Close()

	snap, err := a.Dashboard.Refresh(ctx, a.Session.Identity)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if snap.CreatedErr != nil {
		fmt.Fprintf(stderr, "created ids unavailable: %v\n", snap.CreatedErr)
	}
	if snap.ReceivedErr != nil {
		fmt.Fprintf(stderr, "received ids unavailable: %v\n", snap.ReceivedErr)
	}
	writeJSON(stdout, snap)
	return 0
}

func runBalance(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var (
		watch    bool
		interval time.Duration
	)
	fs.BoolVar(&watch, "watch", false, "keep polling until interrupted")
	fs.DurationVar(&interval, "interval", balance.DefaultInterval, "poll interval with --watch")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := loadApp(ctx, stderr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer a.Close()
	if a.Fetcher == nil {
		return printError(stderr, "BALANCE_ACCOUNTS_URL is not configured")
	}

	if !watch {
		bal, err := a.Fetcher.Balance(ctx, a.Session.Identity, a.Asset)
		if err != nil {
			return printError(stderr, err.Error())
		}
		fmt.Fprintf(stdout, "%s %s\n", bal, a.Asset.Code)
		return 0
	}

	tracker := balance.NewTracker(a.Fetcher, a.Asset, interval, a.Metrics, nil)
	tracker.Start(a.Session.Identity)
	defer tracker.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			r, ok := tracker.Reading()
			if !ok || !r.UpdatedAt.After(last) {
				continue
			}
			last = r.UpdatedAt
			if r.Error != "" {
				fmt.Fprintf(stderr, "%s poll failed: %s\n", r.UpdatedAt.Format(time.RFC3339), r.Error)
				continue
			}
			fmt.Fprintf(stdout, "%s %s %s\n", r.UpdatedAt.Format(time.RFC3339), r.Balance, r.Asset.Code)
		}
	}
}

func runCreate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var recipient, amountStr, deadlineStr string
	fs.StringVar(&recipient, "recipient", "", "recipient address")
	fs.StringVar(&amountStr, "amount", "", "amount in asset units, e.g. 12.34")
	fs.StringVar(&deadlineStr, "deadline", "", "deadline as +duration (+7d, +36h) or RFC3339; default +7d")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(recipient) == "" {
		return printError(stderr, "--recipient is required")
	}
	amount, err := escrow.ParseAmount(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	deadline, err := parseDeadline(deadlineStr, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	return execute(ctx, orchestrator.Create(escrow.Identity(strings.TrimSpace(recipient)), amount, deadline), stdout, stderr)
}

func runIDAction(ctx context.Context, method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(method, stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}

	var act orchestrator.Action
	switch method {
	case "approve":
		act = orchestrator.Approve(id)
	case "claim":
		act = orchestrator.Claim(id)
	default:
		act = orchestrator.Refund(id)
	}
	return execute(ctx, act, stdout, stderr)
}

func execute(ctx context.Context, act orchestrator.Action, stdout, stderr io.Writer) int {
	a, err := loadApp(ctx, stderr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer a.Close()

	out, err := a.Orchestrator.Execute(ctx, a.Session, act)
	if err != nil {
		var simErr *escrow.SimulationError
		if errors.As(err, &simErr) {
			return printError(stderr, "transaction simulation failed: "+simErr.Reason)
		}
		return printError(stderr, err.Error())
	}
	if out.Cancelled() {
		fmt.Fprintln(stderr, "Cancelled by signer")
		return 0
	}
	writeJSON(stdout, out)
	return 0
}
