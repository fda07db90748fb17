package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  migrate                          apply the PostgreSQL schema
  seed -org N [-actor N]           create the system chart and hook mappings
  balance -account N [-as-of D]    print an account balance
  integrity [-org N]               run the GL integrity check now
  enqueue-integrity [-org N]       queue the GL integrity check
  enqueue-autopost [-file F]       queue an auto-post request (JSON, stdin by default)
  queues                           show ledger queue statistics
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	name, rest := args[0], args[1:]
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	org := fs.Int64("org", 0, "organization id")
	actor := fs.Int64("actor", 0, "acting user id")
	account := fs.Int64("account", 0, "account id")
	asOf := fs.String("as-of", "", "balance date (YYYY-MM-DD)")
	file := fs.String("file", "", "auto-post request file")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	out := cli.Output{JSONOutput: *jsonOut}

	switch name {
	case "enqueue-integrity", "enqueue-autopost", "queues":
		return runJobs(ctx, cfg.RedisAddr, name, *org, *file)
	case "migrate", "seed", "balance", "integrity":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		return 2
	}

	ledger, err := app.OpenLedger(ctx, cfg, app.LedgerDeps{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		return 1
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("ledger close", slog.Any("error", err))
		}
	}()

	if name == "migrate" {
		applied, err := ledger.Migrate(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			return 1
		}
		for _, m := range applied {
			fmt.Println("applied", m)
		}
		return 0
	}

	ops, err := cli.NewLedgerCLI(ledger.Service)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	switch name {
	case "seed":
		return ops.SeedCommand(ctx, *org, *actor, out)
	case "balance":
		return ops.BalanceCommand(ctx, *account, *asOf, out)
	default:
		return ops.IntegrityCommand(ctx, *org, out)
	}
}

func runJobs(ctx context.Context, redisAddr, name string, org int64, file string) int {
	jobsCLI, err := cli.NewJobsCLI(redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch name {
	case "queues":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queues: %v\n", err)
			return 1
		}
		for _, s := range stats {
			fmt.Printf("%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		archived, err := jobsCLI.ListArchived(ctx, 10)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archived: %v\n", err)
			return 1
		}
		for _, task := range archived {
			fmt.Printf("archived %s: %s\n", task.ID, task.LastErr)
		}
		return 0
	case "enqueue-integrity":
		info, err := jobsCLI.EnqueueIntegrity(ctx, org)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue integrity: %v\n", err)
			return 1
		}
		fmt.Printf("queued %s on %s\n", info.ID, info.Queue)
		return 0
	default:
		var src io.Reader = os.Stdin
		if file != "" {
			f, err := os.Open(file)
			if err != nil {
				fmt.Fprintf(os.Stderr, "enqueue autopost: %v\n", err)
				return 1
			}
			defer f.Close()
			src = f
		}
		input, err := cli.DecodeAutoPost(src)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		info, err := jobsCLI.EnqueueAutoPost(ctx, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue autopost: %v\n", err)
			return 1
		}
		fmt.Printf("queued %s on %s\n", info.ID, info.Queue)
		return 0
	}
}
