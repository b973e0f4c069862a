package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/config"
	"github.com/withObsrvr/obsrvr-command-router/internal/logging"
	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
)

// Version is set at build time.
var Version = "dev"

const usage = `usage: command-router [run | stats | flush -before YYYY-MM-DD [-exports-max-age 720h]]`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] command router %s", Version)

	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	sub := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	var err error
	switch sub {
	case "run":
		err = run(ctx, cfg)
	case "stats":
		err = stats(ctx, cfg)
	case "flush":
		err = flush(ctx, cfg, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] shutdown complete")
		} else {
			log.Fatalf("[main] %s failed: %v", sub, err)
		}
	}
	log.Println("[main] command router stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}

func stats(ctx context.Context, cfg config.Config) error {
	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	all, err := app.QueueStats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MONIKER\tAGENT\tASSET GROUP\tSUBJECT\tPENDING\tLEASED\tOLDEST")
	for _, s := range all {
		oldest := "-"
		if !s.OldestCreated.IsZero() {
			oldest = s.OldestCreated.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.Moniker, s.AgentID, s.AssetGroupID, s.SubjectType, s.Pending, s.Leased, oldest)
	}
	return w.Flush()
}

func flush(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("flush", flag.ContinueOnError)
	before := fs.String("before", "", "delete queued commands created before this date (YYYY-MM-DD)")
	exportsMaxAge := fs.Duration("exports-max-age", 0, "also delete final export containers older than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *before == "" {
		return fmt.Errorf("flush requires -before")
	}
	cutoff, err := time.Parse(time.DateOnly, *before)
	if err != nil {
		return fmt.Errorf("parse -before: %w", err)
	}

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	n, err := app.FlushQueues(ctx, cutoff)
	if err != nil {
		return err
	}
	log.Printf("[flush] deleted %d queued commands created before %s", n, cutoff.Format(time.DateOnly))

	if *exportsMaxAge > 0 {
		removed, err := app.exports.CleanupOld(ctx, *exportsMaxAge)
		if err != nil {
			return fmt.Errorf("clean up export containers: %w", err)
		}
		log.Printf("[flush] deleted %d export containers older than %s", removed, *exportsMaxAge)
	}
	return nil
}
