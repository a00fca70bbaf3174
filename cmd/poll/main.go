// Command poll is the sole entry-point an operator invokes (spec.md §6): one
// subcommand, poll, running a single tick for one cluster against a shared
// data root.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"clusterboard/logging"
	"clusterboard/orchestrator"
)

func main() {
	cluster := flag.String("cluster", "", "cluster name (required)")
	root := flag.String("root", "", "data root directory (required)")
	backfillStart := flag.String("backfill-start", "", "backfill start date, YYYY-MM-DD (required)")
	rateLimit := flag.Int("rate-limit", 2, "max accounting-tool calls per minute")
	accountingBin := flag.String("accounting-cmd", "sacct", "path to the accounting tool binary")
	homeDir := flag.String("home-dir", "", "home directory path to scan for discovery (optional)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	once := flag.Bool("once", true, "run a single tick and exit; looping is an external concern")
	flag.Parse()

	if *cluster == "" || *root == "" || *backfillStart == "" {
		fmt.Fprintln(os.Stderr, "poll: --cluster, --root and --backfill-start are required")
		os.Exit(1)
	}
	if !*once {
		fmt.Fprintln(os.Stderr, "poll: --once=false is not supported; this binary always runs a single tick")
	}

	logger := logging.New(*logLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, cancelling in-flight work")
		cancel()
	}()

	cfg := orchestrator.Config{
		Cluster:        *cluster,
		Root:           *root,
		BackfillStart:  *backfillStart,
		AccountingBin:  *accountingBin,
		RateLimit:      *rateLimit,
		AdapterTimeout: 120 * time.Second,
		HomeDirPath:    *homeDir,
		Logger:         logger,
	}

	if tickErr := orchestrator.RunTick(ctx, cfg, time.Now()); tickErr != nil {
		logger.Error("tick failed",
			zap.String("kind", tickErr.Kind.String()),
			zap.Int("exit_code", tickErr.ExitCode()),
			zap.Error(tickErr),
		)
		os.Exit(tickErr.ExitCode())
	}
	os.Exit(0)
}
