// Command backfill rebuilds one user's ledger days from the stored event log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"example.com/activityledger/internal/app"
	"example.com/activityledger/internal/config"
)

func main() {
	userID := flag.String("user", "", "user id whose ledger is rebuilt")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: backfill -user <id>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer ledger.Close()

	records, err := ledger.Service.Backfill(ctx, *userID)
	if err != nil {
		ledger.Log.Error("backfill failed", "user_id", *userID, "error", err)
		ledger.Close()
		os.Exit(1)
	}
	ledger.Log.Info("backfill complete", "user_id", *userID, "days", len(records))
}
