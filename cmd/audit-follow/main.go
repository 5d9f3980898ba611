// Command audit-follow tails the committed audit event stream as a consumer
// group member and prints each event as one JSON line, for piping custody
// events into log shippers or ad-hoc recall investigations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"pharmatrace/pkg/audit"
	"pharmatrace/pkg/domain"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <group> [start-id]\n", os.Args[0])
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		exitErr(fmt.Errorf("load .env: %w", err))
	}
	cfg := audit.FollowerConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		Stream:   os.Getenv("CUSTODY_AUDIT_STREAM"),
		Group:    os.Args[1],
		Consumer: os.Getenv("HOSTNAME"),
	}
	if len(os.Args) == 3 {
		cfg.StartID = os.Args[2]
	}
	follower, err := audit.NewFollower(cfg)
	if err != nil {
		exitErr(err)
	}
	defer follower.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	if err := follower.Run(ctx, func(_ context.Context, event domain.AuditEvent) error {
		return enc.Encode(event)
	}); err != nil {
		exitErr(err)
	}
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "audit-follow: %v\n", err)
	os.Exit(1)
}
