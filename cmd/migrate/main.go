// Command migrate applies or rolls back the recorder schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/tegrolink/internal/infra/persistence/migrations"
	"github.com/coachpo/tegrolink/internal/observability"
)

const (
	databaseEnv    = "TEGROLINK_DATABASE_DSN"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN (default: $"+databaseEnv+")")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for the migration run")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}
	_ = godotenv.Load()

	database := strings.TrimSpace(*dsn)
	if database == "" {
		database = strings.TrimSpace(os.Getenv(databaseEnv))
	}
	if database == "" {
		return fmt.Errorf("-database flag or %s is required", databaseEnv)
	}

	cmd, steps, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	var logger observability.Logger
	if !*quiet {
		base, err := observability.NewLogrusLogger(observability.LogOptions{Format: "text", Output: "stdout", Component: "migrate"})
		if err != nil {
			return err
		}
		logger = base
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "up":
		return migrations.Apply(ctx, database, *dir, logger)
	case "down":
		return migrations.Rollback(ctx, database, *dir, steps, logger)
	default:
		version, dirty, err := migrations.Version(ctx, database, *dir, logger)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	}
}

// parseCommand accepts "up", "down [steps]" and "version".
func parseCommand(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, errors.New("command required (up|down|version)")
	}
	switch args[0] {
	case "up", "version":
		return args[0], 0, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return "", 0, fmt.Errorf("invalid down steps %q", args[1])
			}
			steps = n
		}
		return "down", steps, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q (expected up, down or version)", args[0])
	}
}
