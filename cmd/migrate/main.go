package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/storage/postgres"
	"github.com/vladislavdragonenkov/possync/internal/storage/schema"
)

const (
	defaultTimeout = 30 * time.Second
	envDSN         = "ORDER_SERVER_POSTGRES_DSN"
)

var errUsage = errors.New("usage")

type options struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envDSN+")")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, fmt.Errorf("%w: %v", errUsage, err)
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("%w: unsupported direction %q (use up|down|status)", errUsage, opts.direction)
	}

	if strings.TrimSpace(opts.dsn) == "" {
		opts.dsn = strings.TrimSpace(getenv(envDSN))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%w: %s (or -dsn) is required", errUsage, envDSN)
	}
	if opts.direction == "down" && opts.steps <= 0 {
		opts.steps = 1
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultTimeout
	}
	return opts, nil
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	opts, err := parseOptions(args, getenv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	var changed []schema.Migration
	switch opts.direction {
	case "up":
		changed, err = store.MigrateUp(ctx, opts.steps)
	case "down":
		changed, err = store.MigrateDown(ctx, opts.steps)
	}
	for _, m := range changed {
		_, _ = fmt.Fprintf(out, "%s %s\n", opts.direction, m.ID())
	}
	if err != nil {
		return fmt.Errorf("migrate %s failed: %w", opts.direction, err)
	}

	status, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	if opts.direction == "status" {
		if err := printStatus(out, status); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d pending=%d\n",
		opts.direction, status.Version, len(status.Applied), len(status.Pending))
	return err
}

// printStatus выводит таблицу применённых и ожидающих миграций.
func printStatus(out io.Writer, status schema.Status) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
	for _, a := range status.Applied {
		_, _ = fmt.Fprintf(w, "%04d\t%s\t%s\n", a.Version, a.Name, a.AppliedAt.UTC().Format(time.RFC3339))
	}
	for _, m := range status.Pending {
		_, _ = fmt.Fprintf(w, "%04d\t%s\tpending\n", m.Version, m.Name)
	}
	return w.Flush()
}
