package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobqueue/internal/bootstrap"
	"github.com/target/mmk-jobqueue/internal/devseed"
)

const defaultDBTimeout = 5 * time.Minute

type migrateOptions struct {
	Timeout time.Duration
}

func (o *migrateOptions) bind(fs *flag.FlagSet) {
	fs.DurationVar(&o.Timeout, "timeout", defaultDBTimeout, "Maximum time to wait for migrations")
}

func (o *migrateOptions) validate() error { return positiveTimeout(o.Timeout) }

type seedOptions struct {
	Timeout     time.Duration
	WebhookURL  string
	AllowRemote bool
}

func (o *seedOptions) bind(fs *flag.FlagSet) {
	fs.DurationVar(&o.Timeout, "timeout", defaultDBTimeout, "Maximum time to wait for seeding")
	fs.StringVar(&o.WebhookURL, "webhook-url", "", "Register a dev webhook pointing at this URL")
	fs.BoolVar(&o.AllowRemote, "allow-remote", false, "Permit database hosts that do not look local")
}

func (o *seedOptions) validate() error { return positiveTimeout(o.Timeout) }

type resetOptions struct {
	seedOptions
	Yes  bool
	Seed bool
}

func (o *resetOptions) bind(fs *flag.FlagSet) {
	o.seedOptions.bind(fs)
	fs.BoolVar(&o.Yes, "yes", false, "Skip the confirmation prompt for local databases")
	fs.BoolVar(&o.Seed, "seed", false, "Seed development fixtures after the reset")
}

func positiveTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.New("--timeout must be greater than zero")
	}
	return nil
}

func runMigrate(ctx context.Context, a *app, args []string) error {
	var opts migrateOptions
	if err := parseFlags("migrate", args, &opts, a.stderr); err != nil {
		return err
	}
	return a.withDatabase(ctx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		return bootstrap.RunMigrations(ctx, db, a.logger)
	})
}

func runDBSeed(ctx context.Context, a *app, args []string) error {
	var opts seedOptions
	if err := parseFlags("db-seed", args, &opts, a.stderr); err != nil {
		return err
	}
	if err := a.guardRemote(opts.AllowRemote, "seed development data"); err != nil {
		return err
	}
	return a.withDatabase(ctx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		if err := bootstrap.RunMigrations(ctx, db, a.logger); err != nil {
			return err
		}
		return a.seed(ctx, db, opts.WebhookURL)
	})
}

func runDBReset(ctx context.Context, a *app, args []string) error {
	var opts resetOptions
	if err := parseFlags("db-reset", args, &opts, a.stderr); err != nil {
		return err
	}

	pg := a.cfg.Postgres
	remote := isLikelyRemoteHost(pg.Host)
	if err := a.guardRemote(opts.AllowRemote, "drop and recreate the public schema"); err != nil {
		return err
	}
	// --yes never skips the prompt for a remote host; guardRemote already asked.
	if !remote && !opts.Yes {
		msg := fmt.Sprintf("About to drop and recreate the public schema of database %q on %s:%d.", pg.Name, pg.Host, pg.Port)
		if err := a.prompt.confirm(msg); err != nil {
			return err
		}
	}

	return a.withDatabase(ctx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		a.logger.InfoContext(ctx, "dropping public schema", "database", pg.Name)
		for _, stmt := range resetStatements(pg.User) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
		if err := bootstrap.RunMigrations(ctx, db, a.logger); err != nil {
			return err
		}
		if opts.Seed {
			return a.seed(ctx, db, opts.WebhookURL)
		}
		return nil
	})
}

func resetStatements(user string) []string {
	stmts := []string{
		"DROP SCHEMA public CASCADE",
		"CREATE SCHEMA public",
		"GRANT ALL ON SCHEMA public TO public",
	}
	if u := strings.TrimSpace(user); u != "" && !strings.EqualFold(u, "public") {
		stmts = append(stmts, "GRANT ALL ON SCHEMA public TO "+pgx.Identifier{u}.Sanitize())
	}
	return stmts
}

func (a *app) seed(ctx context.Context, db *sql.DB, webhookURL string) error {
	svcs, err := devseed.NewServices(db, a.logger)
	if err != nil {
		return fmt.Errorf("wire seed services: %w", err)
	}
	if err := devseed.Run(ctx, svcs, devseed.Options{WebhookURL: webhookURL}, a.logger); err != nil {
		return fmt.Errorf("seed data: %w", err)
	}
	return nil
}

// guardRemote refuses remote hosts unless allowed, and then asks the operator
// to retype the host name.
func (a *app) guardRemote(allow bool, action string) error {
	host := a.cfg.Postgres.Host
	if !isLikelyRemoteHost(host) {
		return nil
	}
	if !allow {
		return fmt.Errorf("refusing to %s on possibly remote host %q; pass --allow-remote if intended", action, host)
	}
	return a.prompt.confirmHost(host, action)
}

func (a *app) withDatabase(ctx context.Context, timeout time.Duration, fn func(context.Context, *sql.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := connectDB(a)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Warn("db close failed", "error", cerr)
		}
	}()
	return fn(ctx, db)
}
