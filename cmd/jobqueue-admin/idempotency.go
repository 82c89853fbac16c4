package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/target/mmk-jobqueue/internal/data"
)

type clearIdempotencyOptions struct {
	TenantID string
	All      bool
	DryRun   bool
	Yes      bool
}

func (o *clearIdempotencyOptions) bind(fs *flag.FlagSet) {
	fs.StringVar(&o.TenantID, "tenant", "", "Only clear keys for this tenant")
	fs.BoolVar(&o.All, "all", false, "Clear keys for every tenant")
	fs.BoolVar(&o.DryRun, "dry-run", false, "Count matching keys without deleting")
	fs.BoolVar(&o.Yes, "yes", false, "Skip the confirmation prompt")
}

func (o *clearIdempotencyOptions) validate() error {
	o.TenantID = strings.TrimSpace(o.TenantID)
	return exactlyOneScope(o.TenantID, o.All)
}

func (o *clearIdempotencyOptions) scope() string {
	if o.All {
		return "every tenant"
	}
	return fmt.Sprintf("tenant %q", o.TenantID)
}

// runClearIdempotencyKeys only touches the Redis fast path. Postgres keeps
// deduplicating through its unique index, so clearing keys is always safe.
func runClearIdempotencyKeys(ctx context.Context, a *app, args []string) error {
	var opts clearIdempotencyOptions
	if err := parseFlags("clear-idempotency-keys", args, &opts, a.stderr); err != nil {
		return err
	}
	if !opts.DryRun && !opts.Yes {
		if err := a.prompt.confirm("About to clear cached idempotency keys for " + opts.scope() + "."); err != nil {
			return err
		}
	}

	client, err := connectRedis(a)
	if errors.Is(err, errRedisNotConfigured) {
		return errors.New("redis is not configured; set REDIS_ENABLED and REDIS_URI")
	}
	if err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			a.logger.Warn("redis close failed", "error", cerr)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	n, err := data.NewIdempotencyCache(client, 0).Purge(ctx, opts.TenantID, opts.DryRun)
	if err != nil {
		return err
	}
	if opts.DryRun {
		fmt.Fprintf(a.stdout, "Dry run: %d keys would be deleted for %s.\n", n, opts.scope())
		return nil
	}
	fmt.Fprintf(a.stdout, "Deleted %d keys for %s.\n", n, opts.scope())
	return nil
}
