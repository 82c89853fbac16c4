package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

type jobStatsOptions struct {
	TenantID string
	All      bool
	JSON     bool
}

func (o *jobStatsOptions) bind(fs *flag.FlagSet) {
	fs.StringVar(&o.TenantID, "tenant", "", "Tenant id")
	fs.BoolVar(&o.All, "all", false, "Count jobs across every tenant")
	fs.BoolVar(&o.JSON, "json", false, "Print JSON instead of a table")
}

func (o *jobStatsOptions) validate() error {
	o.TenantID = strings.TrimSpace(o.TenantID)
	return exactlyOneScope(o.TenantID, o.All)
}

func exactlyOneScope(tenant string, all bool) error {
	switch {
	case all && tenant != "":
		return errors.New("--all and --tenant are mutually exclusive")
	case !all && tenant == "":
		return errors.New("--tenant is required (or use --all)")
	}
	return nil
}

func runJobStats(ctx context.Context, a *app, args []string) error {
	var opts jobStatsOptions
	if err := parseFlags("job-stats", args, &opts, a.stderr); err != nil {
		return err
	}
	return a.withDatabase(ctx, time.Minute, func(ctx context.Context, db *sql.DB) error {
		stats, err := data.NewJobRepo(db, data.RepoConfig{Logger: a.logger}).Stats(ctx, opts.TenantID)
		if err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
		if opts.JSON {
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		return printStats(a.stdout, stats)
	})
}

func printStats(w io.Writer, s *model.JobStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, row := range []struct {
		status model.JobStatus
		n      int
	}{
		{model.JobStatusQueued, s.Queued},
		{model.JobStatusRunning, s.Running},
		{model.JobStatusDone, s.Done},
		{model.JobStatusFailed, s.Failed},
		{model.JobStatusCanceled, s.Canceled},
	} {
		fmt.Fprintf(tw, "%s\t%d\n", row.status, row.n)
	}
	return tw.Flush()
}
