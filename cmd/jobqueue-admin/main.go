// Command jobqueue-admin runs operator maintenance tasks against the job
// queue database and the Redis idempotency cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/bootstrap"
)

// app carries what every command needs. Output goes through stdout/stderr
// and confirmations through prompt so commands can be driven from tests.
type app struct {
	cfg    config.AppConfig
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
	prompt *prompter
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"migrate", "Run database migrations", runMigrate},
	{"db-reset", "Drop the public schema, re-run migrations and optionally seed", runDBReset},
	{"db-seed", "Run migrations and seed development fixtures", runDBSeed},
	{"job-stats", "Print job counts per status", runJobStats},
	{"clear-idempotency-keys", "Delete cached idempotency keys from Redis", runClearIdempotencyKeys},
}

func main() {
	os.Exit(realMain(os.Args[1:])) //nolint:forbidigo // exit status is the CLI contract
}

func realMain(args []string) int {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}
	a := &app{
		cfg:    cfg,
		logger: bootstrap.InitLogger(cfg.Observability.Log),
		stdout: os.Stdout,
		stderr: os.Stderr,
		prompt: newPrompter(os.Stdin, os.Stderr),
	}

	if len(args) == 0 {
		a.usage()
		return 2
	}
	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(a.stderr, "unknown command %q\n\n", args[0])
		a.usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, a, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		a.logger.ErrorContext(ctx, "command failed", "command", cmd.name, "error", err)
		return 1
	}
	return 0
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func (a *app) usage() {
	fmt.Fprintln(a.stderr, "Usage: jobqueue-admin <command> [flags]")
	fmt.Fprintln(a.stderr)
	fmt.Fprintln(a.stderr, "Commands:")
	tw := tabwriter.NewWriter(a.stderr, 0, 0, 3, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	_ = tw.Flush()
}

// flagOptions is implemented by each command's option struct.
type flagOptions interface {
	bind(fs *flag.FlagSet)
	validate() error
}

func parseFlags(name string, args []string, opts flagOptions, stderr io.Writer) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts.validate()
}
