// Package main implements a command-line tool and Cloud Run service that
// queries the cninfo announcement portal, keeps saved queries up to date and
// mails digests of newly published announcements.
package main

import (
	"cninfo-notices/config"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `Usage: cninfo-notices <command> [flags]

Commands:
  create    Run a new query and save it
  update    Refresh a saved live query
  show      Print a saved query
  list      List saved queries
  delete    Delete a saved query
  download  Download the attachments of a saved query
  poll      Refresh every live query that is due and mail new announcements
  serve     Run the HTTP service

Run "cninfo-notices <command> -h" for command flags.
`

// errUsage marks a command-line mistake; it exits with status 2.
var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode(err, os.Stderr))
}

// exitCode maps a run error to the process status, reporting it on stderr.
func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 2
	case errors.Is(err, errUsage):
		// The bare sentinel follows output that already explains the mistake.
		if err.Error() != errUsage.Error() {
			fmt.Fprintln(stderr, err)
		}
		return 2
	default:
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cmd, ok := commands[args[0]]
	if !ok {
		if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
			fmt.Fprint(stdout, usage)
			return nil
		}
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := cmd.flags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, args[0] == "serve")
	logger.Debug("Configuration loaded", "command", args[0], "storage_path", cfg.Storage.LocalPath, "bucket", cfg.Storage.Bucket)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd.run(ctx, a, opts, stdout)
}
