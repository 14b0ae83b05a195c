package main

import (
	"cninfo-notices/pkg/notice"
	"cninfo-notices/poll"
	"cninfo-notices/query"
	"cninfo-notices/server"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// options carries every sub-command flag; each command registers the ones it uses.
type options struct {
	name      string
	stocks    string
	keyword   string
	from      string
	to        string
	dir       string
	interval  time.Duration
	strict    bool
	force     bool
	overwrite bool
	asJSON    bool
}

type command struct {
	flags func(fs *flag.FlagSet) *options
	run   func(ctx context.Context, a *app, o *options, out io.Writer) error
}

var commands = map[string]command{
	"create":   {flags: createFlags, run: runCreate},
	"update":   {flags: nameFlags(true), run: runUpdate},
	"show":     {flags: nameFlags(false), run: runShow},
	"list":     {flags: func(*flag.FlagSet) *options { return &options{} }, run: runList},
	"delete":   {flags: deleteFlags, run: runDelete},
	"download": {flags: downloadFlags, run: runDownload},
	"poll":     {flags: func(*flag.FlagSet) *options { return &options{} }, run: runPoll},
	"serve":    {flags: serveFlags, run: runServe},
}

func createFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.name, "name", "", "query name (required)")
	fs.StringVar(&o.stocks, "stocks", "", "comma-separated stock codes or names (required)")
	fs.StringVar(&o.keyword, "keyword", "", "keyword to search for in titles")
	fs.StringVar(&o.from, "from", "", "start date, YYYY-MM-DD (default: one year before -to or today)")
	fs.StringVar(&o.to, "to", "", "end date, YYYY-MM-DD (default: live query ending tomorrow)")
	fs.BoolVar(&o.strict, "strict", false, "abort a security's search when any follow-up page fails")
	fs.BoolVar(&o.force, "force", false, "replace an existing query with the same name")
	return o
}

func nameFlags(strict bool) func(fs *flag.FlagSet) *options {
	return func(fs *flag.FlagSet) *options {
		o := &options{}
		fs.StringVar(&o.name, "name", "", "query name (required)")
		if strict {
			fs.BoolVar(&o.strict, "strict", false, "abort a security's search when any follow-up page fails")
		} else {
			fs.BoolVar(&o.asJSON, "json", false, "print the stored JSON document")
		}
		return o
	}
}

func deleteFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.name, "name", "", "query name (required)")
	return o
}

func downloadFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.StringVar(&o.name, "name", "", "query name (required)")
	fs.StringVar(&o.dir, "dir", "", "target directory (default: DOWNLOAD_DIR)")
	fs.BoolVar(&o.overwrite, "overwrite", false, "download files that already exist")
	return o
}

func serveFlags(fs *flag.FlagSet) *options {
	o := &options{}
	fs.DurationVar(&o.interval, "interval", 0, "run a poll pass on this interval (0 relies on POST /pollz)")
	return o
}

func requireName(o *options) error {
	if strings.TrimSpace(o.name) == "" {
		return fmt.Errorf("%w: -name is required", errUsage)
	}
	return nil
}

// splitIdentifiers accepts ASCII or full-width commas and whitespace as separators.
func splitIdentifiers(s string) []string {
	return strings.FieldsFunc(s, func(c rune) bool {
		return c == ',' || c == '，' || c == ' ' || c == '\t' || c == '\n'
	})
}

func runCreate(ctx context.Context, a *app, o *options, out io.Writer) error {
	if err := requireName(o); err != nil {
		return err
	}
	identifiers := splitIdentifiers(o.stocks)
	if len(identifiers) == 0 {
		return fmt.Errorf("%w: -stocks is required", errUsage)
	}

	if !o.force {
		if _, err := a.store.Load(ctx, o.name); err == nil {
			return fmt.Errorf("query %q already exists (use -force to replace it)", o.name)
		} else if !notice.IsNotFound(err) {
			return err
		}
	}

	engine, err := a.engine(ctx, o.strict)
	if err != nil {
		return err
	}

	q, err := engine.Create(ctx, createRequest(o, identifiers))
	if err != nil {
		return err
	}
	if err := engine.Save(ctx, q); err != nil {
		return err
	}

	printSummary(out, q)
	return nil
}

func runUpdate(ctx context.Context, a *app, o *options, out io.Writer) error {
	if err := requireName(o); err != nil {
		return err
	}

	engine, err := a.engine(ctx, o.strict)
	if err != nil {
		return err
	}
	q, err := engine.Load(ctx, o.name)
	if err != nil {
		return err
	}

	report, err := engine.Update(ctx, q)
	if err != nil {
		return err
	}
	if report.Frozen {
		fmt.Fprintf(out, "%s has a fixed end date (%s); nothing to update\n", q.QueryName, q.ToDate)
		return nil
	}
	if report.Incomplete() {
		return fmt.Errorf("update of %s incomplete, saved result kept: no data for %s",
			q.QueryName, strings.Join(report.FailedCodes, ", "))
	}
	if err := engine.Save(ctx, q); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d -> %d records (%+d), %d new\n", q.QueryName, report.Previous, report.Current, report.Delta, len(report.Added))
	return printRecords(out, report.Added)
}

func runShow(ctx context.Context, a *app, o *options, out io.Writer) error {
	if err := requireName(o); err != nil {
		return err
	}
	q, err := a.store.Load(ctx, o.name)
	if err != nil {
		return err
	}

	if o.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(q)
	}

	printSummary(out, q)
	return printRecords(out, q.Result)
}

func runList(ctx context.Context, a *app, _ *options, out io.Writer) error {
	queries, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(queries, func(i, j int) bool { return queries[i].QueryName < queries[j].QueryName })

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tRANGE\tKEYWORD\tRECORDS\tUPDATED")
	for _, q := range queries {
		updated := "-"
		if q.LastUpdateTime != nil {
			updated = q.LastUpdateTime.In(notice.Beijing).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", q.QueryName, rangeLabel(q), q.SearchKey, q.Count(), updated)
	}
	return tw.Flush()
}

func runDelete(ctx context.Context, a *app, o *options, out io.Writer) error {
	if err := requireName(o); err != nil {
		return err
	}
	if _, err := a.store.Load(ctx, o.name); err != nil && notice.IsNotFound(err) {
		return err
	}
	if err := a.store.Delete(ctx, o.name); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", o.name)
	return nil
}

func runDownload(ctx context.Context, a *app, o *options, out io.Writer) error {
	if err := requireName(o); err != nil {
		return err
	}
	q, err := a.store.Load(ctx, o.name)
	if err != nil {
		return err
	}

	summary, err := a.downloader(o.dir).Download(ctx, q.Result, o.overwrite)
	if summary != nil {
		fmt.Fprintf(out, "downloaded %d, skipped %d, failed %d\n", summary.Downloaded, summary.Skipped, len(summary.Failed))
	}
	if err != nil {
		return err
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d attachments failed: %s", len(summary.Failed), strings.Join(summary.Failed, ", "))
	}
	return nil
}

func runPoll(ctx context.Context, a *app, _ *options, out io.Writer) error {
	engine, err := a.engine(ctx, false)
	if err != nil {
		return err
	}
	monitor, err := a.monitor(ctx, engine)
	if err != nil {
		return err
	}

	summary, err := monitor.CheckAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "checked %d: updated %d, frozen %d, not due %d, failed %d, incomplete %d\n",
		summary.Total, summary.Updated, summary.Frozen, summary.Skipped, summary.Failed, summary.Incomplete)
	for _, r := range summary.Reports {
		if r.Incomplete() {
			fmt.Fprintf(out, "  %s: not saved, no data for %s\n", r.QueryName, strings.Join(r.FailedCodes, ", "))
			continue
		}
		fmt.Fprintf(out, "  %s: %+d records, %d new\n", r.QueryName, r.Delta, len(r.Added))
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d queries failed to update", summary.Failed)
	}
	return nil
}

func runServe(ctx context.Context, a *app, o *options, _ io.Writer) error {
	engine, err := a.engine(ctx, false)
	if err != nil {
		return err
	}
	monitor, err := a.monitor(ctx, engine)
	if err != nil {
		return err
	}

	if o.interval > 0 {
		go func() {
			ticker := time.NewTicker(o.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_, err := monitor.CheckAll(ctx)
					switch {
					case err == nil, errors.Is(err, context.Canceled):
					case errors.Is(err, poll.ErrAlreadyRunning):
						a.logger.Info("Scheduled poll skipped, previous pass still running")
					default:
						a.logger.Error("Scheduled poll failed", "error", err)
					}
				}
			}
		}()
	}

	srv := server.New(&server.Config{
		Engine:         engine,
		Store:          a.store,
		Poller:         monitor,
		Logger:         a.logger,
		CreateInterval: 10 * time.Second,
	})
	return srv.ListenAndServe(ctx, a.cfg.Port)
}

func createRequest(o *options, identifiers []string) query.CreateRequest {
	return query.CreateRequest{
		Name:        strings.TrimSpace(o.name),
		SearchKey:   strings.TrimSpace(o.keyword),
		FromDate:    o.from,
		ToDate:      o.to,
		Identifiers: identifiers,
	}
}

func rangeLabel(q *notice.Query) string {
	if q.Live() {
		return q.FromDate + "~"
	}
	return q.FromDate + "~" + q.ToDate
}

func printSummary(out io.Writer, q *notice.Query) {
	fmt.Fprintf(out, "%s  %s  %d records", q.QueryName, rangeLabel(q), q.Count())
	if q.SearchKey != "" {
		fmt.Fprintf(out, "  keyword=%s", q.SearchKey)
	}
	fmt.Fprintln(out)
	if len(q.StockNames) > 0 {
		fmt.Fprintf(out, "securities: %s\n", strings.Join(q.StockNames, ", "))
	}
}

func printRecords(out io.Writer, records []notice.Record) error {
	if len(records) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.AnnouncementTime, r.SecName, r.AnnouncementTitle, r.AdjunctURL)
	}
	return tw.Flush()
}
