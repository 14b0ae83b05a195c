// Package query creates, refreshes and persists named announcement queries.
package query

import (
	"cninfo-notices/daterange"
	"cninfo-notices/pkg/notice"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Resolver interface for turning user input into portal codes.
type Resolver interface {
	Resolve(input string) (notice.ResolvedCode, error)
	CodeToName(code string) (string, error)
}

// Fetcher interface for running one paginated search.
type Fetcher interface {
	FetchAll(ctx context.Context, code notice.ResolvedCode, searchKey string, rng notice.DateRange) (*notice.Batch, error)
}

// Ranges interface for computing query date spans.
type Ranges interface {
	Compute(from, to string) (notice.DateRange, error)
}

// Store interface for saved query persistence.
type Store interface {
	Save(ctx context.Context, q *notice.Query) error
	Load(ctx context.Context, name string) (*notice.Query, error)
}

// CreateRequest describes a new query.
type CreateRequest struct {
	Name        string
	SearchKey   string
	FromDate    string // Optional, YYYY-MM-DD or YYYYMMDD
	ToDate      string // Optional; leaving it empty makes the query live
	Identifiers []string
}

// Engine runs queries. It is not safe for concurrent use on the same query.
type Engine struct {
	resolver Resolver
	fetcher  Fetcher
	ranges   Ranges
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new query engine.
func New(resolver Resolver, fetcher Fetcher, ranges Ranges, store Store, logger *slog.Logger) *Engine {
	return &Engine{
		resolver: resolver,
		fetcher:  fetcher,
		ranges:   ranges,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for update timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Create resolves every identifier, computes the date range and fetches the
// combined result. Any resolution or range failure aborts the whole create.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*notice.Query, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("query name is required")
	}
	if len(req.Identifiers) == 0 {
		return nil, errors.New("at least one stock code or name is required")
	}

	var codes []notice.ResolvedCode
	seen := make(map[notice.ResolvedCode]bool)
	for _, id := range req.Identifiers {
		code, err := e.resolver.Resolve(id)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", id, err)
		}
		if seen[code] {
			e.logger.Debug("Ignoring duplicate security", "input", id, "code", code.Code)
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}

	rng, err := e.ranges.Compute(req.FromDate, req.ToDate)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Creating query",
		"name", name,
		"securities", len(codes),
		"search_key", req.SearchKey,
		"range", rng.String())

	result, failed, err := e.fetchAll(ctx, codes, req.SearchKey, rng)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		e.logger.Warn("Query created with an incomplete result", "name", name, "failed_codes", failed)
	}

	q := &notice.Query{
		QueryName:     name,
		SearchKey:     req.SearchKey,
		ResolvedCodes: codes,
		FromDate:      daterange.Format(rng.From),
	}
	if strings.TrimSpace(req.ToDate) != "" {
		q.ToDate = daterange.Format(rng.To)
	}
	e.apply(q, result)

	e.logger.Info("Query created", "name", name, "record_count", q.Count(), "stock_names", len(q.StockNames))
	return q, nil
}

// Update refreshes a live query from its original lower bound to tomorrow and
// replaces its result. Queries with a fixed upper bound are left untouched.
func (e *Engine) Update(ctx context.Context, q *notice.Query) (*notice.UpdateReport, error) {
	previous := q.Count()
	report := &notice.UpdateReport{
		QueryName: q.QueryName,
		Previous:  previous,
		Current:   previous,
	}

	if !q.Live() {
		report.Frozen = true
		if q.LastUpdateTime != nil {
			report.UpdatedAt = *q.LastUpdateTime
		}
		e.logger.Info("Query has a fixed end date, nothing to update", "name", q.QueryName, "to_date", q.ToDate)
		return report, nil
	}

	rng, err := e.ranges.Compute(q.FromDate, "")
	if err != nil {
		return nil, err
	}

	result, failed, err := e.fetchAll(ctx, q.ResolvedCodes, q.SearchKey, rng)
	if err != nil {
		return nil, err
	}

	added := newRecords(q.Result, result)
	e.apply(q, result)

	report.Current = q.Count()
	report.Delta = report.Current - previous
	report.Added = added
	report.FailedCodes = failed
	report.UpdatedAt = *q.LastUpdateTime

	e.logger.Info("Query updated",
		"name", q.QueryName,
		"previous", previous,
		"current", report.Current,
		"delta", report.Delta,
		"new_records", len(added),
		"failed_codes", failed)
	return report, nil
}

// Save persists q under its name.
func (e *Engine) Save(ctx context.Context, q *notice.Query) error {
	return e.store.Save(ctx, q)
}

// Load reads the query saved under name.
func (e *Engine) Load(ctx context.Context, name string) (*notice.Query, error) {
	return e.store.Load(ctx, name)
}

// fetchAll runs one search per code, in order, and concatenates the results.
// Codes whose first page cannot be fetched, or that match nothing, contribute
// no records. The codes whose result is partial or missing because of a
// failure are returned alongside.
func (e *Engine) fetchAll(ctx context.Context, codes []notice.ResolvedCode, searchKey string, rng notice.DateRange) (notice.Result, []string, error) {
	result := notice.Result{}
	var failed []string
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		batch, err := e.fetcher.FetchAll(ctx, code, searchKey, rng)
		switch {
		case errors.Is(err, notice.ErrNoRecords):
			e.logger.Info("No announcements found for security", "code", code.Code, "name", e.displayName(code.Code))
			continue
		case notice.IsTransientFetch(err):
			e.logger.Warn("Giving up on security for this run", "code", code.Code, "name", e.displayName(code.Code), "error", err)
			failed = append(failed, code.Code)
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("fetch %s: %w", code.Code, err)
		}

		if len(batch.SkippedPages) > 0 {
			e.logger.Warn("Result is incomplete for security",
				"code", code.Code,
				"skipped_pages", batch.SkippedPages,
				"total", batch.Total,
				"records", len(batch.Records))
			failed = append(failed, code.Code)
		}
		result = append(result, batch.Records...)
	}
	return result, failed, nil
}

func (e *Engine) apply(q *notice.Query, result notice.Result) {
	now := e.now()
	count := len(result)
	q.Result = result
	q.StockNames = stockNames(result)
	q.RecordCount = &count
	q.LastUpdateTime = &now
}

func (e *Engine) displayName(code string) string {
	name, err := e.resolver.CodeToName(code)
	if err != nil {
		return code
	}
	return name
}

// stockNames returns the distinct security names present in result.
func stockNames(result notice.Result) []string {
	seen := make(map[string]bool)
	names := []string{}
	for _, rec := range result {
		if rec.SecName == "" || seen[rec.SecName] {
			continue
		}
		seen[rec.SecName] = true
		names = append(names, rec.SecName)
	}
	sort.Strings(names)
	return names
}

// newRecords returns the records in current whose announcement id does not
// appear in previous.
func newRecords(previous, current notice.Result) []notice.Record {
	known := make(map[string]bool, len(previous))
	for _, rec := range previous {
		known[rec.AnnouncementID] = true
	}
	var added []notice.Record
	for _, rec := range current {
		if !known[rec.AnnouncementID] {
			added = append(added, rec)
		}
	}
	return added
}
