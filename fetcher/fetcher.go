// Package fetcher retrieves announcement listings from the cninfo search API.
package fetcher

import (
	"cninfo-notices/pkg/notice"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultEndpoint is the portal's announcement search API.
	DefaultEndpoint = "http://www.cninfo.com.cn/new/hisAnnouncement/query"
	// DefaultStaticHost prefixes relative attachment paths.
	DefaultStaticHost = "http://static.cninfo.com.cn/"
	// DefaultPageSize is the number of rows the API returns per page.
	DefaultPageSize = 30
	// DefaultAttempts bounds first-page retries.
	DefaultAttempts = 3
)

// Suffixes of attachment URLs that do not point at a document.
var defaultDropSuffixes = []string{".js"}

type apiResponse struct {
	Announcements     []apiAnnouncement `json:"announcements"`
	TotalAnnouncement int               `json:"totalAnnouncement"`
}

type apiAnnouncement struct {
	SecName           string      `json:"secName"`
	SecCode           string      `json:"secCode"`
	AnnouncementID    json.Number `json:"announcementId"`
	AnnouncementTitle string      `json:"announcementTitle"`
	AdjunctURL        string      `json:"adjunctUrl"`
	AnnouncementTime  int64       `json:"announcementTime"` // Milliseconds since the epoch
}

// Fetcher runs paginated searches against the portal.
type Fetcher struct {
	client       *http.Client
	logger       *slog.Logger
	pacer        Pacer
	policy       PagePolicy
	endpoint     string
	staticHost   string
	dropSuffixes []string
	pageSize     int
	attempts     uint
	retryDelay   time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithEndpoint overrides the search API URL.
func WithEndpoint(endpoint string) Option {
	return func(f *Fetcher) { f.endpoint = endpoint }
}

// WithStaticHost overrides the attachment host prefix.
func WithStaticHost(host string) Option {
	return func(f *Fetcher) {
		if !strings.HasSuffix(host, "/") {
			host += "/"
		}
		f.staticHost = host
	}
}

// WithPageSize overrides the page size sent to the API.
func WithPageSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithAttempts sets how many times the first page is tried.
func WithAttempts(n uint) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// WithPacer sets the politeness delay applied before every request.
func WithPacer(p Pacer) Option {
	return func(f *Fetcher) { f.pacer = p }
}

// WithPolicy sets how failed follow-up pages are handled.
func WithPolicy(p PagePolicy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// WithDropSuffixes replaces the list of attachment suffixes that are filtered out.
func WithDropSuffixes(suffixes ...string) Option {
	return func(f *Fetcher) { f.dropSuffixes = suffixes }
}

// WithRetryDelay sets the base back-off between first-page attempts, on top of pacing.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.retryDelay = d
		}
	}
}

// New creates a new fetcher.
func New(client *http.Client, logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:       client,
		logger:       logger,
		pacer:        DefaultPacer,
		policy:       BestEffort{Logger: logger},
		endpoint:     DefaultEndpoint,
		staticHost:   DefaultStaticHost,
		dropSuffixes: defaultDropSuffixes,
		pageSize:     DefaultPageSize,
		attempts:     DefaultAttempts,
		retryDelay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll returns every announcement for code inside rng, optionally
// restricted to titles matching searchKey.
//
// A search that matches nothing returns notice.ErrNoRecords. If the first
// page cannot be retrieved a *notice.TransientFetchError is returned. Failed
// follow-up pages are handed to the page policy and, by default, dropped.
func (f *Fetcher) FetchAll(ctx context.Context, code notice.ResolvedCode, searchKey string, rng notice.DateRange) (*notice.Batch, error) {
	stock := code.Stock()
	f.logger.Info("Starting announcement fetch", "stock", stock, "search_key", searchKey, "range", rng.String())

	first, err := f.fetchFirstPage(ctx, code, searchKey, rng)
	if err != nil {
		return nil, err
	}

	if first.TotalAnnouncement <= 0 {
		f.logger.Info("Search matched no announcements", "stock", stock)
		return nil, notice.ErrNoRecords
	}

	pages := TotalPages(first.TotalAnnouncement, f.pageSize)
	f.logger.Info("First page fetched",
		"stock", stock,
		"total", first.TotalAnnouncement,
		"pages", pages,
		"rows_on_page", len(first.Announcements))

	rows := first.Announcements
	var skipped []int
	for page := 2; page <= pages; page++ {
		resp, err := f.fetchPage(ctx, f.form(code, searchKey, rng, page))
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		outcome := PageOutcome{Stock: stock, Page: page, Pages: pages, Err: err}
		if err == nil {
			outcome.Rows = len(resp.Announcements)
		}
		if !f.policy.Continue(outcome) {
			return nil, &notice.TransientFetchError{Stock: stock, Page: page, Attempts: 1, Err: err}
		}
		if err != nil {
			skipped = append(skipped, page)
			continue
		}
		rows = append(rows, resp.Announcements...)
	}

	records := f.normalize(rows, searchKey != "")
	f.logger.Info("Announcement fetch complete",
		"stock", stock,
		"total", first.TotalAnnouncement,
		"rows", len(rows),
		"records", len(records),
		"skipped_pages", len(skipped))

	return &notice.Batch{
		Code:         code,
		Total:        first.TotalAnnouncement,
		Records:      records,
		SkippedPages: skipped,
	}, nil
}

func (f *Fetcher) fetchFirstPage(ctx context.Context, code notice.ResolvedCode, searchKey string, rng notice.DateRange) (*apiResponse, error) {
	form := f.form(code, searchKey, rng, 1)

	var (
		resp     *apiResponse
		attempts uint
	)
	err := retry.Do(
		func() error {
			attempts++
			var err error
			resp, err = f.fetchPage(ctx, form)
			return err
		},
		retry.Attempts(f.attempts),
		retry.Delay(f.retryDelay),
		retry.MaxDelay(10*f.retryDelay),
		retry.MaxJitter(f.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying first page after error", "stock", code.Stock(), "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("Failed to fetch any data, check the parameters",
			"stock", code.Stock(),
			"attempts", attempts,
			"error", err)
		return nil, &notice.TransientFetchError{Stock: code.Stock(), Page: 1, Attempts: attempts, Err: err}
	}
	return resp, nil
}

// fetchPage makes exactly one paced request.
func (f *Fetcher) fetchPage(ctx context.Context, form url.Values) (*apiResponse, error) {
	if err := f.pacer.Wait(ctx); err != nil {
		return nil, retry.Unrecoverable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, */*")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	f.logger.Debug("HTTP request starting",
		"method", http.MethodPost,
		"url", f.endpoint,
		"stock", form.Get("stock"),
		"page", form.Get("pageNum"))

	startTime := time.Now()
	httpResp, err := f.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Warn("HTTP request failed",
			"url", f.endpoint,
			"page", form.Get("pageNum"),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("HTTP request completed",
		"page", form.Get("pageNum"),
		"status_code", httpResp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errors.New("empty response body")
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (f *Fetcher) form(code notice.ResolvedCode, searchKey string, rng notice.DateRange, page int) url.Values {
	return url.Values{
		"pageNum":   {strconv.Itoa(page)},
		"pageSize":  {strconv.Itoa(f.pageSize)},
		"column":    {""},
		"tabName":   {"fulltext"},
		"plate":     {""},
		"stock":     {code.Stock()},
		"searchkey": {searchKey},
		"secid":     {""},
		"category":  {""},
		"trade":     {""},
		"seDate":    {rng.String()},
		"sortName":  {""},
		"sortType":  {""},
		"isHLtitle": {"true"},
	}
}

// normalize projects raw rows onto records, dropping non-document attachments.
func (f *Fetcher) normalize(rows []apiAnnouncement, highlighted bool) []notice.Record {
	records := make([]notice.Record, 0, len(rows))
	for _, a := range rows {
		if a.AdjunctURL == "" || f.dropped(a.AdjunctURL) {
			f.logger.Debug("Dropping announcement without document attachment",
				"announcement_id", a.AnnouncementID.String(),
				"adjunct_url", a.AdjunctURL)
			continue
		}

		title := a.AnnouncementTitle
		if highlighted {
			title = StripMarkup(title)
		}

		records = append(records, notice.Record{
			SecName:           a.SecName,
			SecCode:           a.SecCode,
			AnnouncementID:    a.AnnouncementID.String(),
			AnnouncementTime:  notice.NewDate(time.UnixMilli(a.AnnouncementTime)),
			AnnouncementTitle: title,
			AdjunctURL:        f.staticHost + strings.TrimPrefix(a.AdjunctURL, "/"),
		})
	}
	return records
}

func (f *Fetcher) dropped(adjunctURL string) bool {
	lower := strings.ToLower(adjunctURL)
	for _, suffix := range f.dropSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

var (
	highlightTag = regexp.MustCompile(`(?i)</?(em|font|b|strong|span)(\s[^>]*)?>`)
	angleEscaper = strings.NewReplacer("<", "&lt;", ">", "&gt;")
)

// StripMarkup removes the highlight tags the API wraps around keyword matches
// and decodes entities. Any other angle bracket is title text.
func StripMarkup(title string) string {
	if !strings.Contains(title, "<") && !strings.Contains(title, "&") {
		return title
	}

	var b strings.Builder
	last := 0
	for _, loc := range highlightTag.FindAllStringIndex(title, -1) {
		b.WriteString(angleEscaper.Replace(title[last:loc[0]]))
		b.WriteString(title[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(angleEscaper.Replace(title[last:]))

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(b.String()))
	if err != nil {
		return title
	}
	return strings.TrimSpace(doc.Text())
}

// TotalPages is the number of pages needed to hold total rows.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
