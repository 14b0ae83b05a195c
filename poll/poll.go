// Package poll refreshes every live saved query and reports what is new.
package poll

import (
	"cninfo-notices/pkg/notice"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by CheckAll while another pass is in progress.
var ErrAlreadyRunning = errors.New("poll already running")

// Updater interface for refreshing a query.
type Updater interface {
	Update(ctx context.Context, q *notice.Query) (*notice.UpdateReport, error)
}

// Store interface for saved query persistence.
type Store interface {
	Save(ctx context.Context, q *notice.Query) error
	List(ctx context.Context) ([]*notice.Query, error)
}

// Emailer interface for sending update digests.
type Emailer interface {
	SendUpdate(ctx context.Context, to string, q *notice.Query, report *notice.UpdateReport) error
}

// Summary tallies one CheckAll pass.
type Summary struct {
	Reports    []*notice.UpdateReport
	Total      int
	Updated    int
	Frozen     int
	Skipped    int // Not yet due
	Failed     int
	Incomplete int // Fetched with failures; left unsaved for the next pass
}

// Monitor handles periodic query refresh.
type Monitor struct {
	updater     Updater
	store       Store
	emailer     Emailer // May be nil
	logger      *slog.Logger
	notifyTo    string
	minInterval time.Duration
	now         func() time.Time
	running     sync.Mutex
}

// New creates a new poll monitor. Digests are only mailed when emailer is
// non-nil and notifyTo is set.
func New(updater Updater, store Store, emailer Emailer, notifyTo string, minInterval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		updater:     updater,
		store:       store,
		emailer:     emailer,
		logger:      logger,
		notifyTo:    notifyTo,
		minInterval: minInterval,
		now:         time.Now,
	}
}

// CheckAll updates every live query that is due, saves it, and mails new
// announcements. A failing query is logged and does not stop the others.
// Only one pass runs at a time; a concurrent call returns ErrAlreadyRunning.
func (m *Monitor) CheckAll(ctx context.Context) (*Summary, error) {
	if !m.running.TryLock() {
		m.logger.Info("Poll pass already in progress, skipping")
		return nil, ErrAlreadyRunning
	}
	defer m.running.Unlock()

	queries, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}

	now := m.now()
	m.logger.Info("Checking saved queries", "count", len(queries), "timestamp", now.Format(time.RFC3339))

	summary := &Summary{Total: len(queries)}
	for _, q := range queries {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll check", "error", ctx.Err())
			return summary, ctx.Err()
		default:
		}

		if !q.Live() {
			m.logger.Debug("Skipping query with fixed end date", "name", q.QueryName, "to_date", q.ToDate)
			summary.Frozen++
			continue
		}

		if !due(q.LastUpdateTime, now, m.minInterval) {
			m.logger.Debug("Skipping query (not due for update)",
				"name", q.QueryName,
				"last_update", q.LastUpdateTime.Format(time.RFC3339),
				"next_update", q.LastUpdateTime.Add(m.minInterval).Format(time.RFC3339))
			summary.Skipped++
			continue
		}

		report, err := m.checkQuery(ctx, q)
		if err != nil {
			m.logger.Warn("Query update failed", "name", q.QueryName, "error", err)
			summary.Failed++
			continue
		}
		summary.Reports = append(summary.Reports, report)
		if report.Incomplete() {
			summary.Incomplete++
			continue
		}
		summary.Updated++
	}

	m.logger.Info("Query check completed",
		"total", summary.Total,
		"updated", summary.Updated,
		"frozen", summary.Frozen,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"incomplete", summary.Incomplete)

	return summary, nil
}

func (m *Monitor) checkQuery(ctx context.Context, q *notice.Query) (*notice.UpdateReport, error) {
	m.logger.Info("Starting query update", "name", q.QueryName, "record_count", q.Count())

	report, err := m.updater.Update(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	// Only complete results are saved; the next pass diffs against them.
	if report.Incomplete() {
		m.logger.Warn("Query update incomplete, keeping saved result",
			"name", q.QueryName,
			"failed_codes", report.FailedCodes,
			"fetched", report.Current,
			"saved", report.Previous)
		return report, nil
	}

	if err := m.store.Save(ctx, q); err != nil {
		return nil, fmt.Errorf("save query: %w", err)
	}

	if len(report.Added) > 0 && m.emailer != nil && m.notifyTo != "" {
		if err := m.emailer.SendUpdate(ctx, m.notifyTo, q, report); err != nil {
			// The query is already saved; the digest for this batch is lost.
			m.logger.Warn("Failed to send update email", "name", q.QueryName, "error", err)
		}
	}

	return report, nil
}

// due reports whether a query last updated at last should be refreshed now.
func due(last *time.Time, now time.Time, minInterval time.Duration) bool {
	if last == nil || last.IsZero() || minInterval <= 0 {
		return true
	}
	return now.Sub(*last) >= minInterval
}
