package fetcher

import "log/slog"

// PageOutcome is the result of fetching one follow-up page.
type PageOutcome struct {
	Err   error
	Stock string
	Page  int
	Pages int
	Rows  int
}

// PagePolicy decides whether a failed follow-up page aborts the fetch.
type PagePolicy interface {
	Continue(outcome PageOutcome) bool
}

// BestEffort drops failed pages and keeps going. Every drop is logged.
type BestEffort struct {
	Logger *slog.Logger
}

// Continue always returns true.
func (p BestEffort) Continue(outcome PageOutcome) bool {
	if outcome.Err != nil && p.Logger != nil {
		p.Logger.Warn("Skipping announcement page after failure",
			"stock", outcome.Stock,
			"page", outcome.Page,
			"pages", outcome.Pages,
			"error", outcome.Err)
	}
	return true
}

// FailFast aborts on the first failed page.
type FailFast struct{}

// Continue reports whether the page succeeded.
func (FailFast) Continue(outcome PageOutcome) bool {
	return outcome.Err == nil
}
