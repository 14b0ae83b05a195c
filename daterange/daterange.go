// Package daterange computes the inclusive date span sent to the search API.
package daterange

import (
	"cninfo-notices/pkg/notice"
	"strings"
	"time"
)

// DefaultSpan is how far back the lower bound reaches when it is not stated.
const DefaultSpan = 365

// Earliest is the first date the portal holds announcements for.
var Earliest = time.Date(2000, 1, 1, 0, 0, 0, 0, notice.Beijing)

// Input layouts, tried in order.
var layouts = []string{"2006-01-02", "20060102"}

// Calculator turns optional user supplied bounds into a concrete range.
type Calculator struct {
	now func() time.Time
}

// New creates a calculator that reads the wall clock.
func New() *Calculator {
	return &Calculator{now: time.Now}
}

// NewWithClock creates a calculator with a fixed notion of "now".
func NewWithClock(now func() time.Time) *Calculator {
	return &Calculator{now: now}
}

// Today returns the current calendar day in UTC+8.
func (c *Calculator) Today() time.Time {
	return notice.NewDate(c.now()).Time
}

// Compute builds the query range. An empty string means the bound was not
// given: the upper bound then defaults to tomorrow so announcements published
// the evening before their stated date are included, and the lower bound
// defaults to DefaultSpan days before the stated upper bound or today.
func (c *Calculator) Compute(from, to string) (notice.DateRange, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	today := c.Today()

	anchor := today
	upper := today.AddDate(0, 0, 1)
	if to != "" {
		t, ok := Parse(to)
		if !ok {
			return notice.DateRange{}, &notice.InvalidRangeError{From: from, To: to, Reason: "unrecognized upper bound, use YYYY-MM-DD or YYYYMMDD"}
		}
		anchor, upper = t, t
	}

	lower := anchor.AddDate(0, 0, -DefaultSpan)
	if from != "" {
		t, ok := Parse(from)
		if !ok {
			return notice.DateRange{}, &notice.InvalidRangeError{From: from, To: to, Reason: "unrecognized lower bound, use YYYY-MM-DD or YYYYMMDD"}
		}
		lower = t
	}

	if lower.Before(Earliest) {
		return notice.DateRange{}, &notice.InvalidRangeError{From: Format(lower), To: Format(upper), Reason: "lower bound is before " + Format(Earliest)}
	}
	if lower.After(upper) {
		return notice.DateRange{}, &notice.InvalidRangeError{From: Format(lower), To: Format(upper), Reason: "lower bound is after upper bound"}
	}

	return notice.DateRange{From: lower, To: upper}, nil
}

// Parse reads a calendar date in either accepted layout.
func Parse(s string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, notice.Beijing); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Format renders a single date as YYYY-MM-DD.
func Format(t time.Time) string {
	return t.Format(notice.DateLayout)
}
