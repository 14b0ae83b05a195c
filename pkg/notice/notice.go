// Package notice contains the core domain types for the cninfo announcement tool.
package notice

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// DateLayout is the calendar date layout used on the wire and in saved documents.
const DateLayout = "2006-01-02"

// Beijing is the fixed UTC+8 zone every calendar date is anchored to.
var Beijing = time.FixedZone("UTC+8", 8*60*60)

// ResolvedCode is a ticker paired with the portal's internal organization id.
type ResolvedCode struct {
	Code  string `json:"code"`
	OrgID string `json:"orgId"`
}

// Stock renders the value of the search API's "stock" field.
func (c ResolvedCode) Stock() string {
	return c.Code + "," + c.OrgID
}

// DateRange is an inclusive span of calendar dates.
type DateRange struct {
	From time.Time
	To   time.Time
}

// String renders the range as "YYYY-MM-DD~YYYY-MM-DD".
func (r DateRange) String() string {
	return r.From.Format(DateLayout) + "~" + r.To.Format(DateLayout)
}

// Date is a calendar date serialized as "YYYY-MM-DD".
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day in the UTC+8 zone.
func NewDate(t time.Time) Date {
	t = t.In(Beijing)
	return Date{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Beijing)}
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode date: %w", err)
	}
	t, err := time.ParseInLocation(DateLayout, s, Beijing)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// Record is one announcement as kept in a query result.
type Record struct {
	SecName           string `json:"secName"`
	SecCode           string `json:"secCode"`
	AnnouncementID    string `json:"announcementId"`
	AnnouncementTime  Date   `json:"announcementTime"`
	AnnouncementTitle string `json:"announcementTitle"`
	AdjunctURL        string `json:"adjunctUrl"` // Absolute attachment URL
}

// Result is an ordered list of records. It is stored as an object keyed by
// stringified index so documents stay compatible with row-indexed exports.
type Result []Record

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	m := make(map[string]Record, len(r))
	for i, rec := range r {
		m[strconv.Itoa(i)] = rec
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler. Numeric keys are restored in
// numeric order; any other keys sort after them lexically.
func (r *Result) UnmarshalJSON(data []byte) error {
	var m map[string]Record
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	out := make(Result, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	*r = out
	return nil
}

// Query is a named, persisted announcement query and its latest result.
type Query struct {
	LastUpdateTime *time.Time     `json:"lastUpdateTime"` // Nil until the first fetch completes
	RecordCount    *int           `json:"recordCount"`    // Nil until the first fetch completes
	QueryName      string         `json:"queryName"`      // Unique name, also the storage identity
	SearchKey      string         `json:"searchKey"`      // Optional keyword filter
	FromDate       string         `json:"fromDate"`       // Fixed lower bound, YYYY-MM-DD
	ToDate         string         `json:"toDate"`         // Empty means the query is live
	ResolvedCodes  []ResolvedCode `json:"resolvedCodes"`
	StockNames     []string       `json:"stockNames"` // Distinct names present in Result
	Result         Result         `json:"result"`
}

// Live reports whether the query has no fixed upper bound and therefore
// picks up new announcements on update.
func (q *Query) Live() bool {
	return q.ToDate == ""
}

// Count returns the record count, or zero if the query was never fetched.
func (q *Query) Count() int {
	if q.RecordCount == nil {
		return 0
	}
	return *q.RecordCount
}

// UpdateReport describes the outcome of one update of a saved query.
// FailedCodes lists securities whose search failed or lost pages; a report
// with failures must not replace the saved result.
type UpdateReport struct {
	UpdatedAt   time.Time `json:"updatedAt"`
	QueryName   string    `json:"queryName"`
	Added       []Record  `json:"added,omitempty"` // Records with announcement ids unseen before the update
	FailedCodes []string  `json:"failedCodes,omitempty"`
	Previous    int       `json:"previous"`
	Current     int       `json:"current"`
	Delta       int       `json:"delta"`
	Frozen      bool      `json:"frozen"` // True when the query has a fixed upper bound and was left untouched
}

// Incomplete reports whether part of the update could not be fetched.
func (r *UpdateReport) Incomplete() bool {
	return len(r.FailedCodes) > 0
}

// Batch is everything one fetch produced for a single resolved code.
type Batch struct {
	Code         ResolvedCode
	Records      []Record
	SkippedPages []int // Pages that failed and were dropped
	Total        int   // totalAnnouncement as reported by the portal
}
