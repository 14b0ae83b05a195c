package query

import (
	"cninfo-notices/daterange"
	"cninfo-notices/pkg/notice"
	"cninfo-notices/resolver"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

var (
	pingAn = notice.ResolvedCode{Code: "000001", OrgID: "gssz0000001"}
	vanke  = notice.ResolvedCode{Code: "000002", OrgID: "gssz0000002"}
	life   = notice.ResolvedCode{Code: "601628", OrgID: "9900001881"}
)

var clock = func() time.Time { return time.Date(2021, 5, 14, 2, 0, 0, 0, time.UTC) }

type fetchCall struct {
	code      notice.ResolvedCode
	searchKey string
	rng       string
}

type fakeFetcher struct {
	batches map[string]*notice.Batch
	errs    map[string]error
	calls   []fetchCall
}

func (f *fakeFetcher) FetchAll(_ context.Context, code notice.ResolvedCode, searchKey string, rng notice.DateRange) (*notice.Batch, error) {
	f.calls = append(f.calls, fetchCall{code: code, searchKey: searchKey, rng: rng.String()})
	if err := f.errs[code.Code]; err != nil {
		return nil, err
	}
	if b, ok := f.batches[code.Code]; ok {
		return b, nil
	}
	return nil, notice.ErrNoRecords
}

type memStore struct {
	docs map[string]*notice.Query
}

func (m *memStore) Save(_ context.Context, q *notice.Query) error {
	m.docs[q.QueryName] = q
	return nil
}

func (m *memStore) Load(_ context.Context, name string) (*notice.Query, error) {
	q, ok := m.docs[name]
	if !ok {
		return nil, &notice.PersistenceError{Name: name, NotFound: true}
	}
	return q, nil
}

func records(code notice.ResolvedCode, name string, ids ...int) []notice.Record {
	var out []notice.Record
	for _, id := range ids {
		out = append(out, notice.Record{
			SecName:           name,
			SecCode:           code.Code,
			AnnouncementID:    fmt.Sprint(id),
			AnnouncementTime:  notice.NewDate(clock()),
			AnnouncementTitle: fmt.Sprintf("%s 公告 %d", name, id),
			AdjunctURL:        fmt.Sprintf("http://static.cninfo.com.cn/%d.PDF", id),
		})
	}
	return out
}

func newEngine(f *fakeFetcher) (*Engine, *memStore) {
	r := resolver.New([]resolver.Entry{
		{Code: "000001", OrgID: "gssz0000001", Name: "平安银行"},
		{Code: "000002", OrgID: "gssz0000002", Name: "万科A"},
		{Code: "601628", OrgID: "9900001881", Name: "中国人寿"},
	})
	store := &memStore{docs: make(map[string]*notice.Query)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(r, f, daterange.NewWithClock(clock), store, logger).WithClock(clock)
	return e, store
}

func TestCreateMergesInInputOrder(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*notice.Batch{
		"000001": {Code: pingAn, Total: 2, Records: records(pingAn, "平安银行", 1, 2)},
		"601628": {Code: life, Total: 1, Records: records(life, "中国人寿", 3)},
	}}
	e, _ := newEngine(f)

	q, err := e.Create(context.Background(), CreateRequest{
		Name:        "insurers",
		Identifiers: []string{"中国人寿", "000001", "万科A"},
		SearchKey:   "年报",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var ids []string
	for _, rec := range q.Result {
		ids = append(ids, rec.AnnouncementID)
	}
	if fmt.Sprint(ids) != "[3 1 2]" {
		t.Errorf("result order = %v, want [3 1 2]", ids)
	}
	if q.Count() != 3 {
		t.Errorf("RecordCount = %d, want 3", q.Count())
	}
	// 万科A resolved but matched nothing, so it is not listed.
	if !reflect.DeepEqual(q.StockNames, []string{"中国人寿", "平安银行"}) {
		t.Errorf("StockNames = %v", q.StockNames)
	}
	if !reflect.DeepEqual(q.ResolvedCodes, []notice.ResolvedCode{life, pingAn, vanke}) {
		t.Errorf("ResolvedCodes = %v", q.ResolvedCodes)
	}
	if q.FromDate != "2020-05-14" || q.ToDate != "" || !q.Live() {
		t.Errorf("dates = %q~%q", q.FromDate, q.ToDate)
	}
	if q.LastUpdateTime == nil || !q.LastUpdateTime.Equal(clock()) {
		t.Errorf("LastUpdateTime = %v", q.LastUpdateTime)
	}
	for _, c := range f.calls {
		if c.rng != "2020-05-14~2021-05-15" || c.searchKey != "年报" {
			t.Errorf("fetch call = %+v", c)
		}
	}
}

func TestCreateAbortsOnUnknownIdentifier(t *testing.T) {
	f := &fakeFetcher{}
	e, _ := newEngine(f)

	_, err := e.Create(context.Background(), CreateRequest{Name: "x", Identifiers: []string{"000001", "不存在"}})
	if !notice.IsResolutionError(err) {
		t.Fatalf("err = %v, want ResolutionError", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("fetcher was called %d times before resolution finished", len(f.calls))
	}
}

func TestCreateRejectsInvalidRange(t *testing.T) {
	f := &fakeFetcher{}
	e, _ := newEngine(f)

	_, err := e.Create(context.Background(), CreateRequest{Name: "x", Identifiers: []string{"000001"}, FromDate: "1999-12-31"})
	if !notice.IsInvalidRange(err) {
		t.Fatalf("err = %v, want InvalidRangeError", err)
	}
	if len(f.calls) != 0 {
		t.Error("fetcher should not run for an invalid range")
	}
}

func TestCreateContinuesPastTransientFailure(t *testing.T) {
	f := &fakeFetcher{
		batches: map[string]*notice.Batch{"000002": {Code: vanke, Total: 1, Records: records(vanke, "万科A", 9)}},
		errs:    map[string]error{"000001": &notice.TransientFetchError{Stock: pingAn.Stock(), Page: 1, Attempts: 3, Err: errors.New("HTTP 502")}},
	}
	e, _ := newEngine(f)

	q, err := e.Create(context.Background(), CreateRequest{Name: "x", Identifiers: []string{"000001", "000002"}, FromDate: "2021-01-01", ToDate: "20210131"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if q.Count() != 1 || q.Result[0].AnnouncementID != "9" {
		t.Errorf("result = %+v", q.Result)
	}
	if q.ToDate != "2021-01-31" || q.Live() {
		t.Errorf("ToDate = %q, want normalized fixed bound", q.ToDate)
	}
}

func TestCreateDeduplicatesCodes(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*notice.Batch{
		"000001": {Code: pingAn, Total: 1, Records: records(pingAn, "平安银行", 1)},
	}}
	e, _ := newEngine(f)

	q, err := e.Create(context.Background(), CreateRequest{Name: "x", Identifiers: []string{"000001", "平安银行"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 || q.Count() != 1 {
		t.Errorf("calls = %d, records = %d, want 1 and 1", len(f.calls), q.Count())
	}
}

func TestCreateAllEmpty(t *testing.T) {
	e, _ := newEngine(&fakeFetcher{})
	q, err := e.Create(context.Background(), CreateRequest{Name: "x", Identifiers: []string{"000001"}})
	if err != nil {
		t.Fatal(err)
	}
	if q.RecordCount == nil || *q.RecordCount != 0 || len(q.StockNames) != 0 {
		t.Errorf("empty query = %+v", q)
	}
}

func TestUpdateFrozenIsNoop(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*notice.Batch{
		"000001": {Code: pingAn, Total: 2, Records: records(pingAn, "平安银行", 1, 2)},
	}}
	e, _ := newEngine(f)
	ctx := context.Background()

	q, err := e.Create(ctx, CreateRequest{Name: "x", Identifiers: []string{"000001"}, FromDate: "2021-01-01", ToDate: "2021-03-01"})
	if err != nil {
		t.Fatal(err)
	}
	before := *q
	calls := len(f.calls)

	report, err := e.Update(ctx, q)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !report.Frozen || report.Delta != 0 || report.Current != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(f.calls) != calls {
		t.Error("frozen update should not fetch")
	}
	if !reflect.DeepEqual(*q, before) {
		t.Error("frozen update modified the query")
	}
}

func TestUpdateLiveReportsDelta(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*notice.Batch{
		"000001": {Code: pingAn, Total: 2, Records: records(pingAn, "平安银行", 1, 2)},
	}}
	e, store := newEngine(f)
	ctx := context.Background()

	q, err := e.Create(ctx, CreateRequest{Name: "bank", Identifiers: []string{"000001"}, FromDate: "2021-01-01"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Save(ctx, q); err != nil {
		t.Fatal(err)
	}

	f.batches["000001"] = &notice.Batch{Code: pingAn, Total: 4, Records: records(pingAn, "平安银行", 5, 4, 1, 2)}
	later := clock().Add(24 * time.Hour)
	e.WithClock(func() time.Time { return later })

	loaded, err := e.Load(ctx, "bank")
	if err != nil {
		t.Fatal(err)
	}
	report, err := e.Update(ctx, loaded)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if report.Frozen || report.Previous != 2 || report.Current != 4 || report.Delta != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Added) != 2 || report.Added[0].AnnouncementID != "5" || report.Added[1].AnnouncementID != "4" {
		t.Errorf("added = %+v", report.Added)
	}
	if !loaded.LastUpdateTime.Equal(later) {
		t.Errorf("LastUpdateTime = %v, want %v", loaded.LastUpdateTime, later)
	}
	last := f.calls[len(f.calls)-1]
	if last.rng != "2021-01-01~2021-05-15" {
		t.Errorf("update range = %s, want original lower bound to tomorrow", last.rng)
	}
	if store.docs["bank"].Count() != 4 {
		t.Error("update should mutate the loaded query in place")
	}
}

func TestUpdateCanShrink(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*notice.Batch{
		"000001": {Code: pingAn, Total: 3, Records: records(pingAn, "平安银行", 1, 2, 3)},
	}}
	e, _ := newEngine(f)
	ctx := context.Background()

	q, err := e.Create(ctx, CreateRequest{Name: "bank", Identifiers: []string{"000001"}})
	if err != nil {
		t.Fatal(err)
	}

	// The first page failed this time, so the identifier contributes nothing.
	f.errs = map[string]error{"000001": &notice.TransientFetchError{Page: 1, Attempts: 3, Err: errors.New("timeout")}}
	report, err := e.Update(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if report.Delta != -3 || q.Count() != 0 {
		t.Errorf("delta = %d, count = %d", report.Delta, q.Count())
	}
	if !report.Incomplete() || !reflect.DeepEqual(report.FailedCodes, []string{"000001"}) {
		t.Errorf("FailedCodes = %v, want [000001]", report.FailedCodes)
	}
}

func TestUpdateFlagsSkippedPages(t *testing.T) {
	f := &fakeFetcher{batches: map[string]*notice.Batch{
		"000001": {Code: pingAn, Total: 2, Records: records(pingAn, "平安银行", 1, 2)},
		"601628": {Code: life, Total: 1, Records: records(life, "中国人寿", 3)},
	}}
	e, _ := newEngine(f)
	ctx := context.Background()

	q, err := e.Create(ctx, CreateRequest{Name: "mixed", Identifiers: []string{"000001", "601628"}})
	if err != nil {
		t.Fatal(err)
	}

	f.batches["601628"] = &notice.Batch{Code: life, Total: 40, Records: records(life, "中国人寿", 3), SkippedPages: []int{2}}
	report, err := e.Update(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.FailedCodes, []string{"601628"}) {
		t.Errorf("FailedCodes = %v, want [601628]", report.FailedCodes)
	}

	f.batches["601628"] = &notice.Batch{Code: life, Total: 1, Records: records(life, "中国人寿", 3)}
	report, err = e.Update(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if report.Incomplete() {
		t.Errorf("clean update reported failures: %v", report.FailedCodes)
	}
}

func TestUpdateStopsOnCancellation(t *testing.T) {
	f := &fakeFetcher{}
	e, _ := newEngine(f)
	q := &notice.Query{QueryName: "x", FromDate: "2021-01-01", ResolvedCodes: []notice.ResolvedCode{pingAn}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Update(ctx, q); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if q.RecordCount != nil {
		t.Error("canceled update must not touch the query")
	}
}
