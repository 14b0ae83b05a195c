package notice

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDateRangeString(t *testing.T) {
	r := DateRange{
		From: time.Date(2020, 5, 14, 0, 0, 0, 0, Beijing),
		To:   time.Date(2021, 5, 15, 0, 0, 0, 0, Beijing),
	}
	if got := r.String(); got != "2020-05-14~2021-05-15" {
		t.Errorf("String() = %q", got)
	}
}

func TestNewDateUsesBeijingDay(t *testing.T) {
	// 2021-05-13T18:30:00Z is already the 14th in UTC+8.
	d := NewDate(time.Date(2021, 5, 13, 18, 30, 0, 0, time.UTC))
	if d.String() != "2021-05-14" {
		t.Errorf("NewDate = %s, want 2021-05-14", d)
	}
}

func TestResultIndexOrdering(t *testing.T) {
	var recs Result
	for i := range 12 {
		recs = append(recs, Record{AnnouncementID: fmt.Sprintf("id-%d", i)})
	}

	data, err := json.Marshal(recs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"11":`) {
		t.Fatalf("expected index-keyed object, got %s", data)
	}

	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for i, rec := range back {
		if want := fmt.Sprintf("id-%d", i); rec.AnnouncementID != want {
			t.Errorf("position %d = %s, want %s", i, rec.AnnouncementID, want)
		}
	}
}

func TestQueryRoundTrip(t *testing.T) {
	now := time.Date(2021, 5, 14, 10, 0, 0, 0, time.UTC)
	count := 1
	q := &Query{
		QueryName:      "bank",
		SearchKey:      "年报",
		ResolvedCodes:  []ResolvedCode{{Code: "000001", OrgID: "gssz0000001"}},
		StockNames:     []string{"平安银行"},
		FromDate:       "2020-05-14",
		LastUpdateTime: &now,
		RecordCount:    &count,
		Result: Result{{
			SecName:           "平安银行",
			SecCode:           "000001",
			AnnouncementID:    "1209999999",
			AnnouncementTime:  NewDate(now),
			AnnouncementTitle: "2020年年度报告",
			AdjunctURL:        "http://static.cninfo.com.cn/finalpage/2021-05-14/1209999999.PDF",
		}},
	}

	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Query
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.LastUpdateTime.Equal(now) {
		t.Errorf("LastUpdateTime = %v, want %v", back.LastUpdateTime, now)
	}
	back.LastUpdateTime = q.LastUpdateTime
	if !back.Result[0].AnnouncementTime.Equal(q.Result[0].AnnouncementTime.Time) {
		t.Errorf("AnnouncementTime = %v", back.Result[0].AnnouncementTime)
	}
	back.Result[0].AnnouncementTime = q.Result[0].AnnouncementTime
	if !reflect.DeepEqual(&back, q) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, *q)
	}
	if !back.Live() {
		t.Error("query without toDate should be live")
	}
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("create: %w", &ResolutionError{Input: "foo"})
	if !IsResolutionError(wrapped) {
		t.Error("IsResolutionError should see through wrapping")
	}
	if IsInvalidRange(wrapped) {
		t.Error("resolution error is not a range error")
	}

	cause := errors.New("connection reset")
	tf := &TransientFetchError{Stock: "000001,gssz0000001", Page: 1, Attempts: 3, Err: cause}
	if !errors.Is(tf, cause) {
		t.Error("TransientFetchError should unwrap to its cause")
	}
	if !IsTransientFetch(fmt.Errorf("outer: %w", tf)) {
		t.Error("IsTransientFetch should see through wrapping")
	}

	if !IsNotFound(&PersistenceError{Name: "x", NotFound: true}) {
		t.Error("IsNotFound should report missing documents")
	}
	if IsNotFound(&PersistenceError{Name: "x", Err: errors.New("bad json")}) {
		t.Error("malformed documents are not 'not found'")
	}
}
