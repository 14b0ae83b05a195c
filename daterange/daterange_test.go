package daterange

import (
	"cninfo-notices/pkg/notice"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	return func() time.Time {
		// 2021-05-14 10:00 in UTC+8.
		return time.Date(2021, 5, 14, 2, 0, 0, 0, time.UTC)
	}
}

func TestCompute(t *testing.T) {
	c := NewWithClock(fixedClock())

	tests := []struct {
		name string
		from string
		to   string
		want string
	}{
		{name: "both absent", want: "2020-05-14~2021-05-15"},
		{name: "equal bounds", from: "2021-01-04", to: "2021-01-04", want: "2021-01-04~2021-01-04"},
		{name: "compact layout", from: "20210101", to: "20210131", want: "2021-01-01~2021-01-31"},
		{name: "mixed layouts", from: "2021-01-01", to: "20210131", want: "2021-01-01~2021-01-31"},
		{name: "only from", from: "2021-05-01", want: "2021-05-01~2021-05-15"},
		{name: "only to anchors the default span", to: "2021-03-01", want: "2020-03-01~2021-03-01"},
		{name: "earliest allowed", from: "2000-01-01", to: "2000-01-31", want: "2000-01-01~2000-01-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Compute(tt.from, tt.to)
			if err != nil {
				t.Fatalf("Compute(%q, %q) unexpected error: %v", tt.from, tt.to, err)
			}
			if got.String() != tt.want {
				t.Errorf("Compute(%q, %q) = %s, want %s", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestComputeInvalid(t *testing.T) {
	c := NewWithClock(fixedClock())

	tests := []struct {
		name string
		from string
		to   string
	}{
		{name: "before earliest", from: "1999-12-31"},
		{name: "from after to", from: "2021-02-01", to: "2021-01-01"},
		{name: "default lower before earliest", to: "2000-06-01"},
		{name: "garbage from", from: "yesterday"},
		{name: "garbage to", to: "2021/01/01"},
		{name: "impossible date", from: "2021-02-30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compute(tt.from, tt.to)
			if !notice.IsInvalidRange(err) {
				t.Errorf("Compute(%q, %q) error = %v, want InvalidRangeError", tt.from, tt.to, err)
			}
		})
	}
}

func TestTodayCrossesMidnightInUTC8(t *testing.T) {
	c := NewWithClock(func() time.Time {
		return time.Date(2021, 5, 13, 17, 30, 0, 0, time.UTC)
	})
	if got := Format(c.Today()); got != "2021-05-14" {
		t.Errorf("Today = %s, want 2021-05-14", got)
	}
}
