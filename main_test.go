package main

import (
	"bytes"
	"cninfo-notices/pkg/notice"
	"cninfo-notices/storage"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestSplitIdentifiers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "000001", want: []string{"000001"}},
		{in: "000001,平安银行", want: []string{"000001", "平安银行"}},
		{in: "000001，601628  平安银行", want: []string{"000001", "601628", "平安银行"}},
		{in: " , ", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := splitIdentifiers(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitIdentifiers(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &stderr); !errors.Is(err, errUsage) {
		t.Errorf("no args: err = %v", err)
	}
	if err := run(context.Background(), []string{"frobnicate"}, &stdout, &stderr); !errors.Is(err, errUsage) {
		t.Errorf("unknown command: err = %v", err)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunAgainstLocalStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOCAL_STORAGE", dir)
	t.Setenv("STORAGE_BUCKET", "")
	t.Setenv("EMAIL_PROVIDER", "mock")

	ctx := context.Background()
	store := storage.New(nil, "", dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	updated := time.Date(2021, 5, 14, 10, 0, 0, 0, notice.Beijing)
	count := 1
	q := &notice.Query{
		LastUpdateTime: &updated,
		RecordCount:    &count,
		QueryName:      "banks",
		FromDate:       "2020-05-14",
		StockNames:     []string{"平安银行"},
		Result: notice.Result{{
			SecName:           "平安银行",
			SecCode:           "000001",
			AnnouncementID:    "1209999999",
			AnnouncementTime:  notice.NewDate(updated),
			AnnouncementTitle: "2020年年度报告",
			AdjunctURL:        "http://static.cninfo.com.cn/finalpage/2021-05-14/1209999999.PDF",
		}},
	}
	if err := store.Save(ctx, q); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var out, errb bytes.Buffer
	if err := run(ctx, []string{"list"}, &out, &errb); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "banks") || !strings.Contains(out.String(), "2020-05-14~") {
		t.Errorf("list output = %q", out.String())
	}

	out.Reset()
	if err := run(ctx, []string{"show", "-name", "banks"}, &out, &errb); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "2020年年度报告") {
		t.Errorf("show output = %q", out.String())
	}

	if err := run(ctx, []string{"create", "-stocks", "000001"}, &out, &errb); !errors.Is(err, errUsage) {
		t.Errorf("create without -name: err = %v", err)
	}

	out.Reset()
	if err := run(ctx, []string{"delete", "-name", "banks"}, &out, &errb); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := run(ctx, []string{"show", "-name", "banks"}, &out, &errb)
	if !notice.IsNotFound(err) {
		t.Errorf("show after delete: err = %v, want not found", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		stderr string
	}{
		{name: "ok", err: nil, code: 0},
		{name: "help", err: flag.ErrHelp, code: 2},
		{name: "bare usage", err: errUsage, code: 2},
		{name: "wrapped usage", err: fmt.Errorf("%w: -name is required", errUsage), code: 2, stderr: "usage error: -name is required\n"},
		{name: "failure", err: errors.New("boom"), code: 1, stderr: "error: boom\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if got := exitCode(tt.err, &stderr); got != tt.code {
				t.Errorf("exitCode = %d, want %d", got, tt.code)
			}
			if stderr.String() != tt.stderr {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.stderr)
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestPrintRecordsReportsWriteError(t *testing.T) {
	records := []notice.Record{{SecName: "平安银行", AnnouncementTitle: "年报", AdjunctURL: "http://static.cninfo.com.cn/1.PDF"}}
	if err := printRecords(failingWriter{}, records); err == nil {
		t.Error("printRecords should return the write error")
	}
	if err := printRecords(failingWriter{}, nil); err != nil {
		t.Errorf("no records: err = %v", err)
	}
}
