// Package resolver maps ticker codes and company names onto the portal's
// (code, orgId) pairs using the exchange reference table.
package resolver

import (
	"cninfo-notices/pkg/notice"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultTableURL is where the portal publishes its reference table.
const DefaultTableURL = "http://www.cninfo.com.cn/new/data/szse_stock.json"

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Entry is one row of the reference table.
type Entry struct {
	Code  string `json:"code"`
	OrgID string `json:"orgId"`
	Name  string `json:"zwjc"` // Short Chinese display name
}

// Resolver looks up securities in an immutable reference table.
type Resolver struct {
	byCode map[string]Entry
	byName map[string]Entry
	size   int
}

// New builds a resolver. When a code or name appears more than once the
// first row wins.
func New(entries []Entry) *Resolver {
	r := &Resolver{
		byCode: make(map[string]Entry, len(entries)),
		byName: make(map[string]Entry, len(entries)),
		size:   len(entries),
	}
	for _, e := range entries {
		if _, ok := r.byCode[e.Code]; !ok && e.Code != "" {
			r.byCode[e.Code] = e
		}
		if _, ok := r.byName[e.Name]; !ok && e.Name != "" {
			r.byName[e.Name] = e
		}
	}
	return r
}

// Parse decodes a reference table. Both a bare array and an object that
// wraps the array under a collection key (such as "stockList") are accepted.
func Parse(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode reference table: %w", err)
	}
	if raw, ok := wrapped["stockList"]; ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode stockList: %w", err)
		}
		return entries, nil
	}
	for _, raw := range wrapped {
		if err := json.Unmarshal(raw, &entries); err == nil && len(entries) > 0 {
			return entries, nil
		}
	}
	return nil, errors.New("decode reference table: no entry collection found")
}

// LoadFile reads the reference table from disk.
func LoadFile(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference table: %w", err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return New(entries), nil
}

// LoadURL downloads the reference table.
func LoadURL(ctx context.Context, client *http.Client, tableURL string, logger *slog.Logger) (*Resolver, error) {
	var data []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, tableURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			data, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying reference table download", "attempt", n, "url", tableURL, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("download reference table: %w", err)
	}

	entries, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logger.Info("Reference table downloaded", "url", tableURL, "entries", len(entries))
	return New(entries), nil
}

// Load reads the table from a file path or an http(s) URL.
func Load(ctx context.Context, client *http.Client, source string, logger *slog.Logger) (*Resolver, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return LoadURL(ctx, client, source, logger)
	}
	return LoadFile(source)
}

// Resolve turns a six digit code or a display name into a ResolvedCode.
func (r *Resolver) Resolve(input string) (notice.ResolvedCode, error) {
	input = strings.TrimSpace(input)

	var (
		e  Entry
		ok bool
	)
	if codePattern.MatchString(input) {
		e, ok = r.byCode[input]
	} else {
		e, ok = r.byName[input]
	}
	if !ok {
		return notice.ResolvedCode{}, &notice.ResolutionError{Input: input}
	}
	return notice.ResolvedCode{Code: e.Code, OrgID: e.OrgID}, nil
}

// CodeToName returns the display name for a code.
func (r *Resolver) CodeToName(code string) (string, error) {
	e, ok := r.byCode[code]
	if !ok {
		return "", &notice.ResolutionError{Input: code}
	}
	return e.Name, nil
}

// Len returns the number of rows in the table.
func (r *Resolver) Len() int {
	return r.size
}
