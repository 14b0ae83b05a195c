// Package download saves announcement attachments to a local directory.
package download

import (
	"cninfo-notices/pkg/notice"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

// Summary tallies one download run.
type Summary struct {
	Failed     []string // Announcement ids that could not be saved
	Downloaded int
	Skipped    int
}

// Downloader fetches attachments one at a time at a bounded rate.
type Downloader struct {
	client     *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	dir        string
	attempts   uint
	retryDelay time.Duration
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithInterval sets the minimum spacing between downloads. Zero disables pacing.
func WithInterval(d time.Duration) Option {
	return func(dl *Downloader) {
		if d <= 0 {
			dl.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		dl.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithAttempts sets how many times each file is tried.
func WithAttempts(n uint) Option {
	return func(dl *Downloader) {
		if n > 0 {
			dl.attempts = n
		}
	}
}

// WithRetryDelay sets the base back-off between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(dl *Downloader) {
		if d > 0 {
			dl.retryDelay = d
		}
	}
}

// New creates a downloader writing into dir.
func New(client *http.Client, logger *slog.Logger, dir string, opts ...Option) *Downloader {
	dl := &Downloader{
		client:     client,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		dir:        dir,
		attempts:   3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(dl)
	}
	return dl
}

// Download saves every record's attachment. Existing files are kept unless
// overwrite is set. A failed file is logged and counted; it never stops the run.
func (d *Downloader) Download(ctx context.Context, records []notice.Record, overwrite bool) (*Summary, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	summary := &Summary{}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		target := filepath.Join(d.dir, FileName(rec))
		if !overwrite {
			if _, err := os.Stat(target); err == nil {
				d.logger.Debug("Attachment already downloaded", "path", target)
				summary.Skipped++
				continue
			}
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return summary, err
		}

		if err := d.fetch(ctx, rec.AdjunctURL, target); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			d.logger.Warn("Failed to download attachment",
				"announcement_id", rec.AnnouncementID,
				"url", rec.AdjunctURL,
				"error", err)
			summary.Failed = append(summary.Failed, rec.AnnouncementID)
			continue
		}
		summary.Downloaded++
	}

	d.logger.Info("Download run complete",
		"dir", d.dir,
		"downloaded", summary.Downloaded,
		"skipped", summary.Skipped,
		"failed", len(summary.Failed))
	return summary, nil
}

func (d *Downloader) fetch(ctx context.Context, src, target string) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			startTime := time.Now()
			resp, err := d.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			n, err := writeAtomic(target, resp.Body)
			if err != nil {
				return err
			}
			d.logger.Info("Attachment downloaded",
				"path", target,
				"bytes", n,
				"duration_ms", time.Since(startTime).Milliseconds())
			return nil
		},
		retry.Attempts(d.attempts),
		retry.Delay(d.retryDelay),
		retry.MaxDelay(30*d.retryDelay),
		retry.MaxJitter(d.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying download after error", "attempt", n, "url", src, "error", err)
		}),
	)
}

// writeAtomic copies r into a temporary file beside target and renames it
// into place so an interrupted download never leaves a partial file.
func writeAtomic(target string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("move attachment into place: %w", err)
	}
	return n, nil
}

var nameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\n", " ", "\r", " ", "\t", " ",
)

// FileName builds "{secName}_{YYYYMMDD}_{announcementId}_{title}{ext}".
// The extension comes from the attachment URL and defaults to ".pdf".
func FileName(rec notice.Record) string {
	ext := ".pdf"
	if u, err := url.Parse(rec.AdjunctURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" && len(e) <= 5 {
			ext = e
		}
	}
	name := fmt.Sprintf("%s_%s_%s_%s",
		rec.SecName,
		rec.AnnouncementTime.Format("20060102"),
		rec.AnnouncementID,
		strings.TrimSpace(rec.AnnouncementTitle))
	return nameReplacer.Replace(name) + ext
}
