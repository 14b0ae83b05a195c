// Package email sends update digests for saved queries via pluggable providers.
package email

import (
	"cninfo-notices/pkg/notice"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// maxRecordsPerEmail caps how many announcements a single digest lists.
const maxRecordsPerEmail = 50

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends update digests using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links back to the service, may be empty
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendUpdate mails the announcements an update added to a query.
// Nothing is sent when the update found nothing new.
func (s *Sender) SendUpdate(ctx context.Context, to string, q *notice.Query, report *notice.UpdateReport) error {
	if report == nil || len(report.Added) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[%s] %d new announcement(s)", q.QueryName, len(report.Added))
	body := s.formatUpdateBody(q, report)

	s.logger.Info("Sending update email",
		"to", to,
		"query", q.QueryName,
		"subject", subject,
		"record_count", len(report.Added))

	return s.provider.Send(ctx, to, subject, body)
}

// deliver runs attempt with the retry policy shared by the API-backed
// providers and logs the outcome once.
func deliver(ctx context.Context, logger *slog.Logger, provider, to string, attempt func() error) error {
	start := time.Now()
	err := retry.Do(attempt,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Email delivery attempt failed", "provider", provider, "to", to, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	logger.Info("Email delivered", "provider", provider, "to", to, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
