package email

import (
	"context"
	"encoding/base64"
	"log/slog"
	"mime"
	"net/mail"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider delivers digests through the Gmail API.
type GmailProvider struct {
	service  *gmail.Service
	logger   *slog.Logger
	fromAddr string // Gmail fills in the authenticated account when empty
	fromName string
}

// NewGmailProvider returns a provider sending as fromAddr.
func NewGmailProvider(service *gmail.Service, fromAddr, fromName string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger, fromAddr: fromAddr, fromName: fromName}
}

// cleanHeader drops control characters so a value stays on its header line.
func cleanHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// buildMessage renders an RFC 5322 message with an HTML body. Query names
// are usually Chinese, hence the encoded subject.
func (g *GmailProvider) buildMessage(to, subject, htmlBody string) string {
	headers := [][2]string{{"MIME-Version", "1.0"}}
	if g.fromAddr != "" {
		from := mail.Address{Name: cleanHeader(g.fromName), Address: cleanHeader(g.fromAddr)}
		headers = append(headers, [2]string{"From", from.String()})
	}
	headers = append(headers,
		[2]string{"To", cleanHeader(to)},
		[2]string{"Subject", mime.BEncoding.Encode("utf-8", cleanHeader(subject))},
		[2]string{"Content-Type", "text/html; charset=utf-8"},
	)

	var msg strings.Builder
	for _, h := range headers {
		msg.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send implements Provider.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw := base64.URLEncoding.EncodeToString([]byte(g.buildMessage(to, subject, htmlBody)))
	return deliver(ctx, g.logger, "gmail", to, func() error {
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		return err
	})
}
