package email

import (
	"cninfo-notices/pkg/notice"
	"fmt"
	"net/url"
	"strings"
)

func (s *Sender) formatUpdateBody(q *notice.Query, report *notice.UpdateReport) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"zh\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'PingFang SC', sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".summary { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString("table { width: 100%; border-collapse: collapse; }\n")
	b.WriteString("td { padding: 6px 8px; border-bottom: 1px solid #eee; vertical-align: top; }\n")
	b.WriteString(".date { color: #7f8c8d; white-space: nowrap; }\n")
	b.WriteString(".sec { font-weight: 600; white-space: nowrap; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; font-size: 0.9em; color: #7f8c8d; border-top: 1px solid #ddd; }\n")
	b.WriteString("a { color: #c0392b; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("td { border-bottom-color: #333; }\n")
	b.WriteString(".date, .footer { color: #a0a0a0; }\n")
	b.WriteString("a { color: #ff7b6b; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"summary\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(q.QueryName)))
	b.WriteString(fmt.Sprintf("<p>%d new announcement(s), %d in total since %s.</p>\n",
		len(report.Added), report.Current, escapeHTML(q.FromDate)))
	if q.SearchKey != "" {
		b.WriteString(fmt.Sprintf("<p>Keyword: <strong>%s</strong></p>\n", escapeHTML(q.SearchKey)))
	}
	b.WriteString("</div>\n")

	records := report.Added
	if len(records) > maxRecordsPerEmail {
		records = records[:maxRecordsPerEmail]
	}

	b.WriteString("<table>\n")
	for _, rec := range records {
		b.WriteString("<tr>\n")
		b.WriteString(fmt.Sprintf("<td class=\"date\">%s</td>\n", rec.AnnouncementTime.String()))
		b.WriteString(fmt.Sprintf("<td class=\"sec\">%s %s</td>\n", escapeHTML(rec.SecName), escapeHTML(rec.SecCode)))
		if isSafeURL(rec.AdjunctURL) {
			b.WriteString(fmt.Sprintf("<td><a href=\"%s\">%s</a></td>\n", escapeHTML(rec.AdjunctURL), escapeHTML(rec.AnnouncementTitle)))
		} else {
			b.WriteString(fmt.Sprintf("<td>%s</td>\n", escapeHTML(rec.AnnouncementTitle)))
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>\n")

	b.WriteString("<div class=\"footer\">\n")
	if omitted := len(report.Added) - len(records); omitted > 0 {
		b.WriteString(fmt.Sprintf("<p>%d more not shown.</p>\n", omitted))
	}
	if s.baseURL != "" {
		queryURL := fmt.Sprintf("%s/query?name=%s", s.baseURL, url.QueryEscape(q.QueryName))
		b.WriteString(fmt.Sprintf("<a href=\"%s\">View saved query</a>\n", escapeHTML(queryURL)))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL reports whether an attachment link may be rendered as a link.
// Only absolute http and https URLs are accepted.
func isSafeURL(urlStr string) bool {
	u, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
