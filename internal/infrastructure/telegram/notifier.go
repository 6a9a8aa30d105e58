package telegram

import (
	"cmp"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

const maxMessageLen = 4096

// Notifier sends recommendation lists to Telegram chats via the bot API.
type Notifier struct {
	endpoint string
	botToken string
	chatID   string
	client   *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers the bot token and the fallback chat used for users without a contact.
func NewNotifier(endpoint, botToken, chatID string) *Notifier {
	return &Notifier{
		endpoint: strings.TrimSuffix(cmp.Or(endpoint, "https://api.telegram.org"), "/"),
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Configured reports whether a bot token is present.
func (n *Notifier) Configured() bool {
	return n != nil && n.botToken != ""
}

// Deliver posts one user's list as an HTML message.
func (n *Notifier) Deliver(ctx context.Context, user domain.User, rec domain.Recommendation, papers map[string]domain.Paper) error {
	chatID := cmp.Or(user.Contact, n.chatID)
	if n.botToken == "" || chatID == "" {
		return &domain.ConfigurationError{Field: "notifications.telegram", Reason: "bot token or chat id missing for user " + user.ID}
	}

	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", FormatMessage(user, rec, papers))
	form.Set("parse_mode", "HTML")
	form.Set("disable_web_page_preview", "true")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.endpoint, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return &domain.TransientError{Source: "telegram", Kind: domain.KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("telegram error: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &domain.TransientError{Source: "telegram", Kind: domain.KindRateLimited, Err: err}
		case resp.StatusCode >= http.StatusInternalServerError:
			return &domain.TransientError{Source: "telegram", Kind: domain.KindUnavailable, Err: err}
		}
		return err
	}

	return nil
}

// FormatMessage renders the list with a human-readable reason per paper.
func FormatMessage(user domain.User, rec domain.Recommendation, papers map[string]domain.Paper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Papers for %s</b>\n", html.EscapeString(cmp.Or(user.Name, user.ID)))
	if len(rec.Items) == 0 {
		b.WriteString("Nothing new matched your interests this time.")
		return b.String()
	}

	for i, item := range rec.Items {
		paper, ok := papers[item.PaperID]
		title := item.PaperID
		link := "https://arxiv.org/abs/" + item.PaperID
		if ok {
			title = cmp.Or(paper.Title, title)
			link = cmp.Or(paper.URL, link)
		}

		entry := fmt.Sprintf("\n%d. <a href=\"%s\">%s</a>\n", i+1, html.EscapeString(link), html.EscapeString(title))
		if reasons := DescribeReasons(item.Reasons); reasons != "" {
			entry += "<i>" + html.EscapeString(reasons) + "</i>\n"
		}
		if b.Len()+len(entry) > maxMessageLen {
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

// DescribeReasons turns reason codes like "tag:cs.CL" into a short sentence.
func DescribeReasons(reasons []string) string {
	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		kind, value, _ := strings.Cut(reason, ":")
		switch kind {
		case "tag":
			parts = append(parts, "tagged "+value)
		case "cluster":
			parts = append(parts, "in the \""+value+"\" cluster")
		case "title":
			parts = append(parts, "title mentions "+value)
		case "trending":
			parts = append(parts, "trending")
		case "novel":
			parts = append(parts, "highly novel")
		default:
			parts = append(parts, reason)
		}
	}
	return strings.Join(parts, "; ")
}
