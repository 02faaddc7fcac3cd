package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts to a chat through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat id.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: senderTimeout},
	}
}

// WithAPIBase points the sender at a different Bot API host.
func (t *TelegramSender) WithAPIBase(base string) *TelegramSender {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

var mdEscape = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// Send renders the alert as Markdown: bold heading, message, then one
// line per field with the value in code style.
func (t *TelegramSender) Send(ctx context.Context, alert Alert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n%s", mdEscape.Replace(alert.heading()), mdEscape.Replace(alert.Message))
	for _, k := range alert.fieldKeys() {
		fmt.Fprintf(&b, "\n%s: `%s`", mdEscape.Replace(k), strings.ReplaceAll(alert.Fields[k], "`", "'"))
	}
	fmt.Fprintf(&b, "\n_%s_", mdEscape.Replace(alert.footer()))

	err := postJSON(ctx, t.client, t.apiBase+"/bot"+t.token+"/sendMessage", map[string]string{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Name returns "telegram".
func (t *TelegramSender) Name() string { return "telegram" }
