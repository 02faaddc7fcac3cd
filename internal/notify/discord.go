package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Embed colours per event; anything unlisted is grey.
var discordColors = map[string]int{
	"job_failed":        0xE74C3C,
	"dispute_escalated": 0xF39C12,
	"market_conflict":   0xE67E22,
	"error":             0x8E44AD,
}

const discordDefaultColor = 0x95A5A6

// DiscordSender posts alerts to a webhook as one embed each.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{Timeout: senderTimeout}}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// Send posts the alert with each field as an inline embed field.
func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	embed := discordEmbed{Title: alert.heading(), Description: alert.Message, Color: discordDefaultColor}
	if c, ok := discordColors[alert.Event]; ok {
		embed.Color = c
	}
	for _, k := range alert.fieldKeys() {
		embed.Fields = append(embed.Fields, discordField{Name: k, Value: alert.Fields[k], Inline: true})
	}
	embed.Footer.Text = alert.footer()

	if err := postJSON(ctx, d.client, d.webhookURL, map[string]any{"embeds": []discordEmbed{embed}}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
