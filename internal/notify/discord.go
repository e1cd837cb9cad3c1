package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DiscordSender posts selected events to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	events     map[string]bool
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL. Only
// event types listed in events are posted; an empty list posts every
// lifecycle event but no trades.
func NewDiscordSender(webhookURL string, events []string) *DiscordSender {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	if len(allowed) == 0 {
		allowed[EventMarketCreated] = true
		allowed[EventMarketClosed] = true
		allowed[EventMarketResolved] = true
		allowed[EventMarketCancelled] = true
	}
	return &DiscordSender{
		webhookURL: webhookURL,
		events:     allowed,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish posts e unless its type is filtered out. Discord returns 204 on
// success.
func (d *DiscordSender) Publish(ctx context.Context, e Event) error {
	if !d.events[e.Type] {
		return nil
	}

	body, err := json.Marshal(map[string]string{"content": formatDiscord(e)})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sink identifier.
func (d *DiscordSender) Name() string { return "discord" }

func formatDiscord(e Event) string {
	title := e.Title
	if title == "" {
		title = e.MarketID
	}
	switch e.Type {
	case EventMarketResolved:
		return fmt.Sprintf("**Market resolved:** %s\nWinning outcome `%s`, %d position(s) paid out",
			title, e.OutcomeID, e.PayoutCount)
	case EventMarketCancelled:
		return fmt.Sprintf("**Market cancelled:** %s", title)
	case EventMarketClosed:
		return fmt.Sprintf("**Market closed:** %s", title)
	case EventMarketCreated:
		return fmt.Sprintf("**New market:** %s", title)
	case EventTradeExecuted:
		return fmt.Sprintf("**Trade:** %s %s shares of `%s` at %s in %s",
			e.TradeType, e.Shares, e.OutcomeID, e.Price, title)
	}
	return fmt.Sprintf("**%s:** %s", e.Type, title)
}
