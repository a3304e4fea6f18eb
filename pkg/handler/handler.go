// Package handler holds the business logic for each tenant kind.
package handler

import (
	"context"
	"strings"
	"time"

	"botfleet/pkg/delivery"
	"botfleet/pkg/platform"
	"botfleet/pkg/registry"
	"botfleet/pkg/tenant"
)

// Deliverer sends replies with push fallback.
type Deliverer interface {
	ReplyOrPush(ctx context.Context, bot *registry.BotInstance, replyToken, recipientID string, messages []platform.Message) (delivery.Outcome, error)
}

// LocationStore remembers each user's last shared location per tenant.
type LocationStore interface {
	SetLocation(ctx context.Context, tenantID, userID string, loc tenant.Location, at time.Time) error
	Location(ctx context.Context, tenantID, userID string) (*tenant.Location, error)
}

func reply(ctx context.Context, d Deliverer, bot *registry.BotInstance, event platform.InboundEvent, msgs ...platform.Message) error {
	_, err := d.ReplyOrPush(ctx, bot, event.ReplyToken, event.SenderID, msgs)
	return err
}

var greetings = []string{"hi", "hello", "hey", "help", "/start", "/help", "你好", "哈囉", "嗨"}

func isGreeting(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, g := range greetings {
		if text == g {
			return true
		}
	}
	return false
}

func containsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func eventTime(event platform.InboundEvent) time.Time {
	if event.Timestamp.IsZero() {
		return time.Now()
	}
	return event.Timestamp
}
