// Package telegram implements platform.Client for the Telegram Bot API in
// webhook mode.
package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/tidwall/gjson"

	"botfleet/pkg/platform"
	"botfleet/pkg/tenant"
)

const messagePreviewLimit = 240

// replyTargetMissing is the Bot API error text for a reply whose target
// message is gone; it is Telegram's equivalent of an expired reply token.
const replyTargetMissing = "message to be replied not found"

// Sender is the subset of the Bot API the client calls.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
}

// Client is a Telegram client bound to one tenant's bot token. The tenant
// secret is the webhook secret token Telegram echoes in every request.
type Client struct {
	bot       Sender
	secret    string
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// New builds a Telegram client from tenant credentials. The optional
// allow_from feature restricts which chats are accepted.
func New(cfg tenant.Config, log *slog.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.Credentials.AccessToken)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	allow, _ := cfg.Feature("allow_from")
	return NewWithSender(bot, cfg.Credentials.Secret, parseCSV(allow), log), nil
}

// NewWithSender wires an existing Bot API implementation.
func NewWithSender(bot Sender, secret string, allowFrom []string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		bot:       bot,
		secret:    secret,
		allowFrom: allowFromSet(allowFrom),
		log:       log.With("component", "platform.telegram"),
	}
}

// Platform identifies the client as Telegram.
func (c *Client) Platform() tenant.Platform {
	return tenant.PlatformTelegram
}

// VerifySignature compares the X-Telegram-Bot-Api-Secret-Token header with
// the tenant secret in constant time.
func (c *Client) VerifySignature(_ []byte, signature string) bool {
	if c.secret == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.secret), []byte(signature)) == 1
}

// ParseEvents converts one Telegram update into at most one event. Updates
// from chats outside allow_from are dropped.
func (c *Client) ParseEvents(body []byte) ([]platform.InboundEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid json", platform.ErrMalformedPayload)
	}
	update := gjson.ParseBytes(body)
	if !update.IsObject() || !update.Get("update_id").Exists() {
		return nil, fmt.Errorf("%w: update_id missing", platform.ErrMalformedPayload)
	}

	message := update.Get("message")
	if !message.Exists() {
		message = update.Get("edited_message")
	}
	if !message.Exists() {
		return []platform.InboundEvent{{
			ID:   update.Get("update_id").String(),
			Type: platform.EventOther,
			Kind: platform.PayloadOther,
		}}, nil
	}

	chatID := message.Get("chat.id").String()
	if !c.senderAllowed(chatID) {
		c.log.Debug("Ignoring update from unauthorized chat", "chat_id", chatID)
		return nil, nil
	}

	event := platform.InboundEvent{
		ID:         update.Get("update_id").String(),
		Type:       platform.EventMessage,
		ReplyToken: chatID + ":" + message.Get("message_id").String(),
		SenderID:   chatID,
		Kind:       platform.PayloadOther,
	}
	if unix := message.Get("date").Int(); unix > 0 {
		event.Timestamp = time.Unix(unix, 0).UTC()
	}

	switch {
	case message.Get("location").Exists():
		event.Kind = platform.PayloadLocation
		event.Location = &tenant.Location{
			Latitude:  message.Get("location.latitude").Float(),
			Longitude: message.Get("location.longitude").Float(),
			Name:      message.Get("venue.title").String(),
		}
	case message.Get("text").Exists():
		event.Kind = platform.PayloadText
		event.Text = message.Get("text").String()
		if strings.HasPrefix(event.Text, "/start") {
			event.Type = platform.EventFollow
		}
	}

	return []platform.InboundEvent{event}, nil
}

// Reply answers the message identified by replyToken ("<chat_id>:<message_id>").
// Only the first message quotes the original.
func (c *Client) Reply(ctx context.Context, replyToken string, messages []platform.Message) error {
	chatID, messageID, err := splitReplyToken(replyToken)
	if err != nil {
		return fmt.Errorf("telegram reply: %w: %v", platform.ErrReplyTokenInvalid, err)
	}

	if err := c.send(ctx, chatID, messageID, messages); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), replyTargetMissing) {
			return fmt.Errorf("telegram reply: %w: %v", platform.ErrReplyTokenInvalid, err)
		}
		return fmt.Errorf("telegram reply: %w", err)
	}
	return nil
}

// Push sends messages to a chat without quoting.
func (c *Client) Push(ctx context.Context, recipientID string, messages []platform.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram push: invalid chat id %q", recipientID)
	}
	if err := c.send(ctx, chatID, 0, messages); err != nil {
		return fmt.Errorf("telegram push: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, chatID int64, replyTo int, messages []platform.Message) error {
	if len(messages) == 0 {
		return errors.New("at least one message is required")
	}

	for i, message := range messages {
		var reply *telego.ReplyParameters
		if i == 0 && replyTo != 0 {
			reply = &telego.ReplyParameters{MessageID: replyTo}
		}

		switch message.Kind {
		case platform.MessageImage:
			params := tu.Photo(tu.ID(chatID), tu.FileFromURL(message.ImageURL))
			params.ReplyParameters = reply
			if _, err := c.bot.SendPhoto(ctx, params); err != nil {
				return err
			}
		default:
			params := tu.Message(tu.ID(chatID), message.Text)
			params.ReplyParameters = reply
			if _, err := c.bot.SendMessage(ctx, params); err != nil {
				return err
			}
		}
		c.log.Debug("Sent message", "chat_id", chatID, "kind", message.Kind, "content", previewText(message.Text))
	}
	return nil
}

func splitReplyToken(token string) (int64, int, error) {
	chatPart, messagePart, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed reply token %q", token)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed chat id in reply token %q", token)
	}
	messageID, err := strconv.Atoi(messagePart)
	if err != nil || messageID <= 0 {
		return 0, 0, fmt.Errorf("malformed message id in reply token %q", token)
	}
	return chatID, messageID, nil
}

// senderAllowed checks whether a chat is permitted by allow_from.
//
// When no allow list is configured, all chats are accepted.
func (c *Client) senderAllowed(chatID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	_, ok := c.allowFrom[strings.TrimSpace(chatID)]
	return ok
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	return slices.Clip(clean)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	cut := messagePreviewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut] + "..."
}
