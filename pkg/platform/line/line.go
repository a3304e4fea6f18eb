// Package line implements platform.Client for the LINE Messaging API.
package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/tidwall/gjson"

	"botfleet/pkg/platform"
	"botfleet/pkg/tenant"
)

const defaultRequestTimeout = 10 * time.Second

// invalidReplyTokenMarker is the error text LINE returns for expired or
// reused reply tokens.
const invalidReplyTokenMarker = "Invalid reply token"

// Messenger is the subset of the LINE Messaging API the client calls.
type Messenger interface {
	ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error)
	PushMessage(req *messaging_api.PushMessageRequest, xLineRetryKey string) (*messaging_api.PushMessageResponse, error)
}

// Client is a LINE client bound to one tenant's channel credentials.
type Client struct {
	api    Messenger
	secret string
	log    *slog.Logger
}

// Options tunes the LINE client.
type Options struct {
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// New builds a LINE client from tenant credentials.
func New(creds tenant.Credentials, opts Options) (*Client, error) {
	token := strings.TrimSpace(creds.AccessToken)
	if token == "" {
		return nil, errors.New("line access token is required")
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	api, err := messaging_api.NewMessagingApiAPI(token, messaging_api.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("initialize line messaging api: %w", err)
	}

	return NewWithMessenger(api, creds.Secret, opts.Logger), nil
}

// NewWithMessenger wires an existing Messaging API implementation.
func NewWithMessenger(api Messenger, secret string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		api:    api,
		secret: secret,
		log:    log.With("component", "platform.line"),
	}
}

// Platform identifies the client as LINE.
func (c *Client) Platform() tenant.Platform {
	return tenant.PlatformLINE
}

// VerifySignature checks the X-Line-Signature value against the raw body.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	return VerifySignature(c.secret, body, signature)
}

// VerifySignature checks a base64 HMAC-SHA256 signature of body under
// secret. Empty secrets and empty signatures never verify.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || strings.TrimSpace(signature) == "" {
		return false
	}
	return webhook.ValidateSignature(secret, signature, body)
}

// ParseEvents extracts events from a LINE webhook envelope.
func (c *Client) ParseEvents(body []byte) ([]platform.InboundEvent, error) {
	return ParseEvents(body)
}

// ParseEvents extracts events from a LINE webhook envelope. An envelope with
// an empty events array is valid and yields no events.
func ParseEvents(body []byte) ([]platform.InboundEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid json", platform.ErrMalformedPayload)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: envelope is not an object", platform.ErrMalformedPayload)
	}
	events := root.Get("events")
	if !events.Exists() || !events.IsArray() {
		return nil, fmt.Errorf("%w: events array missing", platform.ErrMalformedPayload)
	}

	out := make([]platform.InboundEvent, 0, len(events.Array()))
	for _, raw := range events.Array() {
		out = append(out, parseEvent(raw))
	}
	return out, nil
}

func parseEvent(raw gjson.Result) platform.InboundEvent {
	event := platform.InboundEvent{
		ID:         raw.Get("webhookEventId").String(),
		ReplyToken: raw.Get("replyToken").String(),
		SenderID:   senderID(raw.Get("source")),
		Redelivery: raw.Get("deliveryContext.isRedelivery").Bool(),
		Kind:       platform.PayloadOther,
	}
	if ms := raw.Get("timestamp").Int(); ms > 0 {
		event.Timestamp = time.UnixMilli(ms).UTC()
	}

	switch raw.Get("type").String() {
	case "message":
		event.Type = platform.EventMessage
	case "follow":
		event.Type = platform.EventFollow
	case "unfollow":
		event.Type = platform.EventUnfollow
	case "postback":
		event.Type = platform.EventPostback
		event.Text = raw.Get("postback.data").String()
	default:
		event.Type = platform.EventOther
	}

	message := raw.Get("message")
	if !message.Exists() {
		return event
	}
	if event.ID == "" {
		event.ID = message.Get("id").String()
	}

	switch message.Get("type").String() {
	case "text":
		event.Kind = platform.PayloadText
		event.Text = message.Get("text").String()
	case "location":
		event.Kind = platform.PayloadLocation
		name := message.Get("address").String()
		if name == "" {
			name = message.Get("title").String()
		}
		event.Location = &tenant.Location{
			Latitude:  message.Get("latitude").Float(),
			Longitude: message.Get("longitude").Float(),
			Name:      name,
		}
	}
	return event
}

func senderID(source gjson.Result) string {
	if id := source.Get("userId").String(); id != "" {
		return id
	}
	if id := source.Get("groupId").String(); id != "" {
		return id
	}
	return source.Get("roomId").String()
}

// Reply answers an event using its reply token.
func (c *Client) Reply(ctx context.Context, replyToken string, messages []platform.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := toMessages(messages)
	if err != nil {
		return err
	}

	_, err = c.api.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   payload,
	})
	return classifyReplyError(err)
}

// Push sends messages directly to a recipient.
func (c *Client) Push(ctx context.Context, recipientID string, messages []platform.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(recipientID) == "" {
		return errors.New("line push: recipient is required")
	}
	payload, err := toMessages(messages)
	if err != nil {
		return err
	}

	if _, err := c.api.PushMessage(&messaging_api.PushMessageRequest{
		To:       recipientID,
		Messages: payload,
	}, ""); err != nil {
		return fmt.Errorf("line push: %w", err)
	}
	return nil
}

func classifyReplyError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), invalidReplyTokenMarker) {
		return fmt.Errorf("line reply: %w: %v", platform.ErrReplyTokenInvalid, err)
	}
	return fmt.Errorf("line reply: %w", err)
}

// maxMessagesPerCall is the LINE limit on messages in one reply or push.
const maxMessagesPerCall = 5

func toMessages(messages []platform.Message) ([]messaging_api.MessageInterface, error) {
	if len(messages) == 0 {
		return nil, errors.New("line: at least one message is required")
	}
	if len(messages) > maxMessagesPerCall {
		return nil, fmt.Errorf("line: %d messages exceeds limit of %d", len(messages), maxMessagesPerCall)
	}

	out := make([]messaging_api.MessageInterface, 0, len(messages))
	for _, message := range messages {
		switch message.Kind {
		case platform.MessageImage:
			out = append(out, messaging_api.ImageMessage{
				OriginalContentUrl: message.ImageURL,
				PreviewImageUrl:    message.PreviewURL,
			})
		default:
			out = append(out, messaging_api.TextMessage{Text: message.Text})
		}
	}
	return out, nil
}
