// Package platform defines the contract every messaging platform client
// satisfies and the platform-neutral event and message shapes.
package platform

//go:generate mockgen -source=platform.go -destination=mocks/mocks.go -package=mocks Client

import (
	"context"
	"errors"
	"time"

	"botfleet/pkg/tenant"
)

// ErrReplyTokenInvalid is reported by Reply when the platform rejects the
// reply token as expired, already used, or unknown. It is the only reply
// failure that permits a push fallback.
var ErrReplyTokenInvalid = errors.New("reply token invalid")

// ErrMalformedPayload is reported by ParseEvents when the body is not a
// recognizable webhook envelope.
var ErrMalformedPayload = errors.New("malformed payload")

// EventType classifies an inbound event.
type EventType string

const (
	EventMessage  EventType = "message"
	EventFollow   EventType = "follow"
	EventUnfollow EventType = "unfollow"
	EventPostback EventType = "postback"
	EventOther    EventType = "other"
)

// PayloadKind classifies the content of a message event.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadLocation PayloadKind = "location"
	PayloadOther    PayloadKind = "other"
)

// InboundEvent is one platform event extracted from a webhook envelope. It
// lives only for the duration of a dispatch.
type InboundEvent struct {
	// ID is the platform-assigned event identifier used for deduplication.
	// Empty means the platform supplied none.
	ID         string
	Type       EventType
	ReplyToken string
	SenderID   string
	Timestamp  time.Time
	Redelivery bool

	Kind     PayloadKind
	Text     string
	Location *tenant.Location
}

// MessageKind classifies an outbound message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

// Message is one outbound message.
type Message struct {
	Kind       MessageKind
	Text       string
	ImageURL   string
	PreviewURL string
}

// Text builds a text message.
func Text(text string) Message {
	return Message{Kind: MessageText, Text: text}
}

// Image builds an image message. An empty preview reuses the original URL.
func Image(url, preview string) Message {
	if preview == "" {
		preview = url
	}
	return Message{Kind: MessageImage, ImageURL: url, PreviewURL: preview}
}

// Client is one authenticated handle onto a messaging platform, bound to a
// single tenant's credentials.
type Client interface {
	Platform() tenant.Platform
	// VerifySignature reports whether signature authenticates body under the
	// tenant's secret. The comparison is constant time.
	VerifySignature(body []byte, signature string) bool
	ParseEvents(body []byte) ([]InboundEvent, error)
	// Reply answers an inbound event. It returns ErrReplyTokenInvalid (wrapped)
	// when the token is no longer usable.
	Reply(ctx context.Context, replyToken string, messages []Message) error
	Push(ctx context.Context, recipientID string, messages []Message) error
}

// SignatureHeaders lists the request headers that may carry a platform
// signature, in lookup order.
var SignatureHeaders = []string{
	"X-Line-Signature",
	"X-Telegram-Bot-Api-Secret-Token",
}
