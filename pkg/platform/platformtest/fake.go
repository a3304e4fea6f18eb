// Package platformtest provides a scripted in-memory platform.Client.
package platformtest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"

	"botfleet/pkg/platform"
	"botfleet/pkg/tenant"
)

// Call records one outbound Reply or Push.
type Call struct {
	Op       string
	Target   string
	Messages []platform.Message
}

// Client verifies signatures by exact match against Secret and parses a
// simple JSON envelope: {"events":[{"id","reply_token","sender","text"}]}.
type Client struct {
	Secret string

	mu        sync.Mutex
	replyErrs []error
	pushErrs  []error
	pushErrBy map[string]error
	calls     []Call
}

// New creates a fake bound to secret.
func New(secret string) *Client {
	return &Client{Secret: secret, pushErrBy: map[string]error{}}
}

// ScriptReply queues errors returned by successive Reply calls.
func (c *Client) ScriptReply(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyErrs = append(c.replyErrs, errs...)
}

// ScriptPush queues errors returned by successive Push calls.
func (c *Client) ScriptPush(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushErrs = append(c.pushErrs, errs...)
}

// FailPushTo makes every Push to recipient fail with err.
func (c *Client) FailPushTo(recipient string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushErrBy[recipient] = err
}

// Calls returns a copy of the recorded calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Count returns how many calls of op were recorded.
func (c *Client) Count(op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (c *Client) Platform() tenant.Platform { return tenant.PlatformLINE }

func (c *Client) VerifySignature(_ []byte, signature string) bool {
	if c.Secret == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(signature)) == 1
}

type envelope struct {
	Events []struct {
		ID         string `json:"id"`
		ReplyToken string `json:"reply_token"`
		Sender     string `json:"sender"`
		Text       string `json:"text"`
	} `json:"events"`
}

func (c *Client) ParseEvents(body []byte) ([]platform.InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrMalformedPayload, err)
	}
	events := make([]platform.InboundEvent, 0, len(env.Events))
	for _, e := range env.Events {
		events = append(events, platform.InboundEvent{
			ID:         e.ID,
			Type:       platform.EventMessage,
			ReplyToken: e.ReplyToken,
			SenderID:   e.Sender,
			Kind:       platform.PayloadText,
			Text:       e.Text,
		})
	}
	return events, nil
}

func (c *Client) Reply(_ context.Context, replyToken string, messages []platform.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "reply", Target: replyToken, Messages: messages})
	if len(c.replyErrs) == 0 {
		return nil
	}
	err := c.replyErrs[0]
	c.replyErrs = c.replyErrs[1:]
	return err
}

func (c *Client) Push(_ context.Context, recipientID string, messages []platform.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "push", Target: recipientID, Messages: messages})
	if err, ok := c.pushErrBy[recipientID]; ok {
		return err
	}
	if len(c.pushErrs) == 0 {
		return nil
	}
	err := c.pushErrs[0]
	c.pushErrs = c.pushErrs[1:]
	return err
}
