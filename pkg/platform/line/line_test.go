package line

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"botfleet/pkg/platform"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type fakeMessenger struct {
	mu       sync.Mutex
	replyErr error
	pushErr  error
	replies  []*messaging_api.ReplyMessageRequest
	pushes   []*messaging_api.PushMessageRequest
}

func (f *fakeMessenger) ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, req)
	return &messaging_api.ReplyMessageResponse{}, f.replyErr
}

func (f *fakeMessenger) PushMessage(req *messaging_api.PushMessageRequest, _ string) (*messaging_api.PushMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)
	return &messaging_api.PushMessageResponse{}, f.pushErr
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"events":[]}`)
	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{name: "valid", secret: "s3cret", body: body, signature: sign("s3cret", body), want: true},
		{name: "wrong secret", secret: "s3cret", body: body, signature: sign("other", body), want: false},
		{name: "tampered body", secret: "s3cret", body: []byte(`{"events":[{}]}`), signature: sign("s3cret", body), want: false},
		{name: "empty body signed", secret: "s3cret", body: []byte{}, signature: sign("s3cret", []byte{}), want: true},
		{name: "empty body wrong signature", secret: "s3cret", body: []byte{}, signature: sign("s3cret", body), want: false},
		{name: "empty signature", secret: "s3cret", body: body, signature: "", want: false},
		{name: "empty secret", secret: "", body: body, signature: sign("", body), want: false},
		{name: "not base64", secret: "s3cret", body: body, signature: "%%%", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.signature); got != tt.want {
				t.Fatalf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseEvents(t *testing.T) {
	body := []byte(`{
	  "destination": "Uxxx",
	  "events": [
	    {"type":"message","webhookEventId":"evt-1","replyToken":"rt-1","timestamp":1700000000000,
	     "source":{"type":"user","userId":"U1"},
	     "message":{"type":"text","id":"m-1","text":"hello"}},
	    {"type":"message","replyToken":"rt-2","source":{"type":"group","groupId":"G1"},
	     "deliveryContext":{"isRedelivery":true},
	     "message":{"type":"location","id":"m-2","latitude":25.03,"longitude":121.56,"address":"Taipei 101"}},
	    {"type":"follow","webhookEventId":"evt-3","source":{"type":"user","userId":"U3"}}
	  ]
	}`)

	events, err := ParseEvents(body)
	if err != nil {
		t.Fatalf("ParseEvents error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}

	first := events[0]
	if first.ID != "evt-1" || first.ReplyToken != "rt-1" || first.SenderID != "U1" {
		t.Fatalf("first event = %+v", first)
	}
	if first.Kind != platform.PayloadText || first.Text != "hello" {
		t.Fatalf("first payload = (%q, %q), want text hello", first.Kind, first.Text)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("expected timestamp")
	}

	second := events[1]
	if second.ID != "m-2" {
		t.Fatalf("second id = %q, want message id fallback m-2", second.ID)
	}
	if second.SenderID != "G1" || !second.Redelivery {
		t.Fatalf("second event = %+v", second)
	}
	if second.Location == nil || second.Location.Name != "Taipei 101" || second.Location.Latitude != 25.03 {
		t.Fatalf("second location = %+v", second.Location)
	}

	if events[2].Type != platform.EventFollow || events[2].ID != "evt-3" {
		t.Fatalf("third event = %+v", events[2])
	}
}

func TestParseEventsMalformed(t *testing.T) {
	for _, body := range []string{``, `not json`, `[]`, `{"destination":"x"}`, `{"events":"nope"}`} {
		if _, err := ParseEvents([]byte(body)); !errors.Is(err, platform.ErrMalformedPayload) {
			t.Fatalf("ParseEvents(%q) error = %v, want ErrMalformedPayload", body, err)
		}
	}

	events, err := ParseEvents([]byte(`{"events":[]}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("empty envelope = (%v, %v), want no events and no error", events, err)
	}
}

func TestReplyMapsInvalidTokenError(t *testing.T) {
	api := &fakeMessenger{replyErr: errors.New(`unexpected status code: 400, {"message":"Invalid reply token"}`)}
	client := NewWithMessenger(api, "secret", nil)

	err := client.Reply(context.Background(), "rt-1", []platform.Message{platform.Text("hi")})
	if !errors.Is(err, platform.ErrReplyTokenInvalid) {
		t.Fatalf("Reply error = %v, want ErrReplyTokenInvalid", err)
	}
	if len(api.pushes) != 0 {
		t.Fatal("client must not push on its own")
	}
}

func TestReplyOtherErrorIsNotTokenInvalid(t *testing.T) {
	api := &fakeMessenger{replyErr: errors.New("unexpected status code: 429, {\"message\":\"rate limited\"}")}
	client := NewWithMessenger(api, "secret", nil)

	err := client.Reply(context.Background(), "rt-1", []platform.Message{platform.Text("hi")})
	if err == nil || errors.Is(err, platform.ErrReplyTokenInvalid) {
		t.Fatalf("Reply error = %v, want generic failure", err)
	}
}

func TestPushBuildsMessages(t *testing.T) {
	api := &fakeMessenger{}
	client := NewWithMessenger(api, "secret", nil)

	err := client.Push(context.Background(), "U1", []platform.Message{
		platform.Text("forecast"),
		platform.Image("https://img.example/a.png", ""),
	})
	if err != nil {
		t.Fatalf("Push error: %v", err)
	}
	if len(api.pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(api.pushes))
	}
	req := api.pushes[0]
	if req.To != "U1" || len(req.Messages) != 2 {
		t.Fatalf("push request = %+v", req)
	}
	image, ok := req.Messages[1].(messaging_api.ImageMessage)
	if !ok {
		t.Fatalf("second message = %T, want ImageMessage", req.Messages[1])
	}
	if image.PreviewImageUrl != "https://img.example/a.png" {
		t.Fatalf("preview url = %q, want original url", image.PreviewImageUrl)
	}
}

func TestPushRejectsTooManyMessages(t *testing.T) {
	client := NewWithMessenger(&fakeMessenger{}, "secret", nil)
	messages := make([]platform.Message, 6)
	for i := range messages {
		messages[i] = platform.Text("x")
	}
	if err := client.Push(context.Background(), "U1", messages); err == nil {
		t.Fatal("expected error for more than five messages")
	}
}
