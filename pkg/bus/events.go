package bus

import "time"

type EventType string

const (
	EventWebhookRejected    EventType = "webhook_rejected"
	EventInboundDuplicate   EventType = "inbound_duplicate"
	EventInboundHandled     EventType = "inbound_handled"
	EventInboundFailed      EventType = "inbound_failed"
	EventBroadcastStarted   EventType = "broadcast_started"
	EventRecipientFailed    EventType = "broadcast_recipient_failed"
	EventBroadcastCompleted EventType = "broadcast_completed"
)

// Event is one lifecycle notification. Payload carries type-specific detail
// such as broadcast counts.
type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Tenant    string            `json:"tenant,omitempty"`
	EventID   string            `json:"event_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}
