package bus

import "time"

// InboundMessage is one message accepted by the ingress endpoint.
type InboundMessage struct {
	FromID     string    `json:"fromId"`
	Key        string    `json:"key"` // conversation key (threadId upstream)
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// FlushPayload is the consolidated notification delivered once a burst goes quiet.
// UIDFrom and ThreadID mirror FromID and Key for webhook consumers written against
// the upstream Zalo wrapper.
type FlushPayload struct {
	FlushID  string   `json:"flushId,omitempty"`
	FromID   string   `json:"fromId"`
	Key      string   `json:"key"`
	Messages []string `json:"messages"`
	UIDFrom  string   `json:"uidFrom"`
	ThreadID string   `json:"threadId"`
}

// NewFlushPayload builds a payload with the compatibility fields filled in.
func NewFlushPayload(fromID, key string, messages []string) FlushPayload {
	return FlushPayload{
		FromID:   fromID,
		Key:      key,
		Messages: messages,
		UIDFrom:  fromID,
		ThreadID: key,
	}
}

// FlushResult describes the outcome of one flush transition.
type FlushResult struct {
	FlushID   string        `json:"flushId"`
	Key       string        `json:"key"`
	FromID    string        `json:"fromId"`
	Messages  []string      `json:"messages,omitempty"`
	Status    string        `json:"status"` // protocol.Flush* constants
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	Err error `json:"-"`
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "flush", "shutdown")
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the debounce scheduler to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
