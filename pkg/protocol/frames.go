package protocol

import "time"

// EventFrame is a server-pushed websocket frame.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	TS      int64       `json:"ts"`
}

// NewEvent builds an EventFrame stamped with the current time in milliseconds.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    "event",
		Event:   name,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	}
}
