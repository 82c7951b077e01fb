package protocol

// ProtocolVersion is bumped whenever the event frame or flush payload shape changes.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventFlush    = "flush"
	EventShutdown = "shutdown"
)

// Flush event subtypes (in payload.status)
const (
	FlushDelivered      = "delivered"
	FlushEmpty          = "empty"
	FlushDrainFailed    = "drain_failed"
	FlushDeliveryFailed = "delivery_failed"
)
