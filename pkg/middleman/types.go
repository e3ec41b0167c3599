// Package middleman implements the relay between many short-lived Concent
// front-end connections and the single persistent Signing Service
// connection: queue pool, message tracker, and the four producer/consumer
// goroutine roles described in the design.
package middleman

import (
	"time"

	"github.com/concent-network/concent/pkg/wire"
)

// DefaultConnectionCounterLimit is a default wrap point for both front-end
// connection ids and signing-service request ids; config.Config carries the
// configured ConnectionCounterLimit.
const DefaultConnectionCounterLimit = 1 << 32

// RequestQueueItem is the immutable tuple a request producer hands to the
// single request consumer.
type RequestQueueItem struct {
	ConnectionID     int
	ConcentRequestID uint64
	Message          []byte
	EnqueuedAt       time.Time
}

// ResponseQueueItem is the immutable tuple the response producer hands to a
// connection's response consumer. Type distinguishes an ordinary Golem
// message answer from a locally synthesized ERROR frame, since both travel
// the same queue.
type ResponseQueueItem struct {
	Type             wire.PayloadType
	Message          []byte
	ConcentRequestID uint64
	Timestamp        time.Time
}

// MessageTrackerItem records what an outbound request to the Signing
// Service corresponded to, so the answer can be routed back.
type MessageTrackerItem struct {
	ConcentRequestID uint64
	ConnectionID     int
	Payload          []byte
	EnqueuedAt       time.Time
}
