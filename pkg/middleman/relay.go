package middleman

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/concent-network/concent/pkg/metrics"
	"github.com/concent-network/concent/pkg/stream"
	"github.com/concent-network/concent/pkg/wire"
)

// Relay wires together the queue pool, tracker, and the four producer /
// consumer goroutine roles described in the design: per-connection request
// producer, a single request consumer, a single response producer reading
// from the Signing Service, and a per-connection response consumer.
type Relay struct {
	Pool    *Pool
	Tracker *Tracker

	ConnectionCounterLimit  uint64
	ConcentPrivateKey       *secp256k1.PrivateKey
	FrontendPublicKey       *secp256k1.PublicKey
	SigningServicePublicKey *secp256k1.PublicKey

	Log     *zap.SugaredLogger
	Now     func() time.Time
	Metrics *metrics.Relay

	counterMu        sync.Mutex
	connIDCounter    int
	ssRequestCounter uint64
}

// NewRelay returns a Relay ready to accept connections. Metrics is nil until
// the caller sets it explicitly; every metrics update is a no-op while nil,
// so tests can construct a Relay without a registry.
func NewRelay(concentPriv *secp256k1.PrivateKey, frontendPub, signingServicePub *secp256k1.PublicKey, counterLimit uint64, log *zap.SugaredLogger) *Relay {
	return &Relay{
		Pool:                    NewPool(),
		Tracker:                 NewTracker(),
		ConnectionCounterLimit:  counterLimit,
		ConcentPrivateKey:       concentPriv,
		FrontendPublicKey:       frontendPub,
		SigningServicePublicKey: signingServicePub,
		Log:                     log,
		Now:                     time.Now,
	}
}

// NextConnectionID allocates the next connection id, wrapping at
// ConnectionCounterLimit.
func (r *Relay) NextConnectionID() int {
	r.counterMu.Lock()
	defer r.counterMu.Unlock()
	r.connIDCounter = (r.connIDCounter + 1) % int(r.ConnectionCounterLimit)
	return r.connIDCounter
}

func (r *Relay) nextSigningServiceRequestID() uint64 {
	r.counterMu.Lock()
	defer r.counterMu.Unlock()
	r.ssRequestCounter = (r.ssRequestCounter + 1) % r.ConnectionCounterLimit
	return r.ssRequestCounter
}

func errorBody(code wire.ErrorCode, msg string) []byte {
	body := make([]byte, 0, 1+len(msg))
	body = append(body, byte(code))
	body = append(body, []byte(msg)...)
	return body
}

// RequestProducer reads frames from one front-end connection until it
// closes or a read fails with a non-structural error. It never terminates the
// relay: invalid frames produce an ERROR response on the connection's own
// response queue and reading continues.
func (r *Relay) RequestProducer(connID int, reader *stream.Reader, requestQueue chan<- RequestQueueItem, responseQueue chan<- ResponseQueueItem) {
	for {
		frame, err := reader.ReceiveFrame(r.FrontendPublicKey)
		if err != nil {
			if errors.Is(err, stream.ErrIncompleteRead) {
				r.Log.Infow("front-end connection closed", "connection_id", connID)
				return
			}
			if wire.CurrentIterationEnds(err) {
				r.Log.Infow("received invalid frame from front-end", "connection_id", connID, "error", err)
				code := wire.MapErrorToCode(err)
				if r.Metrics != nil {
					r.Metrics.FramesRejected.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
				}
				responseQueue <- ResponseQueueItem{
					Type:             wire.PayloadError,
					Message:          errorBody(code, err.Error()),
					ConcentRequestID: wire.RequestIDForResponseForInvalidFrame,
					Timestamp:        r.Now(),
				}
				continue
			}
			r.Log.Warnw("unexpected read error from front-end, ending producer", "connection_id", connID, "error", err)
			return
		}

		if r.Metrics != nil {
			r.Metrics.FramesRelayed.WithLabelValues("inbound").Inc()
		}
		requestQueue <- RequestQueueItem{
			ConnectionID:     connID,
			ConcentRequestID: frame.RequestID,
			Message:          frame.Body,
			EnqueuedAt:       r.Now(),
		}
	}
}

// RequestConsumer is the single consumer of the shared request queue. It
// assigns each accepted request a fresh signing-service request id, records
// a MessageTrackerItem under that id, and forwards the payload upstream.
// It returns when requestQueue is closed or the upstream write fails; the
// caller is responsible for tearing down the relay on the latter.
func (r *Relay) RequestConsumer(requestQueue <-chan RequestQueueItem, upstream *stream.Writer) error {
	for item := range requestQueue {
		if !r.Pool.Contains(item.ConnectionID) {
			r.Log.Infow("no matching queue for connection, dropping request", "connection_id", item.ConnectionID)
			continue
		}

		ssRequestID := r.nextSigningServiceRequestID()
		r.Tracker.Put(ssRequestID, MessageTrackerItem{
			ConcentRequestID: item.ConcentRequestID,
			ConnectionID:     item.ConnectionID,
			Payload:          item.Message,
			EnqueuedAt:       item.EnqueuedAt,
		})
		if r.Metrics != nil {
			r.Metrics.TrackerSize.Set(float64(r.Tracker.Len()))
		}

		frame := wire.Frame{Type: wire.PayloadGolemMessage, RequestID: ssRequestID, Body: item.Message}
		if err := upstream.SendFrame(frame, r.ConcentPrivateKey); err != nil {
			r.Log.Errorw("failed to forward request upstream, signing service connection is down", "error", err)
			return err
		}
	}
	return nil
}

// ResponseProducer is the single reader of the upstream Signing Service
// connection. It matches each answer to its tracker entry, discards any
// older, necessarily-abandoned entries (lost-message discard), and routes
// the payload to the originating connection's response queue.
//
// It returns when the upstream connection closes or the stream reader fails
// in a way that is not recoverable per frame; the caller must then tear down
// every connection still referenced in the tracker.
func (r *Relay) ResponseProducer(upstreamReader *stream.Reader) error {
	for {
		frame, err := upstreamReader.ReceiveFrame(r.SigningServicePublicKey)
		if err != nil {
			if errors.Is(err, stream.ErrIncompleteRead) {
				r.Log.Info("signing service closed the connection")
				return stream.ErrIncompleteRead
			}
			if wire.CurrentIterationEnds(err) {
				r.Log.Infow("received invalid frame from signing service", "error", err)
				continue
			}
			r.Log.Errorw("unrecoverable read error from signing service", "error", err)
			return err
		}

		r.Log.Infow("received message from signing service", "request_id", frame.RequestID)

		item, ok := r.Tracker.Get(frame.RequestID)
		if !ok {
			r.Log.Infow("no tracker entry for request id, skipping", "request_id", frame.RequestID)
			continue
		}

		if !r.Pool.Contains(item.ConnectionID) {
			r.Log.Infow("response queue gone for connection, dropping tracked entry", "connection_id", item.ConnectionID)
			r.Tracker.Delete(frame.RequestID)
			continue
		}

		discarded := r.Tracker.DiscardOlderThan(frame.RequestID)
		for _, lost := range discarded {
			r.Log.Infow("dropped abandoned message",
				"connection_id", lost.ConnectionID,
				"enqueued_at", lost.EnqueuedAt,
			)
		}
		if r.Metrics != nil && len(discarded) > 0 {
			r.Metrics.MessagesDiscarded.Add(float64(len(discarded)))
		}

		// Send performs the membership check and the delivery under the same
		// lock Unregister uses to close the queue, so a connection closing
		// between the Contains check above and here is observed as a clean
		// "gone" rather than a send on a closed channel.
		delivered := r.Pool.Send(item.ConnectionID, ResponseQueueItem{
			Type:             wire.PayloadGolemMessage,
			Message:          frame.Body,
			ConcentRequestID: item.ConcentRequestID,
			Timestamp:        r.Now(),
		})
		if !delivered {
			r.Log.Infow("response queue gone for connection, dropping tracked entry", "connection_id", item.ConnectionID)
		}
		r.Tracker.Delete(frame.RequestID)
		if r.Metrics != nil {
			if delivered {
				r.Metrics.FramesRelayed.WithLabelValues("outbound").Inc()
			}
			r.Metrics.TrackerSize.Set(float64(r.Tracker.Len()))
		}
	}
}

// TeardownOnUpstreamDisconnect drains every remaining tracker entry and
// surfaces an ERROR frame to each entry's originating connection. Call this
// once after ResponseProducer returns, so in-flight requests are not left
// hanging forever.
func (r *Relay) TeardownOnUpstreamDisconnect() {
	for r.Tracker.Len() > 0 {
		el := r.Tracker.order.Front()
		if el == nil {
			break
		}
		entry := el.Value.(trackerEntry)
		r.Tracker.Delete(entry.id)

		r.Pool.Send(entry.item.ConnectionID, ResponseQueueItem{
			Type:             wire.PayloadError,
			Message:          errorBody(wire.ErrorCodeUnknown, "signing service connection lost"),
			ConcentRequestID: entry.item.ConcentRequestID,
			Timestamp:        r.Now(),
		})
	}
}

// ResponseConsumer is a per-connection goroutine that writes queued
// responses back to the front-end connection, using the recorded
// concent request id as the frame's request id.
func (r *Relay) ResponseConsumer(connID int, responseQueue <-chan ResponseQueueItem, writer *stream.Writer) {
	for item := range responseQueue {
		frame := wire.Frame{Type: item.Type, RequestID: item.ConcentRequestID, Body: item.Message}
		if err := writer.SendFrame(frame, r.ConcentPrivateKey); err != nil {
			r.Log.Warnw("failed to write response to front-end connection", "connection_id", connID, "error", err)
			return
		}
		r.Log.Infow("response delivered", "connection_id", connID, "request_id", item.ConcentRequestID)
	}
}
