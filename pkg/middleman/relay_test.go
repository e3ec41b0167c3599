package middleman

import (
	"net"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concent-network/concent/pkg/stream"
	"github.com/concent-network/concent/pkg/wire"
)

func newTestRelay(t *testing.T) (*Relay, *secp256k1.PrivateKey, *secp256k1.PrivateKey) {
	t.Helper()
	concentPriv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	frontendPriv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	r := NewRelay(concentPriv, frontendPriv.PubKey(), concentPriv.PubKey(), DefaultConnectionCounterLimit, zap.NewNop().Sugar())
	return r, concentPriv, frontendPriv
}

// TestOutOfOrderResponseDiscardsOlderTracker drives scenario 6 from the
// design doc: connection C submits r1, r2 (tracker ids 7, 8); the upstream
// answers id 8 first. Entry 7 must be discarded, entry 8 delivered.
func TestOutOfOrderResponseDiscardsOlderTracker(t *testing.T) {
	r, _, _ := newTestRelay(t)

	connID := 1
	responseQueue := r.Pool.Register(connID)

	r.Tracker.Put(7, MessageTrackerItem{ConcentRequestID: 100, ConnectionID: connID})
	r.Tracker.Put(8, MessageTrackerItem{ConcentRequestID: 101, ConnectionID: connID})

	upstreamServer, upstreamClient := net.Pipe()
	defer upstreamServer.Close()
	defer upstreamClient.Close()

	signingPriv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	r.SigningServicePublicKey = signingPriv.PubKey()

	writer := stream.NewWriter(upstreamClient)
	go func() {
		_ = writer.SendFrame(wire.Frame{Type: wire.PayloadGolemMessage, RequestID: 8, Body: []byte("answer-to-r2")}, signingPriv)
	}()

	done := make(chan error, 1)
	go func() { done <- r.ResponseProducer(stream.NewReader(upstreamServer)) }()

	select {
	case item := <-responseQueue:
		require.Equal(t, uint64(101), item.ConcentRequestID)
		require.Equal(t, []byte("answer-to-r2"), item.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed response")
	}

	require.Eventually(t, func() bool { return r.Tracker.Len() == 0 }, time.Second, 10*time.Millisecond,
		"entry 7 should have been discarded and entry 8 removed after matching")

	upstreamClient.Close()
	<-done
}

func TestRequestConsumerDropsRequestForUnregisteredConnection(t *testing.T) {
	r, _, _ := newTestRelay(t)

	upstreamServer, upstreamClient := net.Pipe()
	defer upstreamServer.Close()
	defer upstreamClient.Close()

	requestQueue := make(chan RequestQueueItem, 1)
	requestQueue <- RequestQueueItem{ConnectionID: 999, ConcentRequestID: 1, Message: []byte("x"), EnqueuedAt: time.Now()}
	close(requestQueue)

	err := r.RequestConsumer(requestQueue, stream.NewWriter(upstreamClient))
	require.NoError(t, err)
	require.Equal(t, 0, r.Tracker.Len())
}

func TestRequestProducerReportsInvalidFrameWithoutTerminatingRelay(t *testing.T) {
	r, concentPriv, frontendPriv := newTestRelay(t)
	_ = concentPriv

	connServer, connClient := net.Pipe()
	defer connServer.Close()

	requestQueue := make(chan RequestQueueItem, 1)
	responseQueue := make(chan ResponseQueueItem, 1)

	go r.RequestProducer(1, stream.NewReader(connServer), requestQueue, responseQueue)

	// Sign with the wrong key: the producer must see an invalid signature,
	// report an ERROR frame, and keep running (not crash / not propagate).
	wrongKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	_ = frontendPriv
	writer := stream.NewWriter(connClient)
	require.NoError(t, writer.SendFrame(wire.Frame{Type: wire.PayloadGolemMessage, RequestID: 1, Body: []byte("x")}, wrongKey))

	select {
	case item := <-responseQueue:
		require.Equal(t, wire.PayloadError, item.Type)
		require.Equal(t, wire.RequestIDForResponseForInvalidFrame, item.ConcentRequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an ERROR response for the invalid frame")
	}

	connClient.Close()
}
