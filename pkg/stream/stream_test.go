package stream

import (
	"net"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/concent-network/concent/pkg/wire"
)

func TestSendReceiveFrame(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	w := NewWriter(clientConn)
	r := NewReader(serverConn)

	frame := wire.Frame{Type: wire.PayloadGolemMessage, RequestID: 3, Body: []byte("payload")}

	errCh := make(chan error, 1)
	go func() { errCh <- w.SendFrame(frame, priv) }()

	got, err := r.ReceiveFrame(priv.PubKey())
	require.NoError(t, err)
	require.Equal(t, frame, got)
	require.NoError(t, <-errCh)
}

func TestReceiveFrameIncompleteRead(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	r := NewReader(serverConn)

	go clientConn.Close()

	_, err := r.ReceiveFrame(nil)
	require.ErrorIs(t, err, ErrIncompleteRead)
}
