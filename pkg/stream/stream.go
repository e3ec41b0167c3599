// Package stream implements the two suspension points used by the MiddleMan
// relay: reading one frame from a byte stream and writing one frame to it.
// Reading takes no lock; writing holds only its own Writer's mutex across the
// underlying Write, so frames on one stream never interleave.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/concent-network/concent/pkg/wire"
)

// ErrIncompleteRead is returned when the underlying reader is closed before a
// full frame (up to and including the separator) could be read.
var ErrIncompleteRead = fmt.Errorf("stream: incomplete read, peer closed connection")

// Reader wraps a bufio.Reader to receive framed messages one at a time.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame-oriented reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReceiveFrame reads bytes up to and including the next frame separator and
// decodes the result, verifying the signature against expectedPeer. It
// suspends only on the underlying Read; it never holds a lock while doing
// so.
func (r *Reader) ReceiveFrame(expectedPeer *secp256k1.PublicKey) (wire.Frame, error) {
	raw, err := r.br.ReadBytes(wire.Separator)
	if err != nil {
		if err == io.EOF {
			return wire.Frame{}, ErrIncompleteRead
		}
		return wire.Frame{}, err
	}
	// raw includes the trailing separator; strip it before decoding.
	return wire.Decode(raw[:len(raw)-1], expectedPeer)
}

// Writer serializes writes of whole frames to an underlying io.Writer so
// that concurrent SendFrame calls on the same stream never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for frame-oriented, mutually-exclusive writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// SendFrame encodes frame, signs it with priv, and writes it atomically:
// no other SendFrame call on this Writer can interleave its bytes.
func (w *Writer) SendFrame(frame wire.Frame, priv *secp256k1.PrivateKey) error {
	encoded, err := wire.Encode(frame, priv)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(encoded)
	return err
}
