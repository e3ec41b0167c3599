package wire

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return priv
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	priv := genKey(t)
	frame := Frame{
		Type:      PayloadGolemMessage,
		RequestID: 42,
		Body:      []byte("hello concent"),
	}

	encoded, err := Encode(frame, priv)
	require.NoError(t, err)
	require.Equal(t, sepByte, encoded[len(encoded)-1])

	decoded, err := Decode(encoded[:len(encoded)-1], priv.PubKey())
	require.NoError(t, err)
	require.Equal(t, frame, decoded)
}

func TestEncodeEscapesReservedBytes(t *testing.T) {
	priv := genKey(t)
	frame := Frame{
		Type:      PayloadGolemMessage,
		RequestID: 7,
		Body:      []byte{escByte, sepByte, 0x00, sepByte, escByte},
	}

	encoded, err := Encode(frame, priv)
	require.NoError(t, err)

	body := encoded[:len(encoded)-1]
	for _, b := range body {
		require.NotEqual(t, sepByte, b, "separator must not appear unescaped before terminator")
	}

	decoded, err := Decode(body, priv.PubKey())
	require.NoError(t, err)
	require.Equal(t, frame.Body, decoded.Body)
}

func TestDecodeRejectsWrongSigner(t *testing.T) {
	priv := genKey(t)
	other := genKey(t)
	frame := Frame{Type: PayloadGolemMessage, RequestID: 1, Body: []byte("x")}

	encoded, err := Encode(frame, priv)
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-1], other.PubKey())
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeRejectsBrokenEscaping(t *testing.T) {
	priv := genKey(t)
	_ = priv
	data := []byte{byte(PayloadGolemMessage), 0, 0, 0, 0, 0, 0, 0, 1, escByte}
	_, err := Decode(data, priv.PubKey())
	require.ErrorIs(t, err, ErrBrokenEscaping)
}

func TestDecodeRejectsUnknownPayloadType(t *testing.T) {
	priv := genKey(t)
	frame := Frame{Type: PayloadType(200), RequestID: 1, Body: []byte("x")}
	encoded, err := Encode(frame, priv)
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-1], priv.PubKey())
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	priv := genKey(t)
	_, err := Decode([]byte{1, 2, 3}, priv.PubKey())
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestCurrentIterationEndsClassification(t *testing.T) {
	require.True(t, CurrentIterationEnds(ErrInvalidFrame))
	require.True(t, CurrentIterationEnds(ErrBrokenEscaping))
	require.True(t, CurrentIterationEnds(ErrInvalidSignature))
	require.True(t, CurrentIterationEnds(ErrInvalidPayload))
	require.False(t, CurrentIterationEnds(nil))
}

func TestMapErrorToCode(t *testing.T) {
	require.Equal(t, ErrorCodeInvalidFrame, MapErrorToCode(ErrInvalidFrame))
	require.Equal(t, ErrorCodeUnknown, MapErrorToCode(nil))
}
