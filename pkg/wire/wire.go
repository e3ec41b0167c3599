// Package wire implements the MiddleMan frame codec: a length-free,
// separator-delimited, escaped, signed wire format used between Concent
// front-end connections and the Signing Service.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// PayloadType is the first byte of every frame's payload.
type PayloadType byte

// Recognized payload types.
const (
	PayloadGolemMessage PayloadType = iota + 1
	PayloadError
	PayloadAuthChallenge
	PayloadAuthResponse
)

func (t PayloadType) String() string {
	switch t {
	case PayloadGolemMessage:
		return "GOLEM_MESSAGE"
	case PayloadError:
		return "ERROR"
	case PayloadAuthChallenge:
		return "AUTHENTICATION_CHALLENGE"
	case PayloadAuthResponse:
		return "AUTHENTICATION_RESPONSE"
	default:
		return fmt.Sprintf("PayloadType(%d)", byte(t))
	}
}

// Reserved bytes. The frame separator never appears inside an encoded frame's
// payload+signature section, and the escape byte appears there only as the
// first byte of a two-byte escape sequence; escape-encode replaces every
// literal occurrence of either before transmission.
const (
	escByte byte = 0x1B
	sepByte byte = 0x0A

	escEscReplacement byte = 0x45 // 'E'
	escSepReplacement byte = 0x53 // 'S'
)

// Separator is the single byte terminating every encoded frame.
const Separator = sepByte

// RequestIDLen is the fixed width, in bytes, of the big-endian request id
// field carried right after the payload type tag.
const RequestIDLen = 8

// HeaderLen is the type tag plus the request id.
const HeaderLen = 1 + RequestIDLen

// SignatureLen is the width of a compact secp256k1 signature as produced by
// ecdsa.SignCompact: 1 recovery byte + 32 bytes R + 32 bytes S.
const SignatureLen = 65

// RequestIDForResponseForInvalidFrame is the sentinel request id used when a
// producer cannot associate an ERROR frame with any real outbound request.
const RequestIDForResponseForInvalidFrame uint64 = 0

// Frame is a decoded MiddleMan protocol message.
type Frame struct {
	Type      PayloadType
	RequestID uint64
	Body      []byte
}

// ErrorCode is the stable numeric code reported to a peer for a structural
// decode failure.
type ErrorCode int

// Error codes, stable across versions because they appear on the wire.
const (
	ErrorCodeInvalidFrame ErrorCode = iota + 1
	ErrorCodeInvalidFrameSignature
	ErrorCodeInvalidPayload
	ErrorCodeBrokenEscaping
	ErrorCodeRequestIDInvalidType
	ErrorCodeUnknown
)

// Error is a structural frame error, mapped to a stable wire code.
type Error struct {
	Code ErrorCode
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

// Sentinel structural errors. CurrentIterationEnds reports whether an error
// should end the current read iteration for a producer without being fatal
// to the connection (see middleman package).
var (
	ErrInvalidFrame     = newError(ErrorCodeInvalidFrame, "invalid frame: too short for header and signature")
	ErrBrokenEscaping   = newError(ErrorCodeBrokenEscaping, "invalid frame: broken escaping")
	ErrInvalidSignature = newError(ErrorCodeInvalidFrameSignature, "invalid frame: signature verification failed")
	ErrInvalidPayload   = newError(ErrorCodeInvalidPayload, "invalid frame: unknown payload type or malformed body")
	ErrRequestIDType    = newError(ErrorCodeRequestIDInvalidType, "invalid frame: request id is not a valid uint64")
)

// CurrentIterationEnds reports whether err is one of the structural decode
// errors that should end processing of the current frame but never the
// connection itself.
func CurrentIterationEnds(err error) bool {
	var wireErr *Error
	if !asError(err, &wireErr) {
		return false
	}
	switch wireErr.Code {
	case ErrorCodeInvalidFrame, ErrorCodeBrokenEscaping, ErrorCodeInvalidFrameSignature, ErrorCodeInvalidPayload, ErrorCodeRequestIDInvalidType:
		return true
	default:
		return false
	}
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// MapErrorToCode returns the wire error code carried by err, or
// ErrorCodeUnknown if err is not a recognized *Error.
func MapErrorToCode(err error) ErrorCode {
	var wireErr *Error
	if asError(err, &wireErr) {
		return wireErr.Code
	}
	return ErrorCodeUnknown
}

// Encode serializes frame into the signed, escaped, separator-terminated
// bytes ready to be written to a stream. The signature covers the SHA-256
// digest of the type tag, request id and body (the unescaped payload).
func Encode(frame Frame, priv *secp256k1.PrivateKey) ([]byte, error) {
	payload := make([]byte, 0, HeaderLen+len(frame.Body))
	payload = append(payload, byte(frame.Type))
	var reqID [RequestIDLen]byte
	binary.BigEndian.PutUint64(reqID[:], frame.RequestID)
	payload = append(payload, reqID[:]...)
	payload = append(payload, frame.Body...)

	digest := sha256.Sum256(payload)
	sig := ecdsa.SignCompact(priv, digest[:], false)
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("wire: unexpected signature length %d", len(sig))
	}

	signed := make([]byte, 0, len(payload)+len(sig))
	signed = append(signed, payload...)
	signed = append(signed, sig...)

	escaped := escape(signed)
	out := make([]byte, 0, len(escaped)+1)
	out = append(out, escaped...)
	out = append(out, sepByte)
	return out, nil
}

// Decode reverses Encode, verifying the signature against expectedPeer
// before returning the payload. data must not include the trailing
// separator.
func Decode(data []byte, expectedPeer *secp256k1.PublicKey) (Frame, error) {
	signed, err := unescape(data)
	if err != nil {
		return Frame{}, err
	}
	if len(signed) < HeaderLen+SignatureLen {
		return Frame{}, ErrInvalidFrame
	}

	payload := signed[:len(signed)-SignatureLen]
	sig := signed[len(signed)-SignatureLen:]

	digest := sha256.Sum256(payload)
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil || !pub.IsEqual(expectedPeer) {
		return Frame{}, ErrInvalidSignature
	}

	typ := PayloadType(payload[0])
	switch typ {
	case PayloadGolemMessage, PayloadError, PayloadAuthChallenge, PayloadAuthResponse:
	default:
		return Frame{}, ErrInvalidPayload
	}

	reqID := binary.BigEndian.Uint64(payload[1:HeaderLen])
	body := make([]byte, len(payload)-HeaderLen)
	copy(body, payload[HeaderLen:])

	return Frame{Type: typ, RequestID: reqID, Body: body}, nil
}

func escape(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for _, b := range in {
		switch b {
		case escByte:
			out = append(out, escByte, escEscReplacement)
		case sepByte:
			out = append(out, escByte, escSepReplacement)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescape(in []byte) ([]byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b != escByte {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(in) {
			return nil, ErrBrokenEscaping
		}
		switch in[i] {
		case escEscReplacement:
			out = append(out, escByte)
		case escSepReplacement:
			out = append(out, sepByte)
		default:
			return nil, ErrBrokenEscaping
		}
	}
	return out, nil
}
