// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/tetherhq/tetherd/lib/codec"
)

// Kind discriminates the envelope variants. The values are wire
// constants — changing them breaks protocol compatibility.
type Kind uint8

const (
	// KindRequest opens an exchange. Carries a method name and a
	// request payload; the id is fresh from the sender's counter.
	KindRequest Kind = 1

	// KindResponse terminates a unary exchange with a result payload.
	KindResponse Kind = 2

	// KindStreamItem carries one item of a streaming response. Items
	// for the same id are never reordered.
	KindStreamItem Kind = 3

	// KindStreamEnd terminates a streaming exchange cleanly.
	KindStreamEnd Kind = 4

	// KindError terminates an exchange with a protocol-visible error
	// (kind string + message).
	KindError Kind = 5
)

// String returns the envelope kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStreamItem:
		return "stream-item"
	case KindStreamEnd:
		return "stream-end"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Error envelope kinds. These are stable wire strings; the client
// maps them to user-visible states.
const (
	// ErrorKindMalformedEnvelope reports an undecodable envelope.
	ErrorKindMalformedEnvelope = "malformed-envelope"

	// ErrorKindUnknownMethod reports a request for a method with no
	// registered handler. A protocol-level reply, not a local fault.
	ErrorKindUnknownMethod = "unknown-method"

	// ErrorKindIDReuse reports a request id at or below one already
	// seen. Fatal to the session.
	ErrorKindIDReuse = "id-reuse"

	// ErrorKindProcessSpawn reports that a language-analysis
	// subprocess could not start.
	ErrorKindProcessSpawn = "process-spawn"

	// ErrorKindProcessUnavailable reports that a subprocess crashed
	// and its single restart also failed.
	ErrorKindProcessUnavailable = "process-unavailable"

	// ErrorKindResyncAbandoned reports that the peer did not
	// acknowledge a resync within the deadline.
	ErrorKindResyncAbandoned = "resync-abandoned"

	// ErrorKindInternal reports a handler failure with no more
	// specific kind.
	ErrorKindInternal = "internal"
)

// Envelope is the typed unit of exchange on the connection. Exactly
// one variant's fields are meaningful, selected by Kind: Request uses
// Method+Payload, Response and StreamItem use Payload, StreamEnd uses
// nothing beyond the id, Error uses ErrorKind+ErrorMessage.
type Envelope struct {
	Kind    Kind   `cbor:"kind"`
	ID      uint64 `cbor:"id"`
	Method  string `cbor:"method,omitempty"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`

	ErrorKind    string `cbor:"error_kind,omitempty"`
	ErrorMessage string `cbor:"error_message,omitempty"`
}

// EncodeEnvelope serializes an envelope to CBOR bytes for framing.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	data, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", envelope.Kind, err)
	}
	return data, nil
}

// DecodeEnvelope parses CBOR bytes into an envelope. Structural
// problems — undecodable bytes, an unknown kind, a request without a
// method — return ErrMalformedEnvelope. Unknown fields in the
// envelope map are ignored for forward compatibility.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch envelope.Kind {
	case KindRequest:
		if envelope.Method == "" {
			return Envelope{}, fmt.Errorf("%w: request without method", ErrMalformedEnvelope)
		}
	case KindResponse, KindStreamItem, KindStreamEnd, KindError:
	default:
		return Envelope{}, fmt.Errorf("%w: kind %d", ErrMalformedEnvelope, envelope.Kind)
	}
	return envelope, nil
}
