// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameHeaderLength is the fixed size of a frame header: a 4-byte
// big-endian payload length.
const frameHeaderLength = 4

// MaxFramePayload is the maximum allowed frame payload size. 16 MB is
// generous for envelopes; full-snapshot catch-up payloads are
// compressed and chunked below this limit by the sender.
const MaxFramePayload = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame header announces a
// payload exceeding MaxFramePayload. A frame this size means the
// stream is corrupt or the peer is misbehaving; the connection is not
// recoverable past this point.
var ErrFrameTooLarge = errors.New("frame payload exceeds maximum")

// WriteFrame writes one length-prefixed frame to w. The frame format
// is [4 bytes payload length, big-endian uint32][payload].
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. Returns io.EOF
// only when the stream ends cleanly on a frame boundary; a stream
// that ends mid-frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[:])
	if payloadLength > MaxFramePayload {
		return nil, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, payloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return payload, nil
}
