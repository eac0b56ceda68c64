// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"io"
	"sync"
)

// ErrConnClosed is returned by memory connections after Close.
var ErrConnClosed = errors.New("connection closed")

// MemoryPair returns two connected in-process Conns. Frames written
// to one side arrive at the other in order. Both sides observe a
// Close from either end: the closer's pending operations fail with
// ErrConnClosed, the peer's reads drain buffered frames then return
// io.EOF — the same shape a dropped TCP connection presents.
//
// Used throughout session and host tests to exercise disconnect and
// reconnect paths without real sockets.
func MemoryPair() (Conn, Conn) {
	a := &memoryConn{inbound: make(chan []byte, memoryConnBuffer), done: make(chan struct{})}
	b := &memoryConn{inbound: make(chan []byte, memoryConnBuffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// memoryConnBuffer bounds in-flight frames per direction. A full
// buffer blocks the writer, mirroring TCP backpressure.
const memoryConnBuffer = 64

type memoryConn struct {
	peer    *memoryConn
	inbound chan []byte
	done    chan struct{}

	closeOnce sync.Once
}

func (c *memoryConn) ReadFrame() ([]byte, error) {
	// Drain buffered frames before reporting the peer's close, so a
	// frame sent just before disconnect is not lost.
	select {
	case payload := <-c.inbound:
		return payload, nil
	default:
	}

	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.done:
		return nil, ErrConnClosed
	case <-c.peer.done:
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *memoryConn) WriteFrame(payload []byte) error {
	if len(payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}
	// An already-closed conn always refuses the write. Without this
	// check the send below could win the select against c.done when
	// the peer's buffer has space.
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	// Copy: the caller may reuse its buffer after WriteFrame returns.
	owned := make([]byte, len(payload))
	copy(owned, payload)

	select {
	case c.peer.inbound <- owned:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-c.peer.done:
		return io.ErrClosedPipe
	}
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
