// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
	_ Conn     = (*streamConn)(nil)
)

// TCPListener accepts inbound TCP connections from clients. This is
// the development and same-LAN transport; production deployments run
// it behind an SSH tunnel or equivalent.
type TCPListener struct {
	listener net.Listener

	mu     sync.Mutex
	closed bool
}

// NewTCPListener creates a TCP listener on the specified address
// (e.g., ":7420"). Use ":0" for a random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Serve accepts TCP connections and dispatches each to handle in its
// own goroutine. Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handle func(Conn)) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handle(newStreamConn(conn))
	}
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

// TCPDialer opens TCP connections to a remote daemon.
type TCPDialer struct {
	// Timeout is the maximum time to wait for the TCP connection to
	// be established. Zero means only the context deadline applies.
	Timeout time.Duration
}

// DialContext opens a framed TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn), nil
}

// streamConn frames messages over any net.Conn. Writes are serialized
// with a mutex so a frame is never interleaved with another.
type streamConn struct {
	conn net.Conn

	writeMu sync.Mutex
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{conn: conn}
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	return ReadFrame(c.conn)
}

func (c *streamConn) WriteFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, payload)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}
