// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"github.com/tetherhq/tetherd/lib/codec"
)

// result is the terminal outcome of a unary call.
type result struct {
	payload codec.RawMessage
	err     error
}

// pendingCall tracks one outstanding outbound request. Exactly one of
// the resolution paths fires: a terminal envelope from the read loop,
// a disconnect, a cancellation, or session teardown.
type pendingCall struct {
	id uint64

	// resultCh receives the terminal outcome for unary calls.
	// Buffered so resolution never blocks the read loop. Nil for
	// streaming calls.
	resultCh chan result

	// stream is the consumer handle for streaming calls. Nil for
	// unary calls.
	stream *Stream

	resolveOnce sync.Once
}

// resolve delivers the terminal outcome. Safe to call multiple times;
// only the first wins (every call resolves exactly once).
func (p *pendingCall) resolve(payload codec.RawMessage, err error) {
	p.resolveOnce.Do(func() {
		if p.stream != nil {
			if err == nil && payload != nil {
				// A unary Response resolving a stream handle: deliver
				// the payload as the only item, then end cleanly.
				p.stream.push(payload)
			}
			p.stream.finish(err)
			return
		}
		p.resultCh <- result{payload: payload, err: err}
	})
}

// item delivers one stream item. No-op for unary calls (logged by the
// caller) and after resolution.
func (p *pendingCall) item(payload codec.RawMessage) {
	if p.stream != nil {
		p.stream.push(payload)
	}
}

// Stream is the caller-side handle for a streaming call. Items arrive
// on Items() in wire order; when the channel closes, Err() reports
// how the stream ended (nil for a clean StreamEnd).
//
// The read loop never blocks on a slow consumer: items queue
// internally and a pump goroutine feeds Items(). Backpressure, where
// required, is applied by the peer's sender, not by this handle.
type Stream struct {
	items  chan codec.RawMessage
	notify chan struct{}
	// aborted closes on error termination so the pump never stays
	// blocked on a consumer that has stopped reading.
	aborted chan struct{}
	// done closes after the last item is delivered and items is
	// closed. Used by the session to release per-call resources.
	done   chan struct{}
	cancel func()

	mu       sync.Mutex
	queue    []codec.RawMessage
	terminal bool
	err      error
}

func newStream(cancel func()) *Stream {
	s := &Stream{
		items:   make(chan codec.RawMessage),
		notify:  make(chan struct{}, 1),
		aborted: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.pump()
	return s
}

// Items returns the channel of stream items. Closed when the stream
// terminates; check Err() afterwards.
func (s *Stream) Items() <-chan codec.RawMessage { return s.items }

// Err reports how the stream ended: nil for a clean StreamEnd,
// ErrDisconnected, ErrCancelled, or a *RemoteError. Valid only after
// Items() is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel abandons the stream. Undelivered items are dropped and
// Items() closes with Err() == ErrCancelled. The request already sent
// is not retracted; late envelopes for it are discarded.
func (s *Stream) Cancel() { s.cancel() }

// push queues one item. Called only from the session read loop.
func (s *Stream) push(payload codec.RawMessage) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	s.wake()
}

// finish marks the stream terminal. After a clean StreamEnd, queued
// items still drain to the consumer; on any error the queue is
// dropped — the exchange failed and partial data is not delivered.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.err = err
	if err != nil {
		s.queue = nil
		close(s.aborted)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued items to the consumer channel. Runs until the
// stream is terminal and the queue is drained.
func (s *Stream) pump() {
	for {
		s.mu.Lock()
		var next codec.RawMessage
		haveItem := len(s.queue) > 0
		if haveItem {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		done := s.terminal && !haveItem
		s.mu.Unlock()

		if done {
			close(s.items)
			close(s.done)
			return
		}
		if haveItem {
			select {
			case s.items <- next:
			case <-s.aborted:
			}
			continue
		}
		select {
		case <-s.notify:
		case <-s.aborted:
		}
	}
}
