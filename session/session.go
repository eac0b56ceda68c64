// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/tetherhq/tetherd/lib/codec"
	"github.com/tetherhq/tetherd/transport"
)

// Request is one inbound request handed to a handler.
type Request struct {
	// Method is the full method name from the envelope. For prefix
	// handlers this includes the namespace.
	Method string

	// Payload is the raw request payload; decode it with
	// codec.Unmarshal into the handler's request type.
	Payload codec.RawMessage
}

// Handler processes one inbound request. Handlers for one connection
// run sequentially in arrival order, so a registration or teardown
// performed by one handler is observed by every request behind it. A
// long-lived streaming exchange must not hold its turn: call
// respond.Detach, continue from a goroutine, and deliver the
// terminal envelope there. ctx is cancelled when the connection that
// carried the request drops or the session closes.
//
// A handler that returns nil without having responded or detached
// gets an empty Response sent on its behalf. A non-nil return that
// is a *Fault is sent to the peer with its kind; any other error is
// sent as kind "internal".
type Handler func(ctx context.Context, request Request, respond *Responder) error

// Options configures a Session.
type Options struct {
	// PeerID identifies the remote end. Stable across reconnects for
	// the same logical session.
	PeerID string

	// Logger receives session-level protocol events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Session multiplexes typed request/response/stream exchanges over
// one replaceable message connection.
//
// The zero value is not usable; construct with New, register
// handlers, then Attach a connection.
type Session struct {
	peerID string
	logger *slog.Logger

	// lifecycle context, cancelled on Close/Fail. Parent of each
	// attach's connection context.
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu          sync.Mutex
	conn        transport.Conn
	generation  uint64
	connCancel  context.CancelFunc
	nextID      uint64
	lastInbound uint64
	pending     map[uint64]*pendingCall
	// discardable holds ids of cancelled calls whose terminal
	// envelope has not arrived yet; a late terminal for one of these
	// is dropped silently instead of being a protocol fault.
	discardable  map[uint64]struct{}
	handlers     map[string]Handler
	prefixes     []prefixHandler
	onDisconnect []func(error)
	onClose      []func(error)
	closed       bool
	fault        error
}

type prefixHandler struct {
	prefix  string
	handler Handler
}

// New creates a detached session. Register handlers and callbacks,
// then Attach a connection to start traffic.
func New(options Options) *Session {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		peerID:      options.PeerID,
		logger:      logger.With("component", "session", "peer", options.PeerID),
		ctx:         ctx,
		cancelCtx:   cancel,
		pending:     make(map[uint64]*pendingCall),
		discardable: make(map[uint64]struct{}),
		handlers:    make(map[string]Handler),
	}
}

// PeerID returns the remote peer's identifier.
func (s *Session) PeerID() string { return s.peerID }

// Register installs handler for exact method name matches.
// Registration after Attach is allowed; later registrations replace
// earlier ones for the same method.
func (s *Session) Register(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterPrefix installs handler for every method under the given
// namespace prefix (e.g., "process/typescript/"). Exact matches win
// over prefixes; among prefixes, the longest wins.
func (s *Session) RegisterPrefix(prefix string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.prefixes {
		if existing.prefix == prefix {
			s.prefixes[i].handler = handler
			return
		}
	}
	s.prefixes = append(s.prefixes, prefixHandler{prefix: prefix, handler: handler})
}

// UnregisterPrefix removes a namespace registration. Used when a
// remote process's sub-channel closes.
func (s *Session) UnregisterPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.prefixes {
		if existing.prefix == prefix {
			s.prefixes = append(s.prefixes[:i], s.prefixes[i+1:]...)
			return
		}
	}
}

// OnDisconnect registers a callback invoked (from the read loop
// goroutine) whenever the attached connection drops. The session
// stays alive; the callback typically schedules a reconnect.
func (s *Session) OnDisconnect(callback func(cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, callback)
}

// OnClose registers a callback invoked when the session is torn down
// — explicit Close (cause nil) or protocol fault (cause non-nil).
func (s *Session) OnClose(callback func(cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, callback)
}

// Attach installs conn as the session's transport and starts reading
// from it. An existing connection is closed first — reconnection
// swaps the transport handle, it does not recreate the session.
//
// Replacing a connection that still looks live (the half-open case:
// our end never saw the peer drop) is a disconnect for everything in
// flight on it: outstanding calls resolve with ErrDisconnected and
// OnDisconnect callbacks fire before the new connection carries
// traffic. The superseded read loop cannot do this itself — its
// generation is already stale by the time its ReadFrame fails.
func (s *Session) Attach(conn transport.Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	replaced := s.conn
	var outstanding map[uint64]*pendingCall
	var callbacks []func(error)
	if replaced != nil {
		replaced.Close()
		if s.connCancel != nil {
			s.connCancel()
		}
		outstanding = s.pending
		s.pending = make(map[uint64]*pendingCall)
		s.discardable = make(map[uint64]struct{})
		callbacks = s.onDisconnect
	}
	s.generation++
	generation := s.generation
	s.conn = conn
	connCtx, connCancel := context.WithCancel(s.ctx)
	s.connCancel = connCancel
	s.mu.Unlock()

	if replaced != nil {
		s.logger.Info("transport replaced", "outstanding", len(outstanding))
		for _, pc := range outstanding {
			pc.resolve(nil, ErrDisconnected)
		}
		for _, callback := range callbacks {
			callback(ErrDisconnected)
		}
	}

	queue := make(chan inboundRequest, requestQueueDepth)
	go s.serveRequests(queue)
	go s.readLoop(conn, generation, connCtx, queue)
	return nil
}

// Connected reports whether a transport is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Call issues a unary request and blocks until the terminal envelope
// arrives or ctx is done. request is CBOR-encoded (nil sends an
// empty payload); a non-nil response receives the decoded result.
//
// Returns ErrDisconnected if the transport drops first, ErrCancelled
// if ctx is done first, a *RemoteError for a peer Error envelope.
func (s *Session) Call(ctx context.Context, method string, request, response any) error {
	pc, err := s.startCall(method, request, false)
	if err != nil {
		return err
	}

	select {
	case outcome := <-pc.resultCh:
		if outcome.err != nil {
			return outcome.err
		}
		if response != nil && outcome.payload != nil {
			if err := codec.Unmarshal(outcome.payload, response); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		s.abandonCall(pc)
		return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}
}

// CallStream issues a streaming request and returns the stream
// handle immediately. The handle terminates with the peer's
// StreamEnd/Error, a disconnect, or Cancel.
func (s *Session) CallStream(ctx context.Context, method string, request any) (*Stream, error) {
	pc, err := s.startCall(method, request, true)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { s.abandonCall(pc) })
	go func() {
		// Release the ctx watcher once the stream terminates.
		<-pc.stream.done
		stop()
	}()
	return pc.stream, nil
}

// startCall allocates a request id, registers the pending call, and
// sends the Request envelope.
func (s *Session) startCall(method string, request any, streaming bool) (*pendingCall, error) {
	var payload codec.RawMessage
	if request != nil {
		encoded, err := codec.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", method, err)
		}
		payload = encoded
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	if s.nextID == math.MaxUint64 {
		s.mu.Unlock()
		s.Fail(ErrIDExhausted)
		return nil, ErrIDExhausted
	}
	s.nextID++
	id := s.nextID
	conn := s.conn

	pc := &pendingCall{id: id}
	if streaming {
		pc.stream = newStream(func() { s.abandonCall(pc) })
	} else {
		pc.resultCh = make(chan result, 1)
	}
	s.pending[id] = pc
	s.mu.Unlock()

	envelope := Envelope{Kind: KindRequest, ID: id, Method: method, Payload: payload}
	if err := s.send(conn, envelope); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		pc.resolve(nil, ErrDisconnected)
		return nil, ErrDisconnected
	}
	return pc, nil
}

// abandonCall unregisters local interest in an outstanding call. The
// request already sent is not retracted; the id moves to the discard
// set so a late terminal envelope is dropped, not treated as a
// protocol fault.
func (s *Session) abandonCall(pc *pendingCall) {
	s.mu.Lock()
	if _, outstanding := s.pending[pc.id]; outstanding {
		delete(s.pending, pc.id)
		s.discardable[pc.id] = struct{}{}
	}
	s.mu.Unlock()
	pc.resolve(nil, ErrCancelled)
}

// Close tears the session down cleanly: the connection closes, all
// outstanding calls resolve with ErrClosed, handlers' contexts
// cancel, and OnClose callbacks fire with a nil cause.
func (s *Session) Close() error {
	s.teardown(nil)
	return nil
}

// Fail tears the session down due to a protocol fault. Outstanding
// calls resolve with the fault; OnClose callbacks receive it.
func (s *Session) Fail(cause error) {
	if cause == nil {
		cause = ErrClosed
	}
	s.teardown(cause)
}

func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.fault = cause
	conn := s.conn
	s.conn = nil
	outstanding := s.pending
	s.pending = make(map[uint64]*pendingCall)
	s.discardable = make(map[uint64]struct{})
	callbacks := s.onClose
	s.mu.Unlock()

	s.cancelCtx()
	if conn != nil {
		conn.Close()
	}

	resolution := cause
	if resolution == nil {
		resolution = ErrClosed
	}
	for _, pc := range outstanding {
		pc.resolve(nil, resolution)
	}
	for _, callback := range callbacks {
		callback(cause)
	}
	if cause != nil {
		s.logger.Error("session torn down by protocol fault", "cause", cause)
	}
}

// requestQueueDepth bounds inbound requests awaiting their handler.
// A full queue blocks the read loop, the in-process analog of TCP
// backpressure.
const requestQueueDepth = 64

// inboundRequest is one request envelope queued for its handler.
type inboundRequest struct {
	conn     transport.Conn
	ctx      context.Context
	envelope Envelope
}

// readLoop reads frames from conn until it dies, dispatching each
// envelope. One loop runs per attached connection; a stale loop
// (superseded by a newer Attach) exits without side effects. The
// loop owns queue and closes it on exit so the request worker
// drains.
func (s *Session) readLoop(conn transport.Conn, generation uint64, connCtx context.Context, queue chan inboundRequest) {
	defer close(queue)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.handleDisconnect(conn, generation, err)
			return
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			// A malformed envelope is a transport fault: the stream
			// can no longer be trusted frame-by-frame. Drop the
			// connection; the reconnect path recovers.
			s.logger.Warn("malformed envelope, dropping connection", "error", err)
			conn.Close()
			s.handleDisconnect(conn, generation, err)
			return
		}
		if done := s.dispatch(conn, connCtx, queue, envelope); done {
			return
		}
	}
}

// serveRequests runs queued request handlers one at a time, so
// handlers for one connection begin in arrival order. A handler that
// must outlive its turn (a long streaming exchange) detaches the
// responder and continues from its own goroutine.
func (s *Session) serveRequests(queue <-chan inboundRequest) {
	for item := range queue {
		s.runHandler(item)
	}
}

// dispatch routes one inbound envelope. Returns true when the
// session has been torn down and the read loop should exit.
func (s *Session) dispatch(conn transport.Conn, connCtx context.Context, queue chan<- inboundRequest, envelope Envelope) bool {
	if envelope.Kind == KindRequest {
		return s.dispatchRequest(conn, connCtx, queue, envelope)
	}

	s.mu.Lock()
	pc, outstanding := s.pending[envelope.ID]
	if !outstanding {
		if _, discard := s.discardable[envelope.ID]; discard {
			// Late terminal for a cancelled call.
			if envelope.Kind != KindStreamItem {
				delete(s.discardable, envelope.ID)
			}
			s.mu.Unlock()
			return false
		}
		s.mu.Unlock()
		fault := fmt.Errorf("%s envelope references unknown request id %d", envelope.Kind, envelope.ID)
		s.Fail(fault)
		return true
	}
	terminal := envelope.Kind != KindStreamItem
	if terminal {
		delete(s.pending, envelope.ID)
	}
	s.mu.Unlock()

	switch envelope.Kind {
	case KindResponse:
		pc.resolve(envelope.Payload, nil)
	case KindStreamItem:
		if pc.stream == nil {
			s.logger.Warn("stream item for unary call discarded", "id", envelope.ID)
			return false
		}
		pc.item(envelope.Payload)
	case KindStreamEnd:
		pc.resolve(nil, nil)
	case KindError:
		pc.resolve(nil, &RemoteError{Kind: envelope.ErrorKind, Message: envelope.ErrorMessage})
	}
	return false
}

// dispatchRequest validates the inbound id and hands the request to
// the connection's serial worker. Handler lookup happens on the
// worker so registrations and unregistrations made by one handler
// are visible to every later-arriving request.
func (s *Session) dispatchRequest(conn transport.Conn, connCtx context.Context, queue chan<- inboundRequest, envelope Envelope) bool {
	s.mu.Lock()
	if envelope.ID <= s.lastInbound {
		s.mu.Unlock()
		fault := fmt.Errorf("inbound request id %d at or below last seen %d", envelope.ID, s.lastInbound)
		s.sendError(conn, envelope.ID, ErrorKindIDReuse, fault.Error())
		s.Fail(fault)
		return true
	}
	s.lastInbound = envelope.ID
	s.mu.Unlock()

	select {
	case queue <- inboundRequest{conn: conn, ctx: connCtx, envelope: envelope}:
		return false
	case <-connCtx.Done():
		// The connection is being torn down or replaced; whoever
		// cancelled it already did the bookkeeping.
		return true
	}
}

// runHandler resolves and invokes the handler for one inbound
// request on the connection's serial worker.
func (s *Session) runHandler(item inboundRequest) {
	envelope := item.envelope
	s.mu.Lock()
	handler := s.lookupHandlerLocked(envelope.Method)
	s.mu.Unlock()

	if handler == nil {
		s.sendError(item.conn, envelope.ID, ErrorKindUnknownMethod,
			fmt.Sprintf("no handler registered for method %q", envelope.Method))
		return
	}

	responder := &Responder{session: s, conn: item.conn, id: envelope.ID}
	request := Request{Method: envelope.Method, Payload: envelope.Payload}
	err := handler(item.ctx, request, responder)
	switch {
	case err == nil:
		// An empty Response on the handler's behalf, unless it
		// already sent a terminal envelope or handed the responder
		// to a goroutine.
		responder.finish()
	case responder.terminated():
		s.logger.Warn("handler error after terminal envelope",
			"method", envelope.Method, "error", err)
	default:
		kind, message := ErrorKindInternal, err.Error()
		if fault, ok := err.(*Fault); ok {
			kind, message = fault.Kind, fault.Message
		}
		_ = responder.Fail(kind, message)
	}
}

// lookupHandlerLocked resolves a method to its handler: exact match
// first, then the longest registered prefix.
func (s *Session) lookupHandlerLocked(method string) Handler {
	if handler, ok := s.handlers[method]; ok {
		return handler
	}
	var best Handler
	bestLength := -1
	for _, p := range s.prefixes {
		if strings.HasPrefix(method, p.prefix) && len(p.prefix) > bestLength {
			best = p.handler
			bestLength = len(p.prefix)
		}
	}
	return best
}

// handleDisconnect reacts to a dead connection: outstanding calls
// resolve with ErrDisconnected and OnDisconnect callbacks fire. A
// stale generation (already superseded by a newer Attach) is ignored.
func (s *Session) handleDisconnect(conn transport.Conn, generation uint64, cause error) {
	s.mu.Lock()
	if s.closed || s.generation != generation {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	outstanding := s.pending
	s.pending = make(map[uint64]*pendingCall)
	// Late responses can only arrive on the connection that carried
	// the request; it is gone, so the discard set resets.
	s.discardable = make(map[uint64]struct{})
	callbacks := s.onDisconnect
	s.mu.Unlock()

	conn.Close()
	s.logger.Info("transport disconnected", "cause", cause, "outstanding", len(outstanding))
	for _, pc := range outstanding {
		pc.resolve(nil, ErrDisconnected)
	}
	for _, callback := range callbacks {
		callback(cause)
	}
}

// send encodes and writes one envelope on the given connection.
func (s *Session) send(conn transport.Conn, envelope Envelope) error {
	data, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	return conn.WriteFrame(data)
}

func (s *Session) sendError(conn transport.Conn, id uint64, kind, message string) {
	err := s.send(conn, Envelope{Kind: KindError, ID: id, ErrorKind: kind, ErrorMessage: message})
	if err != nil {
		s.logger.Warn("failed to send error envelope", "kind", kind, "error", err)
	}
}

// Responder sends response traffic for one inbound request. Bound to
// the connection the request arrived on: after a reconnect, replies
// to pre-disconnect requests go nowhere instead of confusing the new
// connection's id space.
//
// Safe for use from the handler or a detached goroutine for the
// lifetime of a streaming exchange. Exactly one terminal send
// (Respond, End, or Fail) is delivered; later terminal calls return
// ErrClosed.
type Responder struct {
	session *Session
	conn    transport.Conn
	id      uint64

	mu       sync.Mutex
	terminal bool
	detached bool
}

// Detach transfers terminal responsibility to a goroutine that
// outlives the handler's turn on the serial worker. A detached
// handler's nil return does not auto-respond; the goroutine must
// deliver exactly one terminal (Respond, End, or Fail) itself.
func (r *Responder) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = true
}

// finish sends the empty auto-response unless the handler detached
// or already delivered a terminal.
func (r *Responder) finish() {
	r.mu.Lock()
	if r.terminal || r.detached {
		r.mu.Unlock()
		return
	}
	r.terminal = true
	r.mu.Unlock()
	_ = r.session.send(r.conn, Envelope{Kind: KindResponse, ID: r.id})
}

// Respond terminates the exchange with a unary response payload.
func (r *Responder) Respond(response any) error {
	payload, err := codec.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return r.respondRaw(payload)
}

func (r *Responder) respondRaw(payload codec.RawMessage) error {
	if !r.claimTerminal() {
		return ErrClosed
	}
	return r.session.send(r.conn, Envelope{Kind: KindResponse, ID: r.id, Payload: payload})
}

// Send delivers one stream item. Items arrive at the peer in send
// order.
func (r *Responder) Send(item any) error {
	payload, err := codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode stream item: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return ErrClosed
	}
	return r.session.send(r.conn, Envelope{Kind: KindStreamItem, ID: r.id, Payload: payload})
}

// End terminates a streaming exchange cleanly.
func (r *Responder) End() error {
	if !r.claimTerminal() {
		return ErrClosed
	}
	return r.session.send(r.conn, Envelope{Kind: KindStreamEnd, ID: r.id})
}

// Fail terminates the exchange with an error envelope.
func (r *Responder) Fail(kind, message string) error {
	if !r.claimTerminal() {
		return ErrClosed
	}
	return r.session.send(r.conn, Envelope{Kind: KindError, ID: r.id, ErrorKind: kind, ErrorMessage: message})
}

func (r *Responder) claimTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.terminal = true
	return true
}

func (r *Responder) terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}
