// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tetherhq/tetherd/lib/codec"
	"github.com/tetherhq/tetherd/lib/testutil"
	"github.com/tetherhq/tetherd/transport"
)

// connectedPair returns two attached sessions joined by an in-memory
// transport, plus the underlying conns for fault injection.
func connectedPair(t *testing.T) (client, daemon *Session, clientConn, daemonConn transport.Conn) {
	t.Helper()
	clientConn, daemonConn = transport.MemoryPair()
	client = New(Options{PeerID: "daemon"})
	daemon = New(Options{PeerID: "editor-1"})
	if err := client.Attach(clientConn); err != nil {
		t.Fatalf("client Attach: %v", err)
	}
	if err := daemon.Attach(daemonConn); err != nil {
		t.Fatalf("daemon Attach: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		daemon.Close()
	})
	return client, daemon, clientConn, daemonConn
}

type echoRequest struct {
	Text string `cbor:"text"`
}

type echoResponse struct {
	Text string `cbor:"text"`
}

func TestUnaryCallRoundtrip(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	daemon.Register("echo", func(ctx context.Context, request Request, respond *Responder) error {
		var req echoRequest
		if err := codec.Unmarshal(request.Payload, &req); err != nil {
			return err
		}
		return respond.Respond(echoResponse{Text: req.Text})
	})

	var response echoResponse
	err := client.Call(context.Background(), "echo", echoRequest{Text: "hello"}, &response)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if response.Text != "hello" {
		t.Errorf("response = %q, want %q", response.Text, "hello")
	}
}

func TestUnknownMethodYieldsRemoteError(t *testing.T) {
	client, _, _, _ := connectedPair(t)

	err := client.Call(context.Background(), "no-such-method", nil, nil)
	if !IsRemoteError(err, ErrorKindUnknownMethod) {
		t.Fatalf("Call: %v, want RemoteError kind %s", err, ErrorKindUnknownMethod)
	}
}

func TestHandlerNilReturnSendsEmptyResponse(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	daemon.Register("ping", func(ctx context.Context, request Request, respond *Responder) error {
		return nil
	})

	if err := client.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestHandlerFaultReachesPeerWithKind(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	daemon.Register("spawn", func(ctx context.Context, request Request, respond *Responder) error {
		return Faultf(ErrorKindProcessSpawn, "binary %q not found", "tsserver")
	})

	err := client.Call(context.Background(), "spawn", nil, nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Call: %v, want RemoteError", err)
	}
	if remoteErr.Kind != ErrorKindProcessSpawn {
		t.Errorf("kind = %q, want %q", remoteErr.Kind, ErrorKindProcessSpawn)
	}
}

func TestStreamingCallDeliversItemsInOrder(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	daemon.Register("list", func(ctx context.Context, request Request, respond *Responder) error {
		for _, text := range []string{"first", "second", "third"} {
			if err := respond.Send(echoResponse{Text: text}); err != nil {
				return err
			}
		}
		return respond.End()
	})

	stream, err := client.CallStream(context.Background(), "list", nil)
	if err != nil {
		t.Fatalf("CallStream: %v", err)
	}

	var got []string
	for payload := range stream.Items() {
		var item echoResponse
		if err := codec.Unmarshal(payload, &item); err != nil {
			t.Fatalf("Unmarshal item: %v", err)
		}
		got = append(got, item.Text)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream Err: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDisconnectResolvesOutstandingCalls(t *testing.T) {
	client, daemon, _, daemonConn := connectedPair(t)

	blocked := make(chan struct{})
	daemon.Register(MethodProjectOpen, func(ctx context.Context, request Request, respond *Responder) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	})

	callDone := make(chan error, 1)
	go func() {
		callDone <- client.Call(context.Background(), MethodProjectOpen, echoRequest{Text: "/proj"}, nil)
	}()

	testutil.RequireClosed(t, blocked, 5*time.Second, "handler started")
	daemonConn.Close()

	err := testutil.RequireReceive(t, callDone, 5*time.Second, "call resolution")
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Call after disconnect: %v, want ErrDisconnected", err)
	}

	// Reconnect: a fresh transport pair, the same sessions. The next
	// call succeeds.
	clientConn2, daemonConn2 := transport.MemoryPair()
	if err := client.Attach(clientConn2); err != nil {
		t.Fatalf("client re-Attach: %v", err)
	}
	if err := daemon.Attach(daemonConn2); err != nil {
		t.Fatalf("daemon re-Attach: %v", err)
	}
	daemon.Register(MethodProjectOpen, func(ctx context.Context, request Request, respond *Responder) error {
		return respond.Respond(echoResponse{Text: "opened"})
	})

	var response echoResponse
	if err := client.Call(context.Background(), MethodProjectOpen, echoRequest{Text: "/proj"}, &response); err != nil {
		t.Fatalf("Call after reconnect: %v", err)
	}
	if response.Text != "opened" {
		t.Errorf("response = %q", response.Text)
	}
}

func TestOnDisconnectFires(t *testing.T) {
	client, _, _, daemonConn := connectedPair(t)

	dropped := make(chan error, 1)
	client.OnDisconnect(func(cause error) { dropped <- cause })

	daemonConn.Close()
	testutil.RequireReceive(t, dropped, 5*time.Second, "disconnect callback")
	if client.Connected() {
		t.Error("Connected() = true after disconnect")
	}
}

func TestCancelledCallDoesNotFaultSessionOnLateResponse(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	release := make(chan struct{})
	started := make(chan struct{})
	daemon.Register("slow", func(ctx context.Context, request Request, respond *Responder) error {
		close(started)
		<-release
		return respond.Respond(echoResponse{Text: "late"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	callDone := make(chan error, 1)
	go func() {
		callDone <- client.Call(ctx, "slow", nil, nil)
	}()

	testutil.RequireClosed(t, started, 5*time.Second, "handler started")
	cancel()
	err := testutil.RequireReceive(t, callDone, 5*time.Second, "cancelled call")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("cancelled Call: %v, want ErrCancelled", err)
	}

	// The late response must be discarded, not treated as a protocol
	// fault: the session keeps working.
	close(release)
	daemon.Register("ping", func(ctx context.Context, request Request, respond *Responder) error {
		return nil
	})
	if err := client.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("Call after late response: %v", err)
	}
}

func TestInboundIDReuseTearsDownSession(t *testing.T) {
	// Drive the daemon session with a raw conn so we control ids.
	rawConn, daemonConn := transport.MemoryPair()
	daemon := New(Options{PeerID: "editor-1"})
	if err := daemon.Attach(daemonConn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer daemon.Close()

	closed := make(chan error, 1)
	daemon.OnClose(func(cause error) { closed <- cause })
	daemon.Register("ping", func(ctx context.Context, request Request, respond *Responder) error {
		return nil
	})

	send := func(id uint64) {
		data, err := EncodeEnvelope(Envelope{Kind: KindRequest, ID: id, Method: "ping"})
		if err != nil {
			t.Fatalf("EncodeEnvelope: %v", err)
		}
		if err := rawConn.WriteFrame(data); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	send(5)
	send(5) // reuse

	cause := testutil.RequireReceive(t, closed, 5*time.Second, "session teardown")
	if cause == nil {
		t.Fatal("OnClose cause = nil, want id-reuse fault")
	}

	// The offender got an id-reuse error envelope before teardown.
	sawIDReuse := false
	for {
		frame, err := rawConn.ReadFrame()
		if err != nil {
			break
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			continue
		}
		if envelope.Kind == KindError && envelope.ErrorKind == ErrorKindIDReuse {
			sawIDReuse = true
		}
	}
	if !sawIDReuse {
		t.Error("peer never received an id-reuse error envelope")
	}
}

func TestUnknownResponseIDTearsDownSession(t *testing.T) {
	rawConn, daemonConn := transport.MemoryPair()
	daemon := New(Options{PeerID: "editor-1"})
	if err := daemon.Attach(daemonConn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer daemon.Close()

	closed := make(chan error, 1)
	daemon.OnClose(func(cause error) { closed <- cause })

	data, err := EncodeEnvelope(Envelope{Kind: KindResponse, ID: 42})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := rawConn.WriteFrame(data); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if cause := testutil.RequireReceive(t, closed, 5*time.Second, "teardown"); cause == nil {
		t.Fatal("OnClose cause = nil, want unknown-id fault")
	}
}

func TestMalformedEnvelopeDropsConnectionNotSession(t *testing.T) {
	rawConn, daemonConn := transport.MemoryPair()
	daemon := New(Options{PeerID: "editor-1"})
	if err := daemon.Attach(daemonConn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer daemon.Close()

	dropped := make(chan error, 1)
	closed := make(chan error, 1)
	daemon.OnDisconnect(func(cause error) { dropped <- cause })
	daemon.OnClose(func(cause error) { closed <- cause })

	if err := rawConn.WriteFrame([]byte{0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	testutil.RequireReceive(t, dropped, 5*time.Second, "disconnect on malformed envelope")
	select {
	case cause := <-closed:
		t.Fatalf("session closed (%v); malformed envelope is a transport fault", cause)
	default:
	}
}

func TestCallOnDetachedSessionFailsFast(t *testing.T) {
	s := New(Options{PeerID: "daemon"})
	defer s.Close()

	err := s.Call(context.Background(), "ping", nil, nil)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Call on detached session: %v, want ErrDisconnected", err)
	}
}

func TestCallOnClosedSessionFails(t *testing.T) {
	client, _, _, _ := connectedPair(t)
	client.Close()

	err := client.Call(context.Background(), "ping", nil, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Call on closed session: %v, want ErrClosed", err)
	}
}

func TestPrefixHandlerReceivesNamespacedMethods(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	seen := make(chan string, 1)
	daemon.RegisterPrefix(ProcessNamespace+"typescript/", func(ctx context.Context, request Request, respond *Responder) error {
		seen <- request.Method
		return nil
	})

	err := client.Call(context.Background(), ProcessNamespace+"typescript/message", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	method := testutil.RequireReceive(t, seen, 5*time.Second, "handler method")
	if method != "process/typescript/message" {
		t.Errorf("method = %q", method)
	}

	// A different namespace stays unknown.
	err = client.Call(context.Background(), ProcessNamespace+"python/message", nil, nil)
	if !IsRemoteError(err, ErrorKindUnknownMethod) {
		t.Errorf("other namespace: %v, want unknown-method", err)
	}
}

func TestStreamCancelDiscardsRemainingItems(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	daemon.Register("feed", func(ctx context.Context, request Request, respond *Responder) error {
		// Stream until the sub-channel's context dies; the client
		// cancels long before that.
		for i := 0; ; i++ {
			if ctx.Err() != nil {
				return nil
			}
			if err := respond.Send(echoResponse{Text: "item"}); err != nil {
				return nil
			}
		}
	})

	stream, err := client.CallStream(context.Background(), "feed", nil)
	if err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	// Consume one item, then abandon.
	testutil.RequireReceive(t, stream.Items(), 5*time.Second, "first item")
	stream.Cancel()

	for range stream.Items() {
	}
	if err := stream.Err(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("stream Err: %v, want ErrCancelled", err)
	}
}

func TestReattachResolvesOutstandingCalls(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	// The handler never responds: the call stays outstanding on the
	// first connection.
	started := make(chan struct{})
	daemon.Register("hang", func(ctx context.Context, request Request, respond *Responder) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	dropped := make(chan error, 1)
	client.OnDisconnect(func(cause error) { dropped <- cause })

	callDone := make(chan error, 1)
	go func() {
		callDone <- client.Call(context.Background(), "hang", nil, nil)
	}()
	testutil.RequireClosed(t, started, 5*time.Second, "handler started")

	// The client re-attaches while its old connection still looks
	// live, the half-open case where no read error ever surfaces.
	// The superseded connection's call must not be left pending.
	replacement, _ := transport.MemoryPair()
	if err := client.Attach(replacement); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}

	err := testutil.RequireReceive(t, callDone, 5*time.Second, "call on replaced connection")
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("call resolution: %v, want ErrDisconnected", err)
	}
	cause := testutil.RequireReceive(t, dropped, 5*time.Second, "disconnect callback")
	if !errors.Is(cause, ErrDisconnected) {
		t.Fatalf("disconnect cause: %v, want ErrDisconnected", cause)
	}
}

func TestInboundRequestsBeginInArrivalOrder(t *testing.T) {
	rawConn, daemonConn := transport.MemoryPair()
	daemon := New(Options{PeerID: "editor-1"})
	if err := daemon.Attach(daemonConn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer daemon.Close()

	const requests = 16
	order := make(chan uint64, requests)
	daemon.Register("step", func(ctx context.Context, request Request, respond *Responder) error {
		var body echoRequest
		if err := codec.Unmarshal(request.Payload, &body); err != nil {
			return err
		}
		var sequence uint64
		if _, err := fmt.Sscanf(body.Text, "%d", &sequence); err != nil {
			return err
		}
		order <- sequence
		return nil
	})

	for id := uint64(1); id <= requests; id++ {
		payload, err := codec.Marshal(echoRequest{Text: fmt.Sprintf("%d", id)})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		frame, err := EncodeEnvelope(Envelope{Kind: KindRequest, ID: id, Method: "step", Payload: payload})
		if err != nil {
			t.Fatalf("EncodeEnvelope: %v", err)
		}
		if err := rawConn.WriteFrame(frame); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for want := uint64(1); want <= requests; want++ {
		got := testutil.RequireReceive(t, order, 5*time.Second, "handler execution")
		if got != want {
			t.Fatalf("handler ran for request %d before request %d", got, want)
		}
	}
}

func TestDetachedHandlerStreamsAfterReturning(t *testing.T) {
	client, daemon, _, _ := connectedPair(t)

	feed := make(chan string, 4)
	daemon.Register("follow", func(ctx context.Context, request Request, respond *Responder) error {
		respond.Detach()
		go func() {
			for text := range feed {
				if err := respond.Send(echoResponse{Text: text}); err != nil {
					return
				}
			}
			respond.End()
		}()
		return nil
	})
	// A detached stream must not hold the serial worker: this unary
	// call runs while the stream is still open.
	daemon.Register("ping", func(ctx context.Context, request Request, respond *Responder) error {
		return nil
	})

	stream, err := client.CallStream(context.Background(), "follow", nil)
	if err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	if err := client.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("Call while stream open: %v", err)
	}

	feed <- "one"
	feed <- "two"
	close(feed)

	var got []string
	for payload := range stream.Items() {
		var item echoResponse
		if err := codec.Unmarshal(payload, &item); err != nil {
			t.Fatalf("Unmarshal item: %v", err)
		}
		got = append(got, item.Text)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream Err: %v", err)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("items = %v, want [one two]", got)
	}
}
