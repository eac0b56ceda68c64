// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tetherhq/tetherd/lib/clock"
	"github.com/tetherhq/tetherd/lib/codec"
	"github.com/tetherhq/tetherd/lib/config"
	"github.com/tetherhq/tetherd/lib/testutil"
	"github.com/tetherhq/tetherd/proxy"
	"github.com/tetherhq/tetherd/session"
	"github.com/tetherhq/tetherd/transport"
	"github.com/tetherhq/tetherd/worktree"
)

const testTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Projects = []config.ProjectConfig{{ID: "demo", Root: "/work/demo"}}
	return cfg
}

func newTestHost(t *testing.T, fsys worktree.FS) (*Host, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1_000_000, 0))
	h := New(Options{
		Config: testConfig(),
		Clock:  clk,
		Logger: discardLogger(),
		NewFS: func(root string) (worktree.FS, error) {
			return fsys, nil
		},
		LoadSettings: func(root string) (config.Settings, error) {
			return config.DefaultSettings(), nil
		},
	})
	t.Cleanup(h.Shutdown)
	return h, clk
}

// client pairs a client-side session with channels collecting the
// daemon's pushed catch-up traffic.
type client struct {
	sess  *session.Session
	conn  transport.Conn
	diffs chan DiffMessage
	fulls chan FullSnapshotMessage
}

func newClient(t *testing.T) *client {
	t.Helper()
	c := &client{
		diffs: make(chan DiffMessage, 16),
		fulls: make(chan FullSnapshotMessage, 4),
	}
	c.sess = session.New(session.Options{PeerID: "daemon", Logger: discardLogger()})
	c.sess.Register(session.MethodSnapshotDiff, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		var message DiffMessage
		if err := codec.Unmarshal(request.Payload, &message); err != nil {
			return err
		}
		c.diffs <- message
		return nil
	})
	c.sess.Register(session.MethodSnapshotFull, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		var message FullSnapshotMessage
		if err := codec.Unmarshal(request.Payload, &message); err != nil {
			return err
		}
		c.fulls <- message
		return nil
	})
	t.Cleanup(func() { c.sess.Close() })
	return c
}

// rawExchange writes one request envelope on a bare connection and
// reads the reply, mirroring the pre-session handshake.
func rawExchange(t *testing.T, conn transport.Conn, method string, request any) session.Envelope {
	t.Helper()
	payload, err := codec.Marshal(request)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	frame, err := session.EncodeEnvelope(session.Envelope{
		Kind:    session.KindRequest,
		ID:      1,
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := conn.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	envelope, err := session.DecodeEnvelope(reply)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	return envelope
}

// hello connects a fresh transport, negotiates session-hello, and
// attaches the client session.
func (c *client) hello(t *testing.T, h *Host, peerID string) session.HelloResponse {
	t.Helper()
	clientConn, serverConn := transport.MemoryPair()
	go h.HandleConn(serverConn)
	envelope := rawExchange(t, clientConn, session.MethodHello, session.HelloRequest{
		PeerID:          peerID,
		ProtocolVersion: session.ProtocolVersion,
	})
	if envelope.Kind != session.KindResponse {
		t.Fatalf("hello reply kind = %v (%s: %s)", envelope.Kind, envelope.ErrorKind, envelope.ErrorMessage)
	}
	var response session.HelloResponse
	if err := codec.Unmarshal(envelope.Payload, &response); err != nil {
		t.Fatalf("decoding hello response: %v", err)
	}
	if err := c.sess.Attach(clientConn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	c.conn = clientConn
	return response
}

// resume reconnects the existing client session with session-resume.
func (c *client) resume(t *testing.T, h *Host, peerID string, acked map[string]uint64) session.ResumeResponse {
	t.Helper()
	clientConn, serverConn := transport.MemoryPair()
	go h.HandleConn(serverConn)
	envelope := rawExchange(t, clientConn, session.MethodResume, session.ResumeRequest{
		PeerID:        peerID,
		AckedVersions: acked,
	})
	if envelope.Kind != session.KindResponse {
		t.Fatalf("resume reply kind = %v (%s: %s)", envelope.Kind, envelope.ErrorKind, envelope.ErrorMessage)
	}
	var response session.ResumeResponse
	if err := codec.Unmarshal(envelope.Payload, &response); err != nil {
		t.Fatalf("decoding resume response: %v", err)
	}
	if err := c.sess.Attach(clientConn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	c.conn = clientConn
	return response
}

func (c *client) openProject(t *testing.T, projectID string) OpenResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var response OpenResponse
	err := c.sess.Call(ctx, session.MethodProjectOpen, OpenRequest{ProjectID: projectID}, &response)
	if err != nil {
		t.Fatalf("project open: %v", err)
	}
	return response
}

func (c *client) ack(t *testing.T, projectID string, version uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var empty struct{}
	err := c.sess.Call(ctx, session.MethodDiffAck, AckMessage{ProjectID: projectID, Version: version}, &empty)
	if err != nil {
		t.Fatalf("diff ack: %v", err)
	}
}

func waitForVersion(t *testing.T, h *Host, peerID, projectID string, version uint64) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		p := h.peers[peerID]
		var proj *project
		if p != nil {
			proj = p.projects[projectID]
		}
		h.mu.Unlock()
		if proj != nil && proj.sync.Snapshot().Version == version {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("project %s never reached version %d", projectID, version)
}

func TestHelloAndProjectOpen(t *testing.T) {
	fsys := worktree.NewMemFS()
	if err := fsys.WriteFile("src/main.go", []byte("package main\n"), time.Unix(50, 0)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h, _ := newTestHost(t, fsys)

	c := newClient(t)
	greeting := c.hello(t, h, "laptop")
	if len(greeting.Projects) != 0 {
		t.Fatalf("fresh peer reported projects %v", greeting.Projects)
	}

	opened := c.openProject(t, "demo")
	if opened.Version != 0 {
		t.Fatalf("initial version = %d, want 0", opened.Version)
	}
	snapshot, err := worktree.UnmarshalSnapshot(opened.Snapshot)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	want := []string{"src", "src/main.go"}
	if len(snapshot.Entries) != len(want) {
		t.Fatalf("snapshot has %d entries, want %d", len(snapshot.Entries), len(want))
	}
	for i, path := range want {
		if snapshot.Entries[i].Path != path {
			t.Fatalf("entry %d = %s, want %s", i, snapshot.Entries[i].Path, path)
		}
	}
}

func TestOpenUnknownProjectFails(t *testing.T) {
	h, _ := newTestHost(t, worktree.NewMemFS())
	c := newClient(t)
	c.hello(t, h, "laptop")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var response OpenResponse
	err := c.sess.Call(ctx, session.MethodProjectOpen, OpenRequest{ProjectID: "ghost"}, &response)
	if !session.IsRemoteError(err, session.ErrorKindInternal) {
		t.Fatalf("open unknown project: %v, want internal remote error", err)
	}
}

func TestOpenUnconfiguredProjectWithExplicitRoot(t *testing.T) {
	fsys := worktree.NewMemFS()
	if err := fsys.WriteFile("scratch.txt", []byte("x"), time.Unix(55, 0)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h, _ := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var response OpenResponse
	err := c.sess.Call(ctx, session.MethodProjectOpen,
		OpenRequest{ProjectID: "scratch", Root: "/work/scratch"}, &response)
	if err != nil {
		t.Fatalf("open with explicit root: %v", err)
	}
	snapshot, err := worktree.UnmarshalSnapshot(response.Snapshot)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if len(snapshot.Entries) != 1 || snapshot.Entries[0].Path != "scratch.txt" {
		t.Fatalf("snapshot = %+v, want scratch.txt", snapshot.Entries)
	}
}

func TestLocalChangeFlowsToClient(t *testing.T) {
	fsys := worktree.NewMemFS()
	h, clk := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	if err := fsys.WriteFile("notes.txt", []byte("hello"), time.Unix(60, 0)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	clk.WaitForTimers(1)
	clk.Advance(worktree.DefaultDebounce)

	message := testutil.RequireReceive(t, c.diffs, testTimeout, "diff after local change")
	if message.ProjectID != "demo" {
		t.Fatalf("diff for project %s", message.ProjectID)
	}
	if message.Diff.TargetVersion != 1 || len(message.Diff.Operations) != 1 {
		t.Fatalf("diff = %+v, want one operation targeting version 1", message.Diff)
	}
	op := message.Diff.Operations[0]
	if op.Kind != worktree.OpInsert || op.Entry.Path != "notes.txt" {
		t.Fatalf("operation = %+v, want insert of notes.txt", op)
	}

	c.ack(t, "demo", 1)
}

func TestClientDiffAppliesToProject(t *testing.T) {
	fsys := worktree.NewMemFS()
	h, _ := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	diff := worktree.Diff{
		BaseVersion:   0,
		TargetVersion: 1,
		Operations: []worktree.Operation{{
			Kind:  worktree.OpInsert,
			Entry: worktree.Entry{Path: "vendor", Kind: worktree.KindDirectory},
		}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var empty struct{}
	err := c.sess.Call(ctx, session.MethodSnapshotDiff, DiffMessage{ProjectID: "demo", Diff: diff}, &empty)
	if err != nil {
		t.Fatalf("snapshot diff: %v", err)
	}

	waitForVersion(t, h, "laptop", "demo", 1)
	if _, err := fsys.Stat("vendor"); err != nil {
		t.Fatalf("directory not materialized: %v", err)
	}
}

func TestCallDuringDisconnectThenReconnect(t *testing.T) {
	fsys := worktree.NewMemFS()
	h, _ := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	c.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var response OpenResponse
	err := c.sess.Call(ctx, session.MethodProjectOpen, OpenRequest{ProjectID: "demo"}, &response)
	if !errors.Is(err, session.ErrDisconnected) {
		t.Fatalf("call while disconnected: %v, want ErrDisconnected", err)
	}

	outcome := c.resume(t, h, "laptop", map[string]uint64{"demo": 0})
	if outcome.Outcomes["demo"] != session.ResumeUpToDate {
		t.Fatalf("resume outcome = %q, want %q", outcome.Outcomes["demo"], session.ResumeUpToDate)
	}

	reopened := c.openProject(t, "demo")
	if reopened.Version != 0 {
		t.Fatalf("reopened version = %d, want 0", reopened.Version)
	}
}

func TestResumeReplaysMissedDiffs(t *testing.T) {
	fsys := worktree.NewMemFS()
	h, clk := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	c.conn.Close()

	// The change lands while the client is away; the emit fails but
	// the diff stays in the replay window.
	if err := fsys.WriteFile("away.txt", []byte("x"), time.Unix(70, 0)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	clk.WaitForTimers(1)
	clk.Advance(worktree.DefaultDebounce)
	waitForVersion(t, h, "laptop", "demo", 1)

	outcome := c.resume(t, h, "laptop", map[string]uint64{"demo": 0})
	if outcome.Outcomes["demo"] != session.ResumeReplayed {
		t.Fatalf("resume outcome = %q, want %q", outcome.Outcomes["demo"], session.ResumeReplayed)
	}

	message := testutil.RequireReceive(t, c.diffs, testTimeout, "replayed diff")
	if message.Diff.TargetVersion != 1 {
		t.Fatalf("replayed diff targets version %d, want 1", message.Diff.TargetVersion)
	}
	if message.Diff.Operations[0].Entry.Path != "away.txt" {
		t.Fatalf("replayed diff carries %+v", message.Diff.Operations[0])
	}
	c.ack(t, "demo", 1)
}

func TestResumeAfterAckTimeoutForcesFullSnapshot(t *testing.T) {
	fsys := worktree.NewMemFS()
	h, clk := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	c.conn.Close()

	if err := fsys.WriteFile("stale.txt", []byte("y"), time.Unix(80, 0)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	clk.WaitForTimers(1)
	clk.Advance(worktree.DefaultDebounce)
	waitForVersion(t, h, "laptop", "demo", 1)

	// Unacknowledged past the deadline: the replay window is dropped
	// and the next resume must start from a full snapshot.
	clk.WaitForTimers(1)
	clk.Advance(worktree.DefaultAckTimeout)

	outcome := c.resume(t, h, "laptop", map[string]uint64{"demo": 0})
	if outcome.Outcomes["demo"] != session.ResumeRescan {
		t.Fatalf("resume outcome = %q, want %q", outcome.Outcomes["demo"], session.ResumeRescan)
	}

	full := testutil.RequireReceive(t, c.fulls, testTimeout, "full snapshot")
	snapshot, err := worktree.UnmarshalSnapshot(full.Snapshot)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	found := false
	for _, entry := range snapshot.Entries {
		if entry.Path == "stale.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("full snapshot missing stale.txt: %+v", snapshot.Entries)
	}
	c.ack(t, "demo", snapshot.Version)
}

// faultyFS fails directory listings on demand, standing in for a
// worktree root that is transiently unreadable.
type faultyFS struct {
	*worktree.MemFS
	mu   sync.Mutex
	fail bool
}

func (f *faultyFS) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *faultyFS) List(path string) ([]worktree.FileInfo, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("input/output error")
	}
	return f.MemFS.List(path)
}

func TestResumeWithUnreadableRootStillSendsFullSnapshot(t *testing.T) {
	fsys := &faultyFS{MemFS: worktree.NewMemFS()}
	if err := fsys.WriteFile("main.go", []byte("package main\n"), time.Unix(50, 0)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h, _ := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	c.conn.Close()
	fsys.setFail(true)

	// A fresh peer forces a rescan, and the rescan cannot re-walk
	// the tree. The client must still be caught up from the last
	// committed snapshot rather than left waiting.
	outcome := c.resume(t, h, "laptop", map[string]uint64{})
	if outcome.Outcomes["demo"] != session.ResumeRescan {
		t.Fatalf("resume outcome = %q, want %q", outcome.Outcomes["demo"], session.ResumeRescan)
	}

	full := testutil.RequireReceive(t, c.fulls, testTimeout, "full snapshot")
	snapshot, err := worktree.UnmarshalSnapshot(full.Snapshot)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	found := false
	for _, entry := range snapshot.Entries {
		if entry.Path == "main.go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("full snapshot missing main.go: %+v", snapshot.Entries)
	}
}

func TestResumeUnknownPeerRequiresHello(t *testing.T) {
	h, _ := newTestHost(t, worktree.NewMemFS())

	clientConn, serverConn := transport.MemoryPair()
	go h.HandleConn(serverConn)
	envelope := rawExchange(t, clientConn, session.MethodResume, session.ResumeRequest{PeerID: "stranger"})
	if envelope.Kind != session.KindError {
		t.Fatalf("resume for unknown peer: kind %v, want error", envelope.Kind)
	}
}

func TestProtocolFaultQuiescesProjects(t *testing.T) {
	fsys := worktree.NewMemFS()
	h, _ := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	// A terminal envelope for a request id the daemon never issued
	// is a protocol fault: the session tears down but the project
	// stays alive awaiting a fresh hello.
	rogue, err := session.EncodeEnvelope(session.Envelope{Kind: session.KindResponse, ID: 999})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if err := c.conn.WriteFrame(rogue); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	deadline := time.Now().Add(testTimeout)
	for h.currentSession("laptop") != nil {
		if time.Now().After(deadline) {
			t.Fatal("session never quiesced")
		}
		time.Sleep(time.Millisecond)
	}

	fresh := newClient(t)
	greeting := fresh.hello(t, h, "laptop")
	if len(greeting.Projects) != 1 || greeting.Projects[0] != "demo" {
		t.Fatalf("hello after fault lists %v, want [demo]", greeting.Projects)
	}

	reopened := fresh.openProject(t, "demo")
	if reopened.Version != 0 {
		t.Fatalf("quiesced project lost state: version %d", reopened.Version)
	}
}

func TestProjectCloseStopsTracking(t *testing.T) {
	fsys := worktree.NewMemFS()
	h, _ := newTestHost(t, fsys)
	c := newClient(t)
	c.hello(t, h, "laptop")
	c.openProject(t, "demo")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var empty struct{}
	err := c.sess.Call(ctx, session.MethodProjectClose, CloseRequest{ProjectID: "demo"}, &empty)
	if err != nil {
		t.Fatalf("project close: %v", err)
	}

	diff := worktree.FullDiff(worktree.Snapshot{Version: 1})
	err = c.sess.Call(ctx, session.MethodSnapshotDiff, DiffMessage{ProjectID: "demo", Diff: diff}, &empty)
	if !session.IsRemoteError(err, session.ErrorKindInternal) {
		t.Fatalf("diff for closed project: %v, want internal remote error", err)
	}

	// Closing twice holds.
	if err := c.sess.Call(ctx, session.MethodProjectClose, CloseRequest{ProjectID: "demo"}, &empty); err != nil {
		t.Fatalf("repeated close: %v", err)
	}
}

func TestProcessStartForUnknownServiceFails(t *testing.T) {
	h, _ := newTestHost(t, worktree.NewMemFS())
	c := newClient(t)
	c.hello(t, h, "laptop")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	var response proxy.StartResponse
	err := c.sess.Call(ctx, session.MethodProcessStart,
		proxy.StartRequest{ProjectID: "demo", Service: "cobol"}, &response)
	if !session.IsRemoteError(err, session.ErrorKindProcessSpawn) {
		t.Fatalf("start unknown service: %v, want process-spawn remote error", err)
	}
}

func TestHelloWithWrongProtocolVersionRejected(t *testing.T) {
	h, _ := newTestHost(t, worktree.NewMemFS())

	clientConn, serverConn := transport.MemoryPair()
	go h.HandleConn(serverConn)
	envelope := rawExchange(t, clientConn, session.MethodHello, session.HelloRequest{
		PeerID:          "laptop",
		ProtocolVersion: 99,
	})
	if envelope.Kind != session.KindError {
		t.Fatalf("mismatched protocol version: kind %v, want error", envelope.Kind)
	}
}
