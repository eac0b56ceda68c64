// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"fmt"

	"github.com/tetherhq/tetherd/lib/codec"
	"github.com/tetherhq/tetherd/lib/compress"
	"github.com/tetherhq/tetherd/proxy"
	"github.com/tetherhq/tetherd/session"
	"github.com/tetherhq/tetherd/transport"
	"github.com/tetherhq/tetherd/worktree"
)

// HandleConn negotiates the first request on a fresh connection and
// hands the transport to a session. The first frame must be a
// session-hello (fresh logical session) or session-resume
// (reconnect); anything else closes the connection.
//
// The negotiation happens before the session owns the transport so
// a resume can attach the connection to the existing session rather
// than creating a parallel one.
func (h *Host) HandleConn(conn transport.Conn) {
	frame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return
	}
	envelope, err := session.DecodeEnvelope(frame)
	if err != nil || envelope.Kind != session.KindRequest {
		writeErrorEnvelope(conn, envelope.ID, session.ErrorKindMalformedEnvelope,
			"connection must open with a request envelope")
		conn.Close()
		return
	}

	switch envelope.Method {
	case session.MethodHello:
		h.handleHello(conn, envelope)
	case session.MethodResume:
		h.handleResume(conn, envelope)
	default:
		writeErrorEnvelope(conn, envelope.ID, session.ErrorKindMalformedEnvelope,
			fmt.Sprintf("connection must open with %s or %s, got %s",
				session.MethodHello, session.MethodResume, envelope.Method))
		conn.Close()
	}
}

// handleHello creates (or replaces) the peer's session and rebinds
// any quiesced projects to it.
func (h *Host) handleHello(conn transport.Conn, envelope session.Envelope) {
	var hello session.HelloRequest
	if err := codec.Unmarshal(envelope.Payload, &hello); err != nil {
		writeErrorEnvelope(conn, envelope.ID, session.ErrorKindMalformedEnvelope,
			fmt.Sprintf("decoding hello: %v", err))
		conn.Close()
		return
	}
	if hello.ProtocolVersion != session.ProtocolVersion {
		writeErrorEnvelope(conn, envelope.ID, session.ErrorKindInternal,
			fmt.Sprintf("protocol version %d not supported, daemon speaks %d",
				hello.ProtocolVersion, session.ProtocolVersion))
		conn.Close()
		return
	}
	if hello.PeerID == "" {
		writeErrorEnvelope(conn, envelope.ID, session.ErrorKindMalformedEnvelope, "hello without a peer id")
		conn.Close()
		return
	}

	sess := session.New(session.Options{PeerID: hello.PeerID, Logger: h.logger})

	h.mu.Lock()
	p := h.peers[hello.PeerID]
	if p == nil {
		p = &peer{
			id:       hello.PeerID,
			projects: make(map[string]*project),
			prox: proxy.New(proxy.Config{
				Spawner: h.spawner,
				Catalog: h.catalog,
				Context: h.ctx,
				Clock:   h.clk,
				Logger:  h.logger,
			}),
		}
		h.peers[hello.PeerID] = p
	}
	replaced := p.sess
	p.sess = sess
	quiesced := make([]string, 0, len(p.projects))
	for id := range p.projects {
		quiesced = append(quiesced, id)
	}
	h.mu.Unlock()

	if replaced != nil {
		// The client started over while the old session still
		// looked live; the old transport is stale.
		replaced.Close()
	}

	h.bindHandlers(p, sess)
	if err := writeResponseEnvelope(conn, envelope.ID, session.HelloResponse{Projects: quiesced}); err != nil {
		conn.Close()
		return
	}
	if err := sess.Attach(conn); err != nil {
		h.logger.Warn("attaching fresh session", "peer", hello.PeerID, "error", err)
		conn.Close()
		return
	}
	h.logger.Info("session established", "peer", hello.PeerID, "quiesced_projects", len(quiesced))
}

// handleResume swaps the new transport into the peer's existing
// session and catches the client up per project: nothing, a replay
// of retained diffs, or a compressed full snapshot.
func (h *Host) handleResume(conn transport.Conn, envelope session.Envelope) {
	var resume session.ResumeRequest
	if err := codec.Unmarshal(envelope.Payload, &resume); err != nil {
		writeErrorEnvelope(conn, envelope.ID, session.ErrorKindMalformedEnvelope,
			fmt.Sprintf("decoding resume: %v", err))
		conn.Close()
		return
	}

	h.mu.Lock()
	p := h.peers[resume.PeerID]
	var sess *session.Session
	var projects []*project
	if p != nil {
		sess = p.sess
		projects = make([]*project, 0, len(p.projects))
		for _, proj := range p.projects {
			projects = append(projects, proj)
		}
	}
	h.mu.Unlock()

	if p == nil || sess == nil {
		// No session to resume: a protocol fault quiesced it, or the
		// daemon restarted. The client must open fresh with hello.
		writeErrorEnvelope(conn, envelope.ID, session.ErrorKindInternal,
			fmt.Sprintf("no resumable session for peer %q; send %s", resume.PeerID, session.MethodHello))
		conn.Close()
		return
	}

	outcomes := make(map[string]string, len(projects))
	var catchups []catchup
	for _, proj := range projects {
		acked, known := resume.AckedVersions[proj.id]
		outcome, diffs, err := proj.sync.Resume(acked, known)
		if err != nil {
			// The rescan could not re-walk the tree (the root may be
			// transiently unreadable). The client still gets a full
			// snapshot of the last committed version so it is not
			// left waiting for a catch-up that never comes.
			h.logger.Error("resume negotiation failed", "project", proj.id, "error", err)
			outcomes[proj.id] = session.ResumeRescan
			catchups = append(catchups, catchup{project: proj.id, full: true})
			continue
		}
		outcomes[proj.id] = outcome.String()
		switch outcome {
		case worktree.ResumeReplay:
			catchups = append(catchups, catchup{project: proj.id, replay: diffs})
		case worktree.ResumeRescan:
			catchups = append(catchups, catchup{project: proj.id, full: true})
		}
	}

	if err := writeResponseEnvelope(conn, envelope.ID, session.ResumeResponse{Outcomes: outcomes}); err != nil {
		conn.Close()
		return
	}
	if err := sess.Attach(conn); err != nil {
		h.logger.Warn("re-attaching session", "peer", resume.PeerID, "error", err)
		conn.Close()
		return
	}
	h.logger.Info("session resumed", "peer", resume.PeerID, "projects", len(projects))

	// Catch-up traffic rides the session like any other exchange;
	// the client acknowledges application with diff-ack.
	go h.sendCatchups(sess, projects, catchups)
}

// catchup is the per-project delivery plan produced by resume
// negotiation: either a replay of retained diffs or a full snapshot.
type catchup struct {
	project string
	replay  []worktree.Diff
	full    bool
}

func (h *Host) sendCatchups(sess *session.Session, projects []*project, catchups []catchup) {
	byID := make(map[string]*project, len(projects))
	for _, proj := range projects {
		byID[proj.id] = proj
	}
	var empty struct{}
	for _, c := range catchups {
		proj := byID[c.project]
		if proj == nil {
			continue
		}
		if c.full {
			snapshot := proj.sync.Snapshot()
			payload, err := worktree.MarshalSnapshot(snapshot, compress.Zstd)
			if err != nil {
				h.logger.Error("encoding full snapshot", "project", c.project, "error", err)
				continue
			}
			err = sess.Call(h.ctx, session.MethodSnapshotFull,
				FullSnapshotMessage{
					ProjectID: c.project,
					Snapshot:  payload,
					Warnings:  proj.sync.Warnings(),
				}, &empty)
			if err != nil {
				h.logger.Warn("full snapshot delivery failed", "project", c.project, "error", err)
			}
			continue
		}
		for _, diff := range c.replay {
			err := sess.Call(h.ctx, session.MethodSnapshotDiff,
				DiffMessage{ProjectID: c.project, Diff: diff}, &empty)
			if err != nil {
				// The ack timeout reverts the project if the client
				// never catches up.
				h.logger.Warn("replay delivery failed", "project", c.project, "error", err)
				break
			}
		}
	}
}

func writeResponseEnvelope(conn transport.Conn, id uint64, response any) error {
	payload, err := codec.Marshal(response)
	if err != nil {
		return err
	}
	frame, err := session.EncodeEnvelope(session.Envelope{
		Kind:    session.KindResponse,
		ID:      id,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return conn.WriteFrame(frame)
}

func writeErrorEnvelope(conn transport.Conn, id uint64, kind, message string) {
	frame, err := session.EncodeEnvelope(session.Envelope{
		Kind:         session.KindError,
		ID:           id,
		ErrorKind:    kind,
		ErrorMessage: message,
	})
	if err != nil {
		return
	}
	_ = conn.WriteFrame(frame)
}
