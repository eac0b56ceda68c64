// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetherhq/tetherd/lib/clock"
	"github.com/tetherhq/tetherd/lib/codec"
	"github.com/tetherhq/tetherd/lib/compress"
	"github.com/tetherhq/tetherd/lib/config"
	"github.com/tetherhq/tetherd/proxy"
	"github.com/tetherhq/tetherd/session"
	"github.com/tetherhq/tetherd/worktree"
)

// Options configures a Host.
type Options struct {
	Config  *config.Config
	Spawner proxy.Spawner
	Catalog proxy.Catalog
	Clock   clock.Clock
	Logger  *slog.Logger

	// NewFS builds the filesystem collaborator for a project root.
	// Defaults to worktree.NewOSFS; tests substitute MemFS trees.
	NewFS func(root string) (worktree.FS, error)

	// LoadSettings reads per-project settings. Defaults to
	// config.LoadSettings.
	LoadSettings func(root string) (config.Settings, error)
}

// Host owns the peer registry: every session, project synchronizer,
// and process proxy in the daemon hangs off it. All registry
// mutation happens under its lock; the synchronizers and proxies it
// hands out manage their own internal state.
type Host struct {
	cfg          *config.Config
	spawner      proxy.Spawner
	catalog      proxy.Catalog
	clk          clock.Clock
	logger       *slog.Logger
	newFS        func(root string) (worktree.FS, error)
	loadSettings func(root string) (config.Settings, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[string]*peer
}

// peer is one logical client, stable across reconnects and session
// replacements.
type peer struct {
	id string

	// sess is the current session; nil while quiesced between a
	// protocol fault and the next hello.
	sess *session.Session

	prox     *proxy.Proxy
	projects map[string]*project
}

// project is one tracked root bound to a peer.
type project struct {
	id     string
	root   string
	sync   *worktree.Synchronizer
	cancel context.CancelFunc
}

// New creates a Host ready to accept connections.
func New(options Options) *Host {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Catalog == nil {
		options.Catalog = proxy.DefaultCatalog()
	}
	if options.Spawner == nil {
		options.Spawner = proxy.ExecSpawner{}
	}
	if options.NewFS == nil {
		options.NewFS = func(root string) (worktree.FS, error) {
			return worktree.NewOSFS(root)
		}
	}
	if options.LoadSettings == nil {
		options.LoadSettings = config.LoadSettings
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:          options.Config,
		spawner:      options.Spawner,
		catalog:      serviceCatalog(options.Catalog, options.Config),
		clk:          options.Clock,
		logger:       options.Logger,
		newFS:        options.NewFS,
		loadSettings: options.LoadSettings,
		ctx:          ctx,
		cancel:       cancel,
		peers:        make(map[string]*peer),
	}
}

// serviceCatalog overlays the config's service entries on the
// built-in catalog.
func serviceCatalog(base proxy.Catalog, cfg *config.Config) proxy.Catalog {
	catalog := make(proxy.Catalog, len(base))
	for name, definition := range base {
		catalog[name] = definition
	}
	if cfg != nil {
		for _, service := range cfg.Services {
			catalog[service.Name] = proxy.ServiceDefinition{
				Name:    service.Name,
				Command: service.Command,
				Args:    service.Args,
				Env:     service.Env,
			}
		}
	}
	return catalog
}

// bindHandlers registers the project and sync method handlers for a
// peer on a session.
func (h *Host) bindHandlers(p *peer, sess *session.Session) {
	sess.Register(session.MethodProjectOpen, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		return h.handleProjectOpen(p, request, respond)
	})
	sess.Register(session.MethodProjectClose, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		return h.handleProjectClose(p, request)
	})
	sess.Register(session.MethodSnapshotDiff, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		return h.handleSnapshotDiff(p, request)
	})
	sess.Register(session.MethodDiffAck, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		return h.handleDiffAck(p, request)
	})
	p.prox.Rebind(sess)
	sess.OnClose(func(cause error) {
		h.quiesce(p, sess, cause)
	})
}

func (h *Host) handleProjectOpen(p *peer, request session.Request, respond *session.Responder) error {
	var open OpenRequest
	if err := codec.Unmarshal(request.Payload, &open); err != nil {
		return fmt.Errorf("decoding open request: %w", err)
	}
	root, err := h.cfg.ProjectRoot(open.ProjectID)
	if err != nil {
		if open.Root == "" {
			return err
		}
		root = open.Root
	}

	h.mu.Lock()
	existing := p.projects[open.ProjectID]
	h.mu.Unlock()
	if existing != nil {
		// Idempotent reopen: hand back the current state.
		return respondWithSnapshot(respond, existing.sync)
	}

	fsys, err := h.newFS(root)
	if err != nil {
		return fmt.Errorf("project %s: %w", open.ProjectID, err)
	}
	settings, err := h.loadSettings(root)
	if err != nil {
		return fmt.Errorf("project %s: %w", open.ProjectID, err)
	}

	runCtx, cancel := context.WithCancel(h.ctx)
	synchronizer := worktree.NewSynchronizer(worktree.SyncConfig{
		ProjectID: open.ProjectID,
		FS:        fsys,
		Emitter:   &peerEmitter{host: h, peerID: p.id},
		Scan: worktree.ScanOptions{
			HashFiles: h.cfg.Sync.HashFiles,
			Ignore:    settings.Ignore,
		},
		Retention:  h.cfg.Sync.Retention,
		AckTimeout: h.cfg.Sync.AckTimeout.Std(),
		Debounce:   h.cfg.Sync.Debounce.Std(),
		Clock:      h.clk,
		Logger:     h.logger,
	})
	if err := synchronizer.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("project %s: %w", open.ProjectID, err)
	}
	go func() {
		if err := synchronizer.Wait(); err != nil && runCtx.Err() == nil {
			h.logger.Error("project sync loop failed", "project", open.ProjectID, "error", err)
		}
	}()

	proj := &project{id: open.ProjectID, root: root, sync: synchronizer, cancel: cancel}
	h.mu.Lock()
	if raced := p.projects[open.ProjectID]; raced != nil {
		// A concurrent open won; discard ours.
		h.mu.Unlock()
		cancel()
		synchronizer.Close()
		return respondWithSnapshot(respond, raced.sync)
	}
	p.projects[open.ProjectID] = proj
	h.mu.Unlock()

	h.logger.Info("project opened", "peer", p.id, "project", open.ProjectID, "root", root)
	return respondWithSnapshot(respond, synchronizer)
}

func respondWithSnapshot(respond *session.Responder, synchronizer *worktree.Synchronizer) error {
	snapshot := synchronizer.Snapshot()
	payload, err := worktree.MarshalSnapshot(snapshot, compress.Zstd)
	if err != nil {
		return err
	}
	return respond.Respond(OpenResponse{
		Version:  snapshot.Version,
		Snapshot: payload,
		Warnings: synchronizer.Warnings(),
	})
}

func (h *Host) handleProjectClose(p *peer, request session.Request) error {
	var closing CloseRequest
	if err := codec.Unmarshal(request.Payload, &closing); err != nil {
		return fmt.Errorf("decoding close request: %w", err)
	}

	h.mu.Lock()
	proj, ok := p.projects[closing.ProjectID]
	if ok {
		delete(p.projects, closing.ProjectID)
	}
	sess := p.sess
	h.mu.Unlock()

	if !ok {
		// Closing an unopened project already holds.
		return nil
	}
	proj.cancel()
	proj.sync.Close()
	p.prox.CloseProject(sess, closing.ProjectID)
	h.logger.Info("project closed", "peer", p.id, "project", closing.ProjectID)
	return nil
}

func (h *Host) handleSnapshotDiff(p *peer, request session.Request) error {
	var message DiffMessage
	if err := codec.Unmarshal(request.Payload, &message); err != nil {
		return fmt.Errorf("decoding diff: %w", err)
	}
	proj := h.lookupProject(p, message.ProjectID)
	if proj == nil {
		return fmt.Errorf("project %q is not open", message.ProjectID)
	}
	if err := worktree.ValidateDiff(message.Diff); err != nil {
		return fmt.Errorf("project %s: %w", message.ProjectID, err)
	}
	if err := proj.sync.ApplyRemote(message.Diff); err != nil {
		return fmt.Errorf("project %s: %w", message.ProjectID, err)
	}
	return nil
}

func (h *Host) handleDiffAck(p *peer, request session.Request) error {
	var ack AckMessage
	if err := codec.Unmarshal(request.Payload, &ack); err != nil {
		return fmt.Errorf("decoding ack: %w", err)
	}
	proj := h.lookupProject(p, ack.ProjectID)
	if proj == nil {
		return fmt.Errorf("project %q is not open", ack.ProjectID)
	}
	proj.sync.Ack(ack.Version)
	return nil
}

func (h *Host) lookupProject(p *peer, projectID string) *project {
	h.mu.Lock()
	defer h.mu.Unlock()
	return p.projects[projectID]
}

// quiesce detaches a torn-down session from its peer. The projects
// and their subprocesses stay alive awaiting the peer's next hello.
func (h *Host) quiesce(p *peer, sess *session.Session, cause error) {
	h.mu.Lock()
	if p.sess != sess {
		// Already replaced by a fresh handshake.
		h.mu.Unlock()
		return
	}
	p.sess = nil
	projects := len(p.projects)
	h.mu.Unlock()
	h.logger.Warn("session torn down, projects quiesced",
		"peer", p.id, "projects", projects, "cause", cause)
}

// currentSession returns the peer's live session, if any.
func (h *Host) currentSession(peerID string) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.peers[peerID]
	if p == nil {
		return nil
	}
	return p.sess
}

// peerEmitter delivers a synchronizer's outbound diffs over the
// peer's current session.
type peerEmitter struct {
	host   *Host
	peerID string
}

func (e *peerEmitter) EmitDiff(ctx context.Context, projectID string, diff worktree.Diff) error {
	sess := e.host.currentSession(e.peerID)
	if sess == nil {
		return fmt.Errorf("peer %s has no live session", e.peerID)
	}
	var empty struct{}
	return sess.Call(ctx, session.MethodSnapshotDiff, DiffMessage{ProjectID: projectID, Diff: diff}, &empty)
}

// Shutdown tears down every session, project, and subprocess.
func (h *Host) Shutdown() {
	h.cancel()
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*peer)
	h.mu.Unlock()

	for _, p := range peers {
		if p.sess != nil {
			p.sess.Close()
		}
		for _, proj := range p.projects {
			proj.cancel()
			proj.sync.Close()
		}
		p.prox.Shutdown()
	}
	h.logger.Info("host shut down", "peers", len(peers))
}
