// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/tetherhq/tetherd/lib/clock"
	"github.com/tetherhq/tetherd/lib/codec"
	"github.com/tetherhq/tetherd/session"
)

// StartRequest asks the daemon to spawn a language service for a
// project.
type StartRequest struct {
	ProjectID string `cbor:"project_id"`
	Service   string `cbor:"service"`
}

// StartResponse reports the sub-channel namespace bound to the
// started service. The client sends on "<channel>/send" and attaches
// to the output stream at "<channel>/stream".
type StartResponse struct {
	Channel string `cbor:"channel"`
}

// StopRequest terminates a service's subprocess and releases its
// sub-channel.
type StopRequest struct {
	ProjectID string `cbor:"project_id"`
	Service   string `cbor:"service"`
}

// Message is one opaque structured message crossing a sub-channel,
// in either direction.
type Message struct {
	Data []byte `cbor:"data"`
}

// Config configures a Proxy.
type Config struct {
	Spawner Spawner
	Catalog Catalog

	// Context bounds every subprocess lifetime. Defaults to
	// context.Background(); Shutdown cancels the derived context.
	Context context.Context

	Clock  clock.Clock
	Logger *slog.Logger
}

// Proxy owns the language-analysis subprocesses for a daemon and
// routes their sub-channel traffic. Services survive transport
// disconnects; they die with their project or the daemon.
type Proxy struct {
	spawner Spawner
	catalog Catalog
	clk     clock.Clock
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	services map[string]*service
}

// New creates a Proxy. Call Bind to attach it to a session.
func New(cfg Config) *Proxy {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	ctx, cancel := context.WithCancel(cfg.Context)
	return &Proxy{
		spawner:  cfg.Spawner,
		catalog:  cfg.Catalog,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		services: make(map[string]*service),
	}
}

// Bind registers the process method handlers on a session. The
// sub-channel prefix handlers are registered per started service.
func (p *Proxy) Bind(sess *session.Session) {
	sess.Register(session.MethodProcessStart, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		return p.handleStart(sess, request, respond)
	})
	sess.Register(session.MethodProcessStop, func(ctx context.Context, request session.Request, respond *session.Responder) error {
		return p.handleStop(sess, request, respond)
	})
}

// Rebind attaches the proxy to a replacement session after the old
// one was torn down: the process methods plus a prefix handler for
// every service still running.
func (p *Proxy) Rebind(sess *session.Session) {
	p.Bind(sess)
	p.mu.Lock()
	channels := make([]string, 0, len(p.services))
	for channel := range p.services {
		channels = append(channels, channel)
	}
	p.mu.Unlock()
	for _, channel := range channels {
		bound := channel
		sess.RegisterPrefix(bound+"/", func(ctx context.Context, request session.Request, respond *session.Responder) error {
			return p.handleChannel(bound, request, respond)
		})
	}
}

func channelName(projectID, serviceName string) string {
	return session.ProcessNamespace + projectID + "/" + serviceName
}

func (p *Proxy) handleStart(sess *session.Session, request session.Request, respond *session.Responder) error {
	var start StartRequest
	if err := codec.Unmarshal(request.Payload, &start); err != nil {
		return session.Faultf(session.ErrorKindProcessSpawn, "decoding start request: %v", err)
	}
	definition, err := p.catalog.Lookup(start.Service)
	if err != nil {
		return session.Faultf(session.ErrorKindProcessSpawn, "%v", err)
	}
	channel := channelName(start.ProjectID, start.Service)

	p.mu.Lock()
	if existing, ok := p.services[channel]; ok {
		if running, _ := existing.status(); running {
			// Idempotent: the service is already up, hand back its
			// channel.
			p.mu.Unlock()
			return respond.Respond(StartResponse{Channel: channel})
		}
		// A failed or stopped service is replaced by an explicit
		// fresh start.
		existing.stop()
		delete(p.services, channel)
		sess.UnregisterPrefix(channel + "/")
	}
	p.mu.Unlock()

	svc, err := startService(p.ctx, definition, start.ProjectID, channel, p.spawner, p.clk, p.logger)
	if err != nil {
		return session.Faultf(session.ErrorKindProcessSpawn, "%v", err)
	}

	p.mu.Lock()
	p.services[channel] = svc
	p.mu.Unlock()

	sess.RegisterPrefix(channel+"/", func(ctx context.Context, request session.Request, respond *session.Responder) error {
		return p.handleChannel(channel, request, respond)
	})
	p.logger.Info("language service started", "project", start.ProjectID, "service", start.Service)
	return respond.Respond(StartResponse{Channel: channel})
}

func (p *Proxy) handleStop(sess *session.Session, request session.Request, respond *session.Responder) error {
	var stop StopRequest
	if err := codec.Unmarshal(request.Payload, &stop); err != nil {
		return session.Faultf(session.ErrorKindProcessSpawn, "decoding stop request: %v", err)
	}
	channel := channelName(stop.ProjectID, stop.Service)

	p.mu.Lock()
	svc, ok := p.services[channel]
	if ok {
		delete(p.services, channel)
	}
	p.mu.Unlock()

	if ok {
		svc.stop()
		sess.UnregisterPrefix(channel + "/")
		p.logger.Info("language service stopped", "project", stop.ProjectID, "service", stop.Service)
	}
	// Stopping an unknown service is not an error; the outcome the
	// client asked for already holds.
	return nil
}

// handleChannel routes one sub-channel request: "<channel>/send"
// carries a message to the subprocess, "<channel>/stream" attaches
// the caller to the subprocess output.
func (p *Proxy) handleChannel(channel string, request session.Request, respond *session.Responder) error {
	p.mu.Lock()
	svc, ok := p.services[channel]
	p.mu.Unlock()
	if !ok {
		return session.Faultf(session.ErrorKindProcessUnavailable, "service on %s is gone", channel)
	}

	switch strings.TrimPrefix(request.Method, channel+"/") {
	case "send":
		var message Message
		if err := codec.Unmarshal(request.Payload, &message); err != nil {
			return session.Faultf(session.ErrorKindProcessUnavailable, "decoding message: %v", err)
		}
		if err := svc.send(message.Data); err != nil {
			return session.Faultf(session.ErrorKindProcessUnavailable, "%v", err)
		}
		return nil
	case "stream":
		// The stream outlives this request's turn on the session's
		// serial worker; holding the turn would block every later
		// sub-channel request.
		respond.Detach()
		go p.streamOutputs(svc, respond)
		return nil
	default:
		return session.Faultf(session.ErrorKindUnknownMethod, "unknown sub-channel method %s", request.Method)
	}
}

// streamOutputs forwards subprocess messages to the caller until the
// service terminates. A deliberate stop ends the stream cleanly; a
// permanent failure terminates it with process-unavailable.
func (p *Proxy) streamOutputs(svc *service, respond *session.Responder) {
	for data := range svc.outputs {
		if err := respond.Send(Message{Data: data}); err != nil {
			// The caller is gone (disconnect or cancel); the service
			// itself stays up for the next attach.
			return
		}
	}
	if _, failure := svc.status(); failure != nil {
		_ = respond.Fail(session.ErrorKindProcessUnavailable, failure.Error())
		return
	}
	_ = respond.End()
}

// CloseProject stops every service belonging to a project.
func (p *Proxy) CloseProject(sess *session.Session, projectID string) {
	prefix := session.ProcessNamespace + projectID + "/"
	p.mu.Lock()
	var closing []*service
	for channel, svc := range p.services {
		if strings.HasPrefix(channel, prefix) {
			closing = append(closing, svc)
			delete(p.services, channel)
		}
	}
	p.mu.Unlock()
	for _, svc := range closing {
		svc.stop()
		if sess != nil {
			sess.UnregisterPrefix(svc.channel + "/")
		}
	}
}

// Shutdown stops every service and cancels the subprocess context.
func (p *Proxy) Shutdown() {
	p.mu.Lock()
	services := make([]*service, 0, len(p.services))
	for _, svc := range p.services {
		services = append(services, svc)
	}
	p.services = make(map[string]*service)
	p.mu.Unlock()
	for _, svc := range services {
		svc.stop()
	}
	p.cancel()
}
