// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetherhq/tetherd/lib/clock"
)

type serviceState uint8

const (
	serviceRunning serviceState = iota + 1

	// serviceStopped: deliberate stop via process-stop, project
	// close, or daemon shutdown.
	serviceStopped

	// serviceFailed: the subprocess crashed twice (or the restart
	// spawn failed). Permanent until the client starts the service
	// again.
	serviceFailed
)

// restartDelay separates a crash from its single restart attempt, so
// a fast crash loop cannot spin.
const restartDelay = time.Second

// outputBuffer bounds the per-service output queue. A slow consumer
// stalls this service's pump only, never the session or another
// sub-channel.
const outputBuffer = 64

// service is one running language-analysis subprocess bound to a
// sub-channel.
type service struct {
	definition ServiceDefinition
	projectID  string
	channel    string
	spawner    Spawner
	clk        clock.Clock
	logger     *slog.Logger

	mu      sync.Mutex
	handle  Handle
	state   serviceState
	// restarted marks that the single restart attempt is spent.
	restarted bool
	failure   error

	// outputs carries stdout messages to the attached stream
	// handler. Closed exactly once when the service terminates.
	outputs chan []byte
}

// startService spawns the subprocess and begins pumping its output.
// A spawn failure is returned synchronously; later crashes surface
// through the output stream's terminal state.
func startService(ctx context.Context, definition ServiceDefinition, projectID, channel string, spawner Spawner, clk clock.Clock, logger *slog.Logger) (*service, error) {
	handle, err := spawner.Spawn(ctx, definition.Command, definition.Args, definition.Env)
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", definition.Name, err)
	}
	svc := &service{
		definition: definition,
		projectID:  projectID,
		channel:    channel,
		spawner:    spawner,
		clk:        clk,
		logger:     logger.With("project", projectID, "service", definition.Name),
		handle:     handle,
		state:      serviceRunning,
		outputs:    make(chan []byte, outputBuffer),
	}
	go svc.run(ctx, handle)
	return svc, nil
}

// run pumps subprocess output and supervises the restart policy. It
// owns the outputs channel and is the only closer.
func (s *service) run(ctx context.Context, handle Handle) {
	defer close(s.outputs)

	for {
		s.pump(ctx, handle)
		waitErr := handle.Wait()

		s.mu.Lock()
		if s.state == serviceStopped || ctx.Err() != nil {
			s.state = serviceStopped
			s.mu.Unlock()
			return
		}
		if s.restarted {
			s.state = serviceFailed
			s.failure = fmt.Errorf("service %s crashed after restart: %w",
				s.definition.Name, exitError(waitErr))
			s.mu.Unlock()
			s.logger.Error("service permanently unavailable", "error", waitErr)
			return
		}
		s.restarted = true
		s.mu.Unlock()

		s.logger.Warn("service crashed, restarting once", "error", waitErr)
		s.clk.Sleep(restartDelay)

		replacement, err := s.spawner.Spawn(ctx, s.definition.Command, s.definition.Args, s.definition.Env)
		if err != nil {
			s.mu.Lock()
			s.state = serviceFailed
			s.failure = fmt.Errorf("restarting %s: %w", s.definition.Name, err)
			s.mu.Unlock()
			s.logger.Error("service restart failed", "error", err)
			return
		}

		s.mu.Lock()
		if s.state == serviceStopped {
			s.mu.Unlock()
			replacement.Kill()
			return
		}
		s.handle = replacement
		s.mu.Unlock()
		handle = replacement
	}
}

// pump forwards newline-delimited stdout messages to the outputs
// channel until the stream ends. The blocking send is the
// backpressure point: a slow consumer stalls this subprocess's
// reader, nothing else.
func (s *service) pump(ctx context.Context, handle Handle) {
	scanner := bufio.NewScanner(handle.Stdout())
	// Language servers produce long lines (full-document payloads).
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		message := make([]byte, len(line))
		copy(message, line)
		select {
		case s.outputs <- message:
		case <-ctx.Done():
			return
		}
	}
}

// send writes one message to the subprocess stdin. The write happens
// outside the lock: a wedged subprocess with a full stdin pipe must
// not block stop, which needs the lock to kill the process and
// thereby unwedge the write.
func (s *service) send(data []byte) error {
	s.mu.Lock()
	switch s.state {
	case serviceStopped:
		s.mu.Unlock()
		return fmt.Errorf("service %s is stopped", s.definition.Name)
	case serviceFailed:
		failure := s.failure
		s.mu.Unlock()
		return failure
	}
	handle := s.handle
	s.mu.Unlock()

	if _, err := handle.Stdin().Write(append(data, '\n')); err != nil {
		s.mu.Lock()
		stopped := s.state == serviceStopped
		s.mu.Unlock()
		if stopped {
			// The write raced a deliberate stop; report the stop,
			// not the broken pipe it caused.
			return fmt.Errorf("service %s is stopped", s.definition.Name)
		}
		return fmt.Errorf("writing to %s: %w", s.definition.Name, err)
	}
	return nil
}

// stop terminates the subprocess deliberately. The run loop observes
// the stopped state and exits without a restart.
func (s *service) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != serviceRunning {
		return
	}
	s.state = serviceStopped
	if s.handle != nil {
		s.handle.Kill()
	}
}

// status returns the terminal failure if the service is permanently
// unavailable, and whether it is still running.
func (s *service) status() (running bool, failure error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == serviceRunning, s.failure
}

func exitError(err error) error {
	if err == nil {
		return fmt.Errorf("exited unexpectedly")
	}
	return err
}
