// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Handle is one running subprocess. Messages go in through Stdin and
// come out of Stdout as newline-delimited payloads; Wait blocks
// until the process exits.
type Handle interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Spawner starts subprocesses. The daemon uses ExecSpawner; tests
// substitute scripted fakes.
type Spawner interface {
	Spawn(ctx context.Context, command string, args []string, env []string) (Handle, error)
}

// ExecSpawner runs real subprocesses via os/exec.
type ExecSpawner struct{}

var _ Spawner = ExecSpawner{}

func (ExecSpawner) Spawn(ctx context.Context, command string, args []string, env []string) (Handle, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}
	return &execHandle{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (h *execHandle) Stdin() io.Writer  { return h.stdin }
func (h *execHandle) Stdout() io.Reader { return h.stdout }

func (h *execHandle) Wait() error {
	err := h.cmd.Wait()
	h.stdin.Close()
	return err
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Kill()
}
