// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetherhq/tetherd/lib/clock"
)

// State is the synchronizer's lifecycle phase for one project.
type State uint8

const (
	// StateScanning covers the initial scan and any forced full
	// rescan. Inbound diffs are rejected until it completes.
	StateScanning State = iota + 1

	// StateSynced means the peer has acknowledged the current
	// snapshot version.
	StateSynced

	// StateDiverged means a diff has been emitted and the peer's
	// acknowledgement is outstanding.
	StateDiverged

	// StateClosed is terminal.
	StateClosed
)

// String returns the state name used in logs and status reports.
func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateSynced:
		return "synced"
	case StateDiverged:
		return "diverged"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ConflictPolicy decides what happens when an inbound diff and a
// not-yet-scanned local mutation touch the same path.
type ConflictPolicy uint8

const (
	// ConflictPeerWins applies the inbound operation and treats the
	// local change as superseded. Default.
	ConflictPeerWins ConflictPolicy = iota

	// ConflictLocalWins skips inbound operations on locally dirty
	// paths; the next local scan reasserts them.
	ConflictLocalWins
)

// ResumeOutcome is the synchronizer's per-project decision when a
// peer reconnects.
type ResumeOutcome uint8

const (
	// ResumeUpToDate: the peer's acknowledged version matches the
	// current snapshot, nothing to send.
	ResumeUpToDate ResumeOutcome = iota + 1

	// ResumeReplay: retained diffs from the acknowledged version
	// forward are returned for in-order retransmission.
	ResumeReplay

	// ResumeRescan: the acknowledged version fell out of the
	// retention window (or the peer is fresh); a full catch-up diff
	// from an empty base is returned.
	ResumeRescan
)

// String returns the wire name of the outcome.
func (o ResumeOutcome) String() string {
	switch o {
	case ResumeUpToDate:
		return "up-to-date"
	case ResumeReplay:
		return "replayed"
	case ResumeRescan:
		return "rescan"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Emitter delivers an outbound diff to the peer. The project host
// implements this over the session; tests implement it with a
// channel.
type Emitter interface {
	EmitDiff(ctx context.Context, projectID string, diff Diff) error
}

// ErrClosed is returned by operations on a closed synchronizer.
var ErrClosed = errors.New("synchronizer closed")

// ErrScanning is returned when an inbound diff arrives while a full
// scan is re-establishing ground truth.
var ErrScanning = errors.New("synchronizer is scanning")

// SyncConfig configures one project synchronizer.
type SyncConfig struct {
	ProjectID string
	FS        FS
	Emitter   Emitter

	// Scan controls hashing and ignore patterns for every scan pass.
	Scan ScanOptions

	// Retention bounds how many committed diffs are kept for
	// reconnect replay. Zero means DefaultRetention.
	Retention int

	// AckTimeout bounds how long an emitted diff may sit
	// unacknowledged before the resync is abandoned and the project
	// reverts to scanning. Zero means DefaultAckTimeout.
	AckTimeout time.Duration

	// Debounce coalesces bursts of filesystem events into one scan
	// pass. Zero means DefaultDebounce.
	Debounce time.Duration

	Conflict ConflictPolicy
	Clock    clock.Clock
	Logger   *slog.Logger
}

const (
	DefaultRetention  = 64
	DefaultAckTimeout = 30 * time.Second
	DefaultDebounce   = 50 * time.Millisecond
)

// Synchronizer owns the authoritative versioned snapshot for one
// project root. It watches the filesystem, commits new versions,
// emits diffs to the peer, applies inbound diffs, and answers
// reconnect resume queries.
//
// The snapshot is mutated only under mu; the Run loop is the only
// writer driven by filesystem events, while inbound diffs and
// resume queries arrive from session handler goroutines.
type Synchronizer struct {
	projectID  string
	fsys       FS
	emitter    Emitter
	scanOpts   ScanOptions
	retention  int
	ackTimeout time.Duration
	debounce   time.Duration
	conflict   ConflictPolicy
	clk        clock.Clock
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	snapshot Snapshot
	retained []Diff
	dirty    map[string]struct{}
	warnings []ScanWarning
	ackTimer *clock.Timer
	// awaitingAck is the emitted version whose acknowledgement is
	// outstanding; zero when none.
	awaitingAck uint64

	scanRequests chan struct{}
	loopDone     chan error
}

// NewSynchronizer builds a synchronizer in StateScanning. Run
// performs the initial scan.
func NewSynchronizer(cfg SyncConfig) *Synchronizer {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Synchronizer{
		projectID:    cfg.ProjectID,
		fsys:         cfg.FS,
		emitter:      cfg.Emitter,
		scanOpts:     cfg.Scan,
		retention:    cfg.Retention,
		ackTimeout:   cfg.AckTimeout,
		debounce:     cfg.Debounce,
		conflict:     cfg.Conflict,
		clk:          cfg.Clock,
		logger:       cfg.Logger.With("project", cfg.ProjectID),
		state:        StateScanning,
		dirty:        make(map[string]struct{}),
		scanRequests: make(chan struct{}, 1),
	}
}

// Start establishes the watch, performs the initial scan
// synchronously, and launches the event loop. After a nil return the
// snapshot at version 0 is available. The loop's exit is reported
// through Wait.
func (s *Synchronizer) Start(ctx context.Context) error {
	events, err := s.fsys.Watch(ctx)
	if err != nil {
		s.close()
		return fmt.Errorf("watching project %s: %w", s.projectID, err)
	}
	if err := s.initialScan(); err != nil {
		s.close()
		return err
	}
	s.loopDone = make(chan error, 1)
	go func() { s.loopDone <- s.loop(ctx, events) }()
	return nil
}

// Wait blocks until the event loop exits and returns its error.
func (s *Synchronizer) Wait() error { return <-s.loopDone }

// Run is Start followed by Wait: the blocking form for callers that
// dedicate a goroutine to the project.
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// loop consumes filesystem change events until ctx is done,
// committing and emitting a diff after each debounced burst.
func (s *Synchronizer) loop(ctx context.Context, events <-chan ChangeEvent) error {
	var pendingScan <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			s.close()
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				s.close()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Watcher failure. Without change hints the project
				// cannot stay convergent, so surface it.
				return fmt.Errorf("watch stream for project %s ended", s.projectID)
			}
			s.noteChange(event.Path)
			if pendingScan == nil {
				pendingScan = s.clk.After(s.debounce)
			}
		case <-s.scanRequests:
			if pendingScan == nil {
				pendingScan = s.clk.After(0)
			}
		case <-pendingScan:
			pendingScan = nil
			if err := s.commitScan(ctx); err != nil {
				s.logger.Warn("scan pass failed", "error", err)
			}
		}
	}
}

// initialScan establishes version 0 without emitting a diff; the
// peer receives the full snapshot in the project-open response.
func (s *Synchronizer) initialScan() error {
	result, err := Scan(s.fsys, s.scanOpts)
	if err != nil {
		return fmt.Errorf("initial scan of project %s: %w", s.projectID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	s.snapshot = NewSnapshot(0, result.Entries)
	s.warnings = result.Warnings
	s.state = StateSynced
	s.logger.Info("project scanned",
		"entries", len(s.snapshot.Entries),
		"warnings", len(result.Warnings))
	return nil
}

// noteChange records a dirty path and marks the project diverged.
func (s *Synchronizer) noteChange(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.dirty[path] = struct{}{}
	if s.state == StateSynced {
		s.state = StateDiverged
	}
}

// commitScan rescans the tree, commits the next version if anything
// changed, and emits the diff to the peer.
func (s *Synchronizer) commitScan(ctx context.Context) error {
	result, err := Scan(s.fsys, s.scanOpts)
	if err != nil {
		return fmt.Errorf("rescanning project %s: %w", s.projectID, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	scanned := NewSnapshot(s.snapshot.Version+1, result.Entries)
	diff := ComputeDiff(s.snapshot, scanned)
	s.warnings = result.Warnings
	s.dirty = make(map[string]struct{})
	if diff.Empty() {
		if s.awaitingAck == 0 {
			s.state = StateSynced
		}
		s.mu.Unlock()
		return nil
	}
	s.snapshot = scanned
	s.retain(diff)
	s.state = StateDiverged
	s.armAckTimerLocked(scanned.Version)
	s.mu.Unlock()

	s.logger.Debug("snapshot committed",
		"version", scanned.Version,
		"operations", len(diff.Operations))
	if err := s.emitter.EmitDiff(ctx, s.projectID, diff); err != nil {
		// The peer is unreachable; the ack timer or the reconnect
		// resume path takes it from here.
		s.logger.Warn("diff emission failed", "version", scanned.Version, "error", err)
	}
	return nil
}

// retain appends a committed diff to the replay window, dropping
// the oldest beyond the retention bound. Caller holds mu.
func (s *Synchronizer) retain(diff Diff) {
	s.retained = append(s.retained, diff)
	if len(s.retained) > s.retention {
		s.retained = s.retained[len(s.retained)-s.retention:]
	}
}

// armAckTimerLocked (re)starts the acknowledgement deadline for the
// given emitted version. Caller holds mu.
func (s *Synchronizer) armAckTimerLocked(version uint64) {
	s.awaitingAck = version
	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	s.ackTimer = s.clk.AfterFunc(s.ackTimeout, func() {
		s.abandonResync(version)
	})
}

// abandonResync fires when an emitted version went unacknowledged
// for the full timeout. The replay window is discarded so the next
// resume forces a full resync, and the project reverts to scanning
// until that happens.
func (s *Synchronizer) abandonResync(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.awaitingAck != version {
		return
	}
	s.awaitingAck = 0
	s.retained = nil
	s.state = StateScanning
	s.logger.Warn("resync abandoned, awaiting reconnect", "version", version)
}

// Ack records the peer's acknowledgement of a snapshot version.
// Acknowledging the current version settles the project back to
// synced; stale acknowledgements are ignored.
func (s *Synchronizer) Ack(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if version != s.snapshot.Version {
		return
	}
	s.awaitingAck = 0
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	if s.state == StateDiverged || s.state == StateScanning {
		s.state = StateSynced
	}
}

// ApplyRemote applies an inbound diff from the peer. The snapshot
// view always takes the peer's entry; the physical filesystem gets
// the structural operations (directories, symlinks, removals), while
// file content travels on its own channel and is not reconstructed
// here. Under ConflictLocalWins, operations on paths with unscanned
// local changes are skipped instead.
func (s *Synchronizer) ApplyRemote(diff Diff) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateScanning:
		s.mu.Unlock()
		return ErrScanning
	}
	if diff.BaseVersion != s.snapshot.Version {
		current := s.snapshot.Version
		s.mu.Unlock()
		return fmt.Errorf("%w: inbound diff %d→%d against snapshot %d",
			ErrVersionMismatch, diff.BaseVersion, diff.TargetVersion, current)
	}

	applied := diff
	if s.conflict == ConflictLocalWins {
		applied.Operations = nil
		for _, op := range diff.Operations {
			if _, dirty := s.dirty[op.TargetPath()]; dirty {
				continue
			}
			applied.Operations = append(applied.Operations, op)
		}
	} else {
		// Peer wins: the inbound operation supersedes any pending
		// local change on the same path.
		for _, op := range diff.Operations {
			delete(s.dirty, op.TargetPath())
		}
	}

	next, err := ApplyDiff(s.snapshot, applied)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.snapshot = next
	s.retain(applied)
	if s.state == StateDiverged && len(s.dirty) == 0 && s.awaitingAck == 0 {
		s.state = StateSynced
	}
	s.mu.Unlock()

	for _, op := range applied.Operations {
		if err := s.applyPhysical(op); err != nil {
			s.logger.Warn("applying inbound operation",
				"op", op.Kind.String(), "path", op.TargetPath(), "error", err)
		}
	}
	return nil
}

// applyPhysical mirrors one inbound operation onto the filesystem.
func (s *Synchronizer) applyPhysical(op Operation) error {
	switch op.Kind {
	case OpRemove:
		return s.fsys.Remove(op.Path)
	case OpInsert, OpUpdate:
		switch op.Entry.Kind {
		case KindDirectory:
			return s.fsys.Mkdir(op.Entry.Path)
		case KindSymlink:
			return s.fsys.Symlink(op.Entry.Target, op.Entry.Path)
		}
	}
	return nil
}

// Resume answers a reconnect negotiation for this project. acked is
// the peer's last-acknowledged snapshot version; known is false for
// a fresh peer with no version at all. The returned diffs must be
// retransmitted in order; for ResumeUpToDate the slice is empty.
func (s *Synchronizer) Resume(acked uint64, known bool) (ResumeOutcome, []Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return 0, nil, ErrClosed
	}

	current := s.snapshot.Version
	if known && acked == current && s.state != StateScanning {
		s.awaitingAck = 0
		if s.ackTimer != nil {
			s.ackTimer.Stop()
			s.ackTimer = nil
		}
		s.state = StateSynced
		return ResumeUpToDate, nil, nil
	}

	if known && s.state != StateScanning {
		if replay, ok := s.retainedSinceLocked(acked); ok {
			s.state = StateDiverged
			s.armAckTimerLocked(current)
			return ResumeReplay, replay, nil
		}
	}

	// Out of the retention window, a fresh peer, or an abandoned
	// resync: rescan and hand back the full tree as inserts from an
	// empty base.
	result, err := Scan(s.fsys, s.scanOpts)
	if err != nil {
		return 0, nil, fmt.Errorf("resync scan of project %s: %w", s.projectID, err)
	}
	rescanned := NewSnapshot(current, result.Entries)
	if !rescanned.Equal(s.snapshot) {
		rescanned.Version = current + 1
	}
	s.snapshot = rescanned
	s.warnings = result.Warnings
	s.dirty = make(map[string]struct{})
	s.retained = nil
	s.state = StateDiverged
	s.armAckTimerLocked(rescanned.Version)
	return ResumeRescan, []Diff{FullDiff(rescanned)}, nil
}

// retainedSinceLocked returns the retained diffs covering acked+1
// through the current version, or false when the window no longer
// reaches back to acked. Caller holds mu.
func (s *Synchronizer) retainedSinceLocked(acked uint64) ([]Diff, bool) {
	if acked > s.snapshot.Version {
		return nil, false
	}
	start := -1
	for i, diff := range s.retained {
		if diff.BaseVersion == acked {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	// The window must be contiguous up to the current version.
	replay := s.retained[start:]
	expected := acked
	for _, diff := range replay {
		if diff.BaseVersion != expected {
			return nil, false
		}
		expected = diff.TargetVersion
	}
	if expected != s.snapshot.Version {
		return nil, false
	}
	return replay, true
}

// RequestScan asks the run loop for an immediate scan pass.
func (s *Synchronizer) RequestScan() {
	select {
	case s.scanRequests <- struct{}{}:
	default:
	}
}

// Snapshot returns the current published snapshot.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Warnings returns the scan warnings from the most recent pass.
func (s *Synchronizer) Warnings() []ScanWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScanWarning(nil), s.warnings...)
}

// State returns the current lifecycle phase.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close moves the synchronizer to its terminal state. The Run loop
// exits on its context; Close only fences further operations.
func (s *Synchronizer) Close() { s.close() }

func (s *Synchronizer) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
}
