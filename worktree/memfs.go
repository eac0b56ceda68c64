// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemFS is an in-memory FS for tests. Every mutation emits a change
// event to all active watchers, so synchronizer tests can drive the
// watch loop without touching the real filesystem.
type MemFS struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	watchers map[chan ChangeEvent]struct{}
}

type memNode struct {
	kind    EntryKind
	data    []byte
	modTime time.Time
	target  string
}

var _ FS = (*MemFS)(nil)

// NewMemFS creates an empty in-memory tree.
func NewMemFS() *MemFS {
	return &MemFS{
		nodes:    make(map[string]*memNode),
		watchers: make(map[chan ChangeEvent]struct{}),
	}
}

func cleanMemPath(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func (m *MemFS) List(dir string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = cleanMemPath(dir)
	if dir != "" {
		node, ok := m.nodes[dir]
		if !ok {
			return nil, fmt.Errorf("%s: %w", dir, os.ErrNotExist)
		}
		if node.kind != KindDirectory {
			return nil, fmt.Errorf("%s: not a directory", dir)
		}
	}
	prefix := dir
	if prefix != "" {
		prefix += "/"
	}
	var infos []FileInfo
	for p, node := range m.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		infos = append(infos, node.fileInfo(rest))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (n *memNode) fileInfo(name string) FileInfo {
	info := FileInfo{
		Name:    name,
		Kind:    n.kind,
		ModTime: n.modTime,
		Target:  n.target,
	}
	if n.kind == KindFile {
		info.Size = int64(len(n.data))
	}
	return info
}

func (m *MemFS) Stat(p string) (FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = cleanMemPath(p)
	if p == "" {
		return FileInfo{Name: ".", Kind: KindDirectory}, nil
	}
	node, ok := m.nodes[p]
	if !ok {
		return FileInfo{}, fmt.Errorf("%s: %w", p, os.ErrNotExist)
	}
	return node.fileInfo(path.Base(p)), nil
}

func (m *MemFS) Read(p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = cleanMemPath(p)
	node, ok := m.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, os.ErrNotExist)
	}
	if node.kind != KindFile {
		return nil, fmt.Errorf("%s: not a file", p)
	}
	data := make([]byte, len(node.data))
	copy(data, node.data)
	return data, nil
}

func (m *MemFS) WriteFile(p string, data []byte, modTime time.Time) error {
	m.mu.Lock()
	p = cleanMemPath(p)
	if p == "" {
		m.mu.Unlock()
		return fmt.Errorf("empty path")
	}
	m.mkdirLocked(path.Dir(p))
	stored := make([]byte, len(data))
	copy(stored, data)
	m.nodes[p] = &memNode{kind: KindFile, data: stored, modTime: modTime}
	m.mu.Unlock()
	m.notify(p)
	return nil
}

func (m *MemFS) Mkdir(p string) error {
	m.mu.Lock()
	p = cleanMemPath(p)
	m.mkdirLocked(p)
	m.mu.Unlock()
	m.notify(p)
	return nil
}

func (m *MemFS) mkdirLocked(p string) {
	for p != "" && p != "." {
		if _, ok := m.nodes[p]; !ok {
			m.nodes[p] = &memNode{kind: KindDirectory}
		}
		p = path.Dir(p)
		if p == "." {
			break
		}
	}
}

func (m *MemFS) Symlink(target, p string) error {
	m.mu.Lock()
	p = cleanMemPath(p)
	if p == "" {
		m.mu.Unlock()
		return fmt.Errorf("empty path")
	}
	m.mkdirLocked(path.Dir(p))
	m.nodes[p] = &memNode{kind: KindSymlink, target: target}
	m.mu.Unlock()
	m.notify(p)
	return nil
}

func (m *MemFS) Remove(p string) error {
	m.mu.Lock()
	p = cleanMemPath(p)
	if p == "" {
		m.mu.Unlock()
		return fmt.Errorf("refusing to remove root")
	}
	delete(m.nodes, p)
	prefix := p + "/"
	for candidate := range m.nodes {
		if strings.HasPrefix(candidate, prefix) {
			delete(m.nodes, candidate)
		}
	}
	m.mu.Unlock()
	m.notify(p)
	return nil
}

func (m *MemFS) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	events := make(chan ChangeEvent, 64)
	m.mu.Lock()
	m.watchers[events] = struct{}{}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, events)
		m.mu.Unlock()
		close(events)
	}()
	return events, nil
}

func (m *MemFS) notify(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for watcher := range m.watchers {
		select {
		case watcher <- ChangeEvent{Path: p}:
		default:
			// A full watcher buffer drops the hint; a later rescan
			// reconverges, same as the real filesystem.
		}
	}
}
