// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// OSFS is the real filesystem collaborator, rooted at one project
// directory. All relative slash-separated paths are resolved inside
// the root; attempts to escape it (".." traversal in an inbound
// diff) are rejected rather than applied.
type OSFS struct {
	root string
}

var _ FS = (*OSFS)(nil)

// NewOSFS creates a collaborator rooted at directory root. The root
// must exist.
func NewOSFS(root string) (*OSFS, error) {
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root %s: %w", root, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, fmt.Errorf("project root %s: %w", absolute, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", absolute)
	}
	return &OSFS{root: absolute}, nil
}

// Root returns the absolute root directory.
func (o *OSFS) Root() string { return o.root }

// resolve maps a relative slash path into the root, rejecting
// escapes.
func (o *OSFS) resolve(path string) (string, error) {
	if path == "" || path == "." {
		return o.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("path %q escapes project root", path)
	}
	return filepath.Join(o.root, cleaned), nil
}

func (o *OSFS) List(path string) ([]FileInfo, error) {
	resolved, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	members, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(members))
	for _, member := range members {
		info, err := o.fileInfo(resolved, member)
		if err != nil {
			if os.IsNotExist(err) {
				// Race-deleted between ReadDir and Lstat. The next
				// change event reconverges; nothing to record.
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (o *OSFS) fileInfo(parent string, member os.DirEntry) (FileInfo, error) {
	info, err := member.Info()
	if err != nil {
		return FileInfo{}, err
	}
	return o.toFileInfo(filepath.Join(parent, member.Name()), info)
}

func (o *OSFS) toFileInfo(fullPath string, info fs.FileInfo) (FileInfo, error) {
	fi := FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		fi.Kind = KindSymlink
		fi.Size = 0
		target, err := os.Readlink(fullPath)
		if err != nil {
			return FileInfo{}, err
		}
		fi.Target = target
	case info.IsDir():
		fi.Kind = KindDirectory
		fi.Size = 0
	default:
		fi.Kind = KindFile
	}
	return fi, nil
}

func (o *OSFS) Stat(path string) (FileInfo, error) {
	resolved, err := o.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return FileInfo{}, err
	}
	return o.toFileInfo(resolved, info)
}

func (o *OSFS) Read(path string) ([]byte, error) {
	resolved, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

func (o *OSFS) WriteFile(path string, data []byte, modTime time.Time) error {
	resolved, err := o.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("creating parents for %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(resolved, modTime, modTime); err != nil {
			return fmt.Errorf("setting mtime on %s: %w", path, err)
		}
	}
	return nil
}

func (o *OSFS) Mkdir(path string) error {
	resolved, err := o.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, 0o755)
}

func (o *OSFS) Symlink(target, path string) error {
	resolved, err := o.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("creating parents for %s: %w", path, err)
	}
	// Replace an existing node; os.Symlink fails on collision.
	if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return os.Symlink(target, resolved)
}

func (o *OSFS) Remove(path string) error {
	resolved, err := o.resolve(path)
	if err != nil {
		return err
	}
	if resolved == o.root {
		return fmt.Errorf("refusing to remove project root")
	}
	return os.RemoveAll(resolved)
}

// Watch streams change events for the tree rooted at the project
// root. Directories are added to the underlying fsnotify watcher as
// they are discovered, including directories created after Watch
// starts. The channel closes when ctx is done or the watcher fails.
func (o *OSFS) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Register the existing directory tree. Files are covered by
	// watching their parent directory.
	err = filepath.WalkDir(o.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Unreadable subtree: skip it, the scanner will report
			// the warning.
			return fs.SkipDir
		}
		if entry.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fs.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registering watch tree: %w", err)
	}

	events := make(chan ChangeEvent, 64)
	go func() {
		defer close(events)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// New directories need their own watch to see
				// nested changes.
				if event.Op.Has(fsnotify.Create) {
					if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				relative, err := filepath.Rel(o.root, event.Name)
				if err != nil {
					relative = ""
				}
				select {
				case events <- ChangeEvent{Path: filepath.ToSlash(relative)}:
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watcher errors are hints lost, not state lost; the
				// next rescan recovers.
			}
		}
	}()
	return events, nil
}
