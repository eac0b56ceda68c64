// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"encoding/hex"
	"path"
	"sort"

	"github.com/zeebo/blake3"
)

// ScanWarning records a path the scanner could not fully read. The
// entry is omitted from the snapshot but the scan itself still
// succeeds; warnings are surfaced to the peer on project open.
type ScanWarning struct {
	Path string `cbor:"path"`
	Err  string `cbor:"error"`
}

// ScanOptions controls a single scan pass.
type ScanOptions struct {
	// HashFiles computes a content hash for every regular file.
	// Without it entries carry only the size and mtime fingerprint,
	// which is cheaper but weaker for change detection.
	HashFiles bool

	// Ignore lists glob patterns, matched against both the full
	// slash-relative path and the bare component name. A matched
	// directory is skipped with its whole subtree.
	Ignore []string
}

// ScanResult is the outcome of one full tree walk.
type ScanResult struct {
	Entries  []Entry
	Warnings []ScanWarning
}

// Scan walks the whole tree depth-first with sorted siblings, which
// yields entries already in ComparePaths order. Unreadable
// directories and files become warnings, never scan failures; only
// an unreadable root fails the scan.
func Scan(fsys FS, opts ScanOptions) (ScanResult, error) {
	scanner := &treeScan{fsys: fsys, opts: opts}
	if err := scanner.walk(""); err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Entries: scanner.entries, Warnings: scanner.warnings}, nil
}

type treeScan struct {
	fsys     FS
	opts     ScanOptions
	entries  []Entry
	warnings []ScanWarning
}

func (s *treeScan) walk(dir string) error {
	members, err := s.fsys.List(dir)
	if err != nil {
		if dir == "" {
			return err
		}
		s.warn(dir, err)
		return nil
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	for _, member := range members {
		memberPath := member.Name
		if dir != "" {
			memberPath = dir + "/" + member.Name
		}
		if s.ignored(memberPath, member.Name) {
			continue
		}
		switch member.Kind {
		case KindDirectory:
			s.entries = append(s.entries, Entry{Path: memberPath, Kind: KindDirectory})
			if err := s.walk(memberPath); err != nil {
				return err
			}
		case KindSymlink:
			s.entries = append(s.entries, Entry{
				Path:   memberPath,
				Kind:   KindSymlink,
				Target: member.Target,
			})
		case KindFile:
			entry := Entry{
				Path:    memberPath,
				Kind:    KindFile,
				Size:    member.Size,
				ModTime: member.ModTime.UnixNano(),
			}
			if s.opts.HashFiles {
				data, err := s.fsys.Read(memberPath)
				if err != nil {
					s.warn(memberPath, err)
					continue
				}
				sum := blake3.Sum256(data)
				entry.Hash = hex.EncodeToString(sum[:])
				entry.Size = int64(len(data))
			}
			s.entries = append(s.entries, entry)
		}
	}
	return nil
}

func (s *treeScan) ignored(fullPath, name string) bool {
	for _, pattern := range s.opts.Ignore {
		if matched, err := path.Match(pattern, fullPath); err == nil && matched {
			return true
		}
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

func (s *treeScan) warn(p string, err error) {
	s.warnings = append(s.warnings, ScanWarning{Path: p, Err: err.Error()})
}
