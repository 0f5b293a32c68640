// Package fsdiff detects filesystem changes around tool execution by
// snapshotting a directory tree and diffing a later state against it.
package fsdiff

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxFileBytes caps how much of a changed file the diff will read back.
const MaxFileBytes = 256 << 10

// DefaultMaxDepth bounds the walk when callers pass no depth.
const DefaultMaxDepth = 6

// ignoredDirs are never descended into: VCS metadata, dependency caches,
// build outputs and virtualenvs.
var ignoredDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	".cache":       true,
	".idea":        true,
	".vscode":      true,
}

// ignoredFile reports whether a file name is excluded from snapshots:
// environment files and OS metadata.
func ignoredFile(name string) bool {
	if name == ".DS_Store" || name == "Thumbs.db" {
		return true
	}
	return name == ".env" || strings.HasPrefix(name, ".env.")
}

// Entry records the observed state of one file.
type Entry struct {
	ModTime time.Time
	Size    int64
}

// ChangeType says how a file differs from the snapshot.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
)

// Change is one file that differs from the earlier snapshot.
type Change struct {
	Path         string
	RelativePath string
	Content      string
	Type         ChangeType
}

// Snapshot walks dir up to maxDepth levels deep, recording the mtime and
// size of every regular file not excluded by the ignore set. A maxDepth of
// 0 or less selects the default.
func Snapshot(dir string, maxDepth int) (map[string]Entry, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]Entry)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != root {
				if ignoredDirs[d.Name()] {
					return fs.SkipDir
				}
				if strings.Count(rel, string(filepath.Separator))+1 >= maxDepth {
					return fs.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() || ignoredFile(d.Name()) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		snap[path] = Entry{ModTime: info.ModTime(), Size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff re-snapshots dir and returns the files that are new or whose mtime
// or size changed since before, reading each as text. Binary or unreadable
// files are skipped. An unchanged tree yields an empty slice.
func Diff(before map[string]Entry, dir string, maxDepth int) ([]Change, error) {
	after, err := Snapshot(dir, maxDepth)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var changes []Change
	for path, entry := range after {
		prev, existed := before[path]
		changeType := ChangeCreated
		if existed {
			if prev.ModTime.Equal(entry.ModTime) && prev.Size == entry.Size {
				continue
			}
			changeType = ChangeModified
		}
		content, ok := readText(path)
		if !ok {
			continue
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		changes = append(changes, Change{
			Path:         path,
			RelativePath: rel,
			Content:      content,
			Type:         changeType,
		})
	}
	return changes, nil
}

// readText reads a file as UTF-8 text, refusing binaries and oversized
// files.
func readText(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileBytes+1))
	if err != nil || len(data) > MaxFileBytes {
		return "", false
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}
