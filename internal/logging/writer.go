// Package logging lands the relay's JSON log stream on disk with size-based
// rotation. relayd routes slog through it when logging.output names a file;
// stdout and stderr outputs skip this package entirely.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser over a single active log file. When a
// write would push the file past its size cap, the file is renamed aside
// with a timestamp and a fresh one is opened. Old rotations are pruned by
// count and by age as part of the rotation, so a long-lived relayd cannot
// fill the disk with delivery logs.
type RotatingWriter struct {
	mu   sync.Mutex
	file *os.File
	size int64

	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

// NewRotatingWriter opens path for appending, creating parent directories as
// needed. Rotations are kept as <base>-<timestamp><ext>, at most maxBackups
// of them and none older than maxAgeDays.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the active file. Rotated files need no closing.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	return rw.file.Close()
}

// splitPath returns the rotation naming parts for the active file.
func (rw *RotatingWriter) splitPath() (base, ext string) {
	ext = filepath.Ext(rw.path)
	base = strings.TrimSuffix(rw.path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}

func (rw *RotatingWriter) rotate() error {
	if rw.file != nil {
		rw.file.Close()
	}

	base, ext := rw.splitPath()
	aside := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102-150405"), ext)
	os.Rename(rw.path, aside) //nolint:errcheck

	if err := rw.open(); err != nil {
		return err
	}
	rw.prune()
	return nil
}

// prune removes rotated files past the backup count, oldest first, then any
// survivor older than the age limit. Runs under mu; rotation is rare enough
// that the directory scan does not matter.
func (rw *RotatingWriter) prune() {
	base, ext := rw.splitPath()
	dir := filepath.Dir(rw.path)
	prefix := filepath.Base(base) + "-"
	active := filepath.Base(rw.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name != active && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, name)
		}
	}
	// The timestamp in the name sorts chronologically.
	sort.Strings(rotated)

	for len(rotated) > rw.maxBackups {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	cutoff := time.Now().Add(-rw.maxAge)
	for _, name := range rotated {
		full := filepath.Join(dir, name)
		info, err := os.Stat(full)
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(full) //nolint:errcheck
		}
	}
}
