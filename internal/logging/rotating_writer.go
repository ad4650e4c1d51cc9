// Package logging provides a size-capped rotating log file writer shared by
// the daemon's component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to a dated log file and starts a new one when the
// current file would exceed MaxBytes. Files are named
// <prefix>-YYYY-MM-DD[-N].log next to the configured base path.
type RotatingWriter struct {
	basePath string
	maxBytes int64

	mu       sync.Mutex
	curDate  string
	curIndex int
	file     *os.File
	size     int64
}

// NewRotatingWriter creates a writer rooted at basePath. A basePath of "-"
// discards output, disabling file logging.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	rw := &RotatingWriter{basePath: basePath, maxBytes: maxBytes}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.size += int64(n)
	}
	return n, err
}

// Close closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	needNewDay := w.file == nil || w.curDate != today
	needRollover := w.maxBytes > 0 && w.file != nil && w.size+incoming > w.maxBytes

	if !needNewDay && !needRollover {
		return nil
	}

	if needNewDay {
		w.curDate = today
		w.curIndex = 1
	} else {
		w.curIndex++
	}

	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	path := w.filePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("logging: stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) filePath() string {
	dir := filepath.Dir(w.basePath)
	base := filepath.Base(w.basePath)
	prefix := strings.TrimSuffix(base, filepath.Ext(base))
	name := fmt.Sprintf("%s-%s.log", prefix, w.curDate)
	if w.curIndex > 1 {
		name = fmt.Sprintf("%s-%s-%d.log", prefix, w.curDate, w.curIndex)
	}
	return filepath.Join(dir, name)
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
