package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const rotatedTimeFormat = "20060102T150405.000"

// RotatingWriter appends to a file and moves it aside once it would grow
// beyond its size limit. Rotated files older than maxAge days are removed.
type RotatingWriter struct {
	filename string
	maxSize  int64
	maxAge   int
	compress bool
	now      func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
	wg   sync.WaitGroup
}

// NewRotatingWriter opens filename for appending. maxSizeMB <= 0 rotates
// before every write that would make the file non-empty.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.cleanup()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	f := w.file
	w.file = nil
	w.mu.Unlock()

	w.wg.Wait()
	if f == nil {
		return nil
	}
	return f.Close()
}

// rotate must be called with w.mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := w.filename + "." + w.now().Format(rotatedTimeFormat)
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	if w.compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := compressFile(rotated); err != nil {
				log.Warn().Err(err).Str("file", rotated).Msg("Failed to compress rotated log")
			}
		}()
	}
	w.cleanup()
	return nil
}

func compressFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// Rotated lists rotated files, oldest first.
func (w *RotatingWriter) Rotated() []string {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil
	}
	return matches
}

func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().AddDate(0, 0, -w.maxAge)
	for _, name := range w.Rotated() {
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, w.filename+"."), ".gz")
		at, err := time.ParseInLocation(rotatedTimeFormat, stamp, time.Local)
		if err != nil {
			continue
		}
		if at.Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}
