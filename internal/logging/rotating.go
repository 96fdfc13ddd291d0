// internal/logging/rotating.go
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// DefaultKeep is how many rotated generations are kept.
const DefaultKeep = 5

const logFileMode = 0640

// RotatingWriter is the daemon's log sink. Once the file would grow past
// maxSize it is compressed to <path>.1.gz, older generations shift up to
// <path>.<keep>.gz and a fresh file is started.
type RotatingWriter struct {
	fs      afero.Fs
	path    string
	maxSize int64
	keep    int

	mu   sync.Mutex
	file afero.File
	size int64
}

// NewRotatingWriter opens path on the local filesystem, creating its
// directory if needed. maxSize <= 0 disables rotation.
func NewRotatingWriter(path string, maxSize int64) (*RotatingWriter, error) {
	return newRotatingWriter(afero.NewOsFs(), path, maxSize, DefaultKeep)
}

func newRotatingWriter(fsys afero.Fs, path string, maxSize int64, keep int) (*RotatingWriter, error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	w := &RotatingWriter{fs: fsys, path: path, maxSize: maxSize, keep: max(keep, 1)}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open(mode int) error {
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, logFileMode)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A record larger than maxSize still goes into a file of its own.
	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *RotatingWriter) generation(i int) string {
	return fmt.Sprintf("%s.%d.gz", w.path, i)
}

func (w *RotatingWriter) rotate() error {
	w.file.Close()

	w.fs.Remove(w.generation(w.keep))
	for i := w.keep - 1; i >= 1; i-- {
		w.fs.Rename(w.generation(i), w.generation(i+1))
	}

	if err := w.compress(w.generation(1)); err != nil {
		// Keep the data uncompressed rather than lose it.
		w.fs.Remove(w.generation(1))
		w.fs.Rename(w.path, w.path+".1")
	} else {
		w.fs.Remove(w.path)
	}

	return w.open(os.O_TRUNC)
}

// compress gzips the current log file into dst.
func (w *RotatingWriter) compress(dst string) error {
	in, err := w.fs.Open(w.path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := w.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFileMode)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(w.path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
