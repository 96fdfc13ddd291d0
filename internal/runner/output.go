// internal/runner/output.go
package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// runLog is the file a run's merged stdout and stderr go to. The child
// writes through its own descriptor, so it can keep running and printing
// after the daemon has gone away.
type runLog struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	offset int64
	max    int
}

// createRunLog creates the log for handle h and returns it together with the
// write end that is handed to the child.
func createRunLog(dir string, h Handle, max int) (*runLog, *os.File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating output directory: %w", err)
	}
	path := filepath.Join(dir, string(h)+".log")
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("creating run output: %w", err)
	}
	r, err := os.Open(path)
	if err != nil {
		w.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("opening run output: %w", err)
	}
	return &runLog{f: r, path: path, max: max}, w, nil
}

// read returns up to max bytes written since the previous read. With final
// set, anything beyond max is skipped and reported instead of left for a
// later read.
func (l *runLog) read(final bool) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := l.f.Stat()
	if err != nil {
		return nil, err
	}
	avail := info.Size() - l.offset
	if avail <= 0 {
		return nil, nil
	}
	n := avail
	if l.max > 0 && n > int64(l.max) {
		n = int64(l.max)
	}
	buf := make([]byte, n)
	m, err := l.f.ReadAt(buf, l.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	buf = buf[:m]
	l.offset += int64(m)

	if skipped := avail - int64(m); final && skipped > 0 {
		l.offset += skipped
		buf = append(buf, fmt.Sprintf("\n[output truncated: %d bytes dropped]\n", skipped)...)
	}
	return buf, nil
}

// remove closes and deletes the log.
func (l *runLog) remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f.Close()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RecoverOutput reads the log a previous daemon instance left for a run it
// did not see finish, then deletes it. At most max bytes are returned.
func RecoverOutput(path string, max int) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening run output: %w", err)
	}
	l := &runLog{f: f, path: path, max: max}
	out, err := l.read(true)
	if rerr := l.remove(); err == nil && rerr != nil {
		err = rerr
	}
	return out, err
}
