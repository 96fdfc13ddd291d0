// internal/logging/logger_test.go
package logging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
)

func TestRotatingWriter_CreatesDirectoryAndFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "pmaticmgr.log")

	w, err := NewRotatingWriter(logPath, 1024*1024)
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer w.Close()

	msg := "hello\n"
	if n, err := w.Write([]byte(msg)); err != nil || n != len(msg) {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != msg {
		t.Errorf("log content = %q, want %q", content, msg)
	}
}

func TestRotatingWriter_RotatesAndCompresses(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")

	w, err := NewRotatingWriter(logPath, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	line := strings.Repeat("x", 50) + "\n"
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	f, err := os.Open(logPath + ".1.gz")
	if err != nil {
		t.Fatalf("newest generation missing: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("rotated file is not valid gzip: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "xxxx") {
		t.Errorf("rotated content = %q", data)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 100 {
		t.Errorf("current log is %d bytes, want <= 100", info.Size())
	}
}

func TestRotatingWriter_KeepsBoundedGenerations(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")

	w, err := NewRotatingWriter(logPath, 30)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	line := strings.Repeat("z", 40) + "\n"
	for i := 0; i < 30; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	rotated, _ := filepath.Glob(logPath + ".*")
	if len(rotated) != DefaultKeep {
		t.Errorf("got %d rotated files, want %d: %v", len(rotated), DefaultKeep, rotated)
	}
}

func TestRotatingWriter_CustomKeepOnMemFs(t *testing.T) {
	fsys := afero.NewMemMapFs()
	w, err := newRotatingWriter(fsys, "/var/log/pmaticmgr/daemon.log", 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for _, line := range []string{"first-line\n", "second-line\n", "third-line\n", "fourth-line\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
	}

	for _, name := range []string{"daemon.log", "daemon.log.1.gz", "daemon.log.2.gz"} {
		if ok, _ := afero.Exists(fsys, "/var/log/pmaticmgr/"+name); !ok {
			t.Errorf("%s missing", name)
		}
	}
	if ok, _ := afero.Exists(fsys, "/var/log/pmaticmgr/daemon.log.3.gz"); ok {
		t.Error("generation beyond keep was not removed")
	}
	current, _ := afero.ReadFile(fsys, "/var/log/pmaticmgr/daemon.log")
	if string(current) != "fourth-line\n" {
		t.Errorf("current log = %q", current)
	}
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "test.log"), 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Write([]byte(strings.Repeat("x", 10) + "\n"))
			}
		}()
	}
	wg.Wait()
}

func TestNewLogger_LevelsAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("json", "warn", &buf)
	logger.Info("dropped")
	logger.Warn("kept", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "kept" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithScheduleAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(WithSchedule(NewLogger("text", "info", &buf), "evening"), "dispatch")
	logger.Info("fired")

	out := buf.String()
	if !strings.Contains(out, "schedule=evening") || !strings.Contains(out, "component=dispatch") {
		t.Errorf("attributes missing: %q", out)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	logger, closer, err := Open("text", "info", path, 1)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "to file") {
		t.Errorf("file content = %q", data)
	}
}
