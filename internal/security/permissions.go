// internal/security/permissions.go
package security

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ValidateDirectoryPermissions rejects a schedules or scripts directory that
// other users could write to. Group read/execute is tolerated.
func ValidateDirectoryPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking directory permissions: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	switch mode := info.Mode().Perm(); {
	case mode&0o002 != 0:
		return unsafeMode("directory", path, mode, "world-writable")
	case mode&0o020 != 0, mode&0o007 != 0:
		return unsafeMode("directory", path, mode, "accessible to other users, expected 0700 or 0750")
	}
	return nil
}

// ValidateFilePermissions rejects a secret-bearing file that is readable or
// writable by everyone.
func ValidateFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking file permissions: %w", err)
	}
	switch mode := info.Mode().Perm(); {
	case mode&0o002 != 0:
		return unsafeMode("file", path, mode, "world-writable")
	case mode&0o004 != 0:
		return unsafeMode("file", path, mode, "world-readable")
	}
	return nil
}

func unsafeMode(kind, path string, mode fs.FileMode, what string) error {
	return fmt.Errorf("%s %s is %s (mode %04o)", kind, path, what, mode)
}

// EnsureWritableDir creates path if needed and proves it is writable by
// creating and removing a probe file.
func EnsureWritableDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if info, err := os.Stat(path); err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	probe, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", path, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("removing probe %s: %w", filepath.Base(name), err)
	}
	return nil
}
