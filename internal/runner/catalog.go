// internal/runner/catalog.go
package runner

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Catalog resolves script references against the script directory.
type Catalog struct {
	fs   afero.Fs
	root string
}

// NewCatalog returns a catalog rooted at root on fsys. Pass afero.NewOsFs()
// outside of tests; Start needs real paths.
func NewCatalog(fsys afero.Fs, root string) *Catalog {
	return &Catalog{fs: fsys, root: filepath.Clean(root)}
}

// Resolve maps a reference such as "lights/evening.py" to a path. References
// may not escape the root or name hidden files.
func (c *Catalog) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrScriptNotFound)
	}
	clean := path.Clean(filepath.ToSlash(ref))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q is outside the script directory", ErrScriptNotFound, ref)
	}
	for _, part := range strings.Split(clean, "/") {
		if strings.HasPrefix(part, ".") {
			return "", fmt.Errorf("%w: %q names a hidden file", ErrScriptNotFound, ref)
		}
	}

	full := filepath.Join(c.root, filepath.FromSlash(clean))
	info, err := c.fs.Stat(full)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrScriptNotFound, ref)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrScriptNotFound, ref)
	}
	return full, nil
}

// List returns every script below the root as a slash-separated relative
// path. Hidden files and directories are skipped.
func (c *Catalog) List() ([]string, error) {
	var scripts []string
	err := afero.Walk(c.fs, c.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == c.root {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		scripts = append(scripts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	sort.Strings(scripts)
	return scripts, nil
}
