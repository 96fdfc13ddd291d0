// internal/runner/catalog_test.go
package runner

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/afero"
)

func memCatalog(t *testing.T, files ...string) *Catalog {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fs, filepath.Join("/scripts", f), []byte("#"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return NewCatalog(fs, "/scripts")
}

func TestCatalog_ListSkipsHidden(t *testing.T) {
	c := memCatalog(t, "b.py", "a.sh", ".hidden.py", "lights/evening.py", ".git/config")

	got, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.sh", "b.py", "lights/evening.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestCatalog_Resolve(t *testing.T) {
	c := memCatalog(t, "a.sh", "lights/evening.py", ".hidden.py")

	tests := []struct {
		ref  string
		want string
		err  bool
	}{
		{"a.sh", "/scripts/a.sh", false},
		{"lights/evening.py", "/scripts/lights/evening.py", false},
		{"./a.sh", "/scripts/a.sh", false},
		{"lights", "", true},
		{".hidden.py", "", true},
		{"../a.sh", "", true},
		{"/scripts/a.sh", "", true},
		{"", "", true},
		{"nope.py", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := c.Resolve(tt.ref)
			if tt.err {
				if !errors.Is(err, ErrScriptNotFound) {
					t.Fatalf("Resolve(%q) err = %v, want ErrScriptNotFound", tt.ref, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}
