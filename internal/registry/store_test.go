// internal/registry/store_test.go
package registry

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestFileStore_AtomicSaveLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewFileStore(fs, "/var/lib/pmaticmgr/schedules.json")

	for i := 0; i < 3; i++ {
		if err := store.Save([]Schedule{{Schedule: def("a")}}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := afero.ReadDir(fs, "/var/lib/pmaticmgr")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "schedules.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contains %v", names)
	}

	data, _ := afero.ReadFile(fs, store.Path())
	if !strings.Contains(string(data), `"version": 1`) {
		t.Errorf("document = %s", data)
	}

	got, err := store.Load()
	if err != nil || len(got) != 1 || got[0].ID != "a" {
		t.Errorf("Load = %+v, %v", got, err)
	}
}

func TestFileStore_RejectsNewerVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/s.json", []byte(`{"version": 99, "schedules": []}`), 0600)
	if _, err := NewFileStore(fs, "/s.json").Load(); err == nil {
		t.Fatal("expected error for newer document version")
	}
}

func TestFileStore_ReadOnlyFsFails(t *testing.T) {
	store := NewFileStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/s.json")
	if err := store.Save(nil); err == nil {
		t.Fatal("expected error saving to a read-only filesystem")
	}
}
