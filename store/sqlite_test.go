package store

import (
	"path/filepath"
	"testing"
)

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	kv, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := kv.Get("missing"); ok {
		t.Error("Get on empty store reported a value")
	}

	if err := kv.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, ok := kv.Get("k"); !ok || v != "v2" {
		t.Errorf("Get = %q %v, want upserted value", v, ok)
	}

	if err := kv.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := kv.Get("k"); ok {
		t.Error("value survived Delete")
	}

	// Values persist across reopen.
	kv.Set("stable", "yes")
	if err := kv.Close(); err != nil {
		t.Fatal(err)
	}

	kv2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv2.Close()
	if v, ok := kv2.Get("stable"); !ok || v != "yes" {
		t.Errorf("Get after reopen = %q %v", v, ok)
	}
}

func TestSQLiteCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	kv, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	if err := kv.Set("a", "b"); err != nil {
		t.Fatal(err)
	}
}
