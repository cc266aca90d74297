package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/solvewatch/solvewatch/internal/api"
)

func TestStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	s := NewStore(path)
	if _, ok := s.Get(); ok {
		t.Fatalf("fresh store should be empty")
	}

	pair := api.TokenPair{Access: "a1", Refresh: "r1"}
	if err := s.Set(pair); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened := NewStore(path)
	got, ok := reopened.Get()
	if !ok {
		t.Fatalf("expected pair after reopen")
	}
	if got != pair {
		t.Fatalf("got %+v, want %+v", got, pair)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("credentials file mode = %o, want 600", perm)
	}
}

func TestStore_CorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := NewStore(path)
	if _, ok := s.Get(); ok {
		t.Fatalf("corrupt file should load as empty store")
	}
}

func TestStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s := NewStore(path)
	if err := s.Set(api.TokenPair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := s.Get(); ok {
		t.Fatalf("store should be empty after clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("credentials file should be gone, stat err = %v", err)
	}
	// Clearing an already-empty store is fine.
	if err := s.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}
