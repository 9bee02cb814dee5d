package bondstore

import (
	"path/filepath"
	"testing"

	"github.com/cradlelink/cradle/pkg/identity"
)

func TestFileStoreEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonds.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if s.Contains("aa:bb:cc:dd:ee:ff") {
		t.Error("empty store reported a bond")
	}

	if got := s.SnapshotAll(); len(got) != 0 {
		t.Errorf("empty store snapshot has %d entries", len(got))
	}
}

func TestFileStoreAddAndContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonds.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	peer := identity.Normalize("AA:BB:CC:DD:EE:FF")
	if err := s.Add(peer); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if !s.Contains(peer) {
		t.Error("added peer not reported by Contains")
	}

	// Adding again is a no-op.
	if err := s.Add(peer); err != nil {
		t.Fatalf("repeated Add failed: %v", err)
	}
	if got := s.SnapshotAll(); len(got) != 1 {
		t.Errorf("snapshot has %d entries after duplicate add, want 1", len(got))
	}
}

// Bonds must survive a restart.
func TestFileStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonds.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	peers := []identity.Addr{"11:22:33:44:55:66", "aa:bb:cc:dd:ee:ff"}
	for _, p := range peers {
		if err := s.Add(p); err != nil {
			t.Fatalf("Add(%s) failed: %v", p, err)
		}
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	for _, p := range peers {
		if !reopened.Contains(p) {
			t.Errorf("bond for %s lost across reload", p)
		}
	}

	got := reopened.SnapshotAll()
	if len(got) != len(peers) {
		t.Fatalf("reloaded snapshot has %d entries, want %d", len(got), len(peers))
	}
	for i := range peers {
		if got[i] != peers[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, got[i], peers[i])
		}
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()

	peer := identity.Addr("aa:bb:cc:dd:ee:ff")
	if m.Contains(peer) {
		t.Error("empty memory store reported a bond")
	}
	if err := m.Add(peer); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !m.Contains(peer) {
		t.Error("added peer not reported by Contains")
	}
	if got := m.SnapshotAll(); len(got) != 1 || got[0] != peer {
		t.Errorf("snapshot = %v, want [%s]", got, peer)
	}
}
