package bondstore

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cradlelink/cradle/pkg/identity"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Record is a single bonded-peer entry. Records are created when an
// authentication event reports a successful bond and are never mutated.
type Record struct {
	Peer     identity.Addr `json:"peer"`
	BondedAt time.Time     `json:"bonded_at"`
}

// Store is the durable set of peer identities previously bonded.
type Store interface {
	// Contains reports whether the peer has a bond record.
	Contains(peer identity.Addr) bool

	// Add records a bond for the peer. Adding an already-bonded peer is a
	// no-op.
	Add(peer identity.Addr) error

	// SnapshotAll returns a copy of every bonded identity.
	SnapshotAll() []identity.Addr
}

// FileStore persists bond records as a JSON file so that bonds survive
// restarts.
type FileStore struct {
	path    string
	records map[identity.Addr]Record
	mtx     sync.RWMutex
}

type fileFormat struct {
	Bonds []Record `json:"bonds"`
}

// NewFileStore opens (or creates) the bond file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		records: make(map[identity.Addr]Record),
	}

	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("pkg bondstore; no bond file at %s, starting empty", path)
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read bond file %s", path)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, errors.Wrapf(err, "failed to parse bond file %s", path)
	}

	for _, rec := range ff.Bonds {
		s.records[rec.Peer] = rec
	}

	log.Infof("pkg bondstore; loaded %d bond(s) from %s", len(s.records), path)
	return s, nil
}

// Contains reports whether the peer has a bond record.
func (s *FileStore) Contains(peer identity.Addr) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, ok := s.records[peer]
	return ok
}

// Add records a bond for the peer and rewrites the bond file.
func (s *FileStore) Add(peer identity.Addr) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.records[peer]; ok {
		return nil
	}

	s.records[peer] = Record{Peer: peer, BondedAt: time.Now()}

	if err := s.persistLocked(); err != nil {
		// Keep the in-memory record; the peer is bonded for this run even
		// if the file write failed.
		log.Errorf("pkg bondstore; failed to persist bond for %s: %v", peer.Short(), err)
		return err
	}

	log.Infof("pkg bondstore; recorded bond for %s (%d total)", peer.Short(), len(s.records))
	return nil
}

// SnapshotAll returns a copy of every bonded identity, sorted for stable
// iteration.
func (s *FileStore) SnapshotAll() []identity.Addr {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	peers := make([]identity.Addr, 0, len(s.records))
	for peer := range s.records {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// persistLocked rewrites the bond file. Writes to a temp file in the same
// directory and renames over the target so a crash mid-write cannot leave a
// truncated store.
func (s *FileStore) persistLocked() error {
	ff := fileFormat{Bonds: make([]Record, 0, len(s.records))}
	for _, rec := range s.records {
		ff.Bonds = append(ff.Bonds, rec)
	}
	sort.Slice(ff.Bonds, func(i, j int) bool { return ff.Bonds[i].Peer < ff.Bonds[j].Peer })

	data, err := json.MarshalIndent(&ff, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal bond records")
	}

	tmp := s.path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", s.path)
	}
	return nil
}

// EnsureDir creates the parent directory of a bond file path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "failed to create bond directory %s", dir)
	}
	return nil
}

// Memory is an in-memory Store for tests and for running without
// persistence.
type Memory struct {
	records map[identity.Addr]Record
	mtx     sync.RWMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[identity.Addr]Record)}
}

// Contains reports whether the peer has a bond record.
func (m *Memory) Contains(peer identity.Addr) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, ok := m.records[peer]
	return ok
}

// Add records a bond for the peer.
func (m *Memory) Add(peer identity.Addr) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.records[peer]; !ok {
		m.records[peer] = Record{Peer: peer, BondedAt: time.Now()}
	}
	return nil
}

// SnapshotAll returns a copy of every bonded identity.
func (m *Memory) SnapshotAll() []identity.Addr {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	peers := make([]identity.Addr, 0, len(m.records))
	for peer := range m.records {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
