package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paw-chain/swarm/swarm/types"
)

// Storage persists peer records so reputation survives restarts. The
// in-memory registry remains the source of truth; storage is written
// behind it.
type Storage interface {
	// Save persists one peer record.
	Save(peer *Peer) error

	// Load returns a peer record, or nil if absent.
	Load(id types.PeerID) (*Peer, error)

	// LoadAll returns every persisted peer record.
	LoadAll() (map[types.PeerID]*Peer, error)

	// Delete removes a peer record.
	Delete(id types.PeerID) error

	// Close releases storage resources.
	Close() error
}

// FileStorage implements Storage with one JSON file per peer.
type FileStorage struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileStorage creates the data directory if needed.
func NewFileStorage(dataDir string) (*FileStorage, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry data directory: %w", err)
	}
	return &FileStorage{dataDir: dataDir}, nil
}

func (fs *FileStorage) path(id types.PeerID) string {
	// Peer ids may contain path separators; flatten them.
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(string(id))
	return filepath.Join(fs.dataDir, safe+".json")
}

func (fs *FileStorage) Save(peer *Peer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(peer, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peer %s: %w", peer.ID, err)
	}

	path := fs.path(peer.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write peer %s: %w", peer.ID, err)
	}
	return os.Rename(tmp, path)
}

func (fs *FileStorage) Load(id types.PeerID) (*Peer, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var peer Peer
	if err := json.Unmarshal(data, &peer); err != nil {
		return nil, fmt.Errorf("unmarshal peer %s: %w", id, err)
	}
	return &peer, nil
}

func (fs *FileStorage) LoadAll() (map[types.PeerID]*Peer, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, err
	}

	peers := make(map[types.PeerID]*Peer)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dataDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var peer Peer
		if err := json.Unmarshal(data, &peer); err != nil {
			// Skip corrupt records rather than refusing to start.
			continue
		}
		peers[peer.ID] = &peer
	}
	return peers, nil
}

func (fs *FileStorage) Delete(id types.PeerID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := os.Remove(fs.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (fs *FileStorage) Close() error { return nil }

// MemoryStorage implements Storage in memory, for tests and for
// deployments that do not need persistence.
type MemoryStorage struct {
	mu    sync.RWMutex
	peers map[types.PeerID]*Peer
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{peers: make(map[types.PeerID]*Peer)}
}

func (ms *MemoryStorage) Save(peer *Peer) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *peer
	ms.peers[peer.ID] = &cp
	return nil
}

func (ms *MemoryStorage) Load(id types.PeerID) (*Peer, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	peer, ok := ms.peers[id]
	if !ok {
		return nil, nil
	}
	cp := *peer
	return &cp, nil
}

func (ms *MemoryStorage) LoadAll() (map[types.PeerID]*Peer, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make(map[types.PeerID]*Peer, len(ms.peers))
	for id, peer := range ms.peers {
		cp := *peer
		out[id] = &cp
	}
	return out, nil
}

func (ms *MemoryStorage) Delete(id types.PeerID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.peers, id)
	return nil
}

func (ms *MemoryStorage) Close() error { return nil }
