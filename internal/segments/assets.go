package segments

import "sync"

// Asset is a downloaded resource that is not a swarm media segment: a
// playlist, an init segment, a key or a subtitle file.
type Asset struct {
	MasterManifestURI string
	MasterSwarmID     string
	RequestURI        string
	RequestRange      string
	ResponseURI       string
	Data              []byte
}

// AssetsStore is the storage abstraction for assets.
// Implementations can be in-memory, file-based, or remote.
type AssetsStore interface {
	GetAsset(requestURI, requestRange, masterSwarmID string) (Asset, bool)
	StoreAsset(a Asset)
	Destroy()
}

type assetKey struct {
	masterSwarmID string
	requestURI    string
	requestRange  string
}

// InMemoryAssetsStore is an in-memory implementation of AssetsStore.
type InMemoryAssetsStore struct {
	mu     sync.RWMutex
	assets map[assetKey]Asset
}

// NewInMemoryAssetsStore returns a new empty in-memory store.
func NewInMemoryAssetsStore() *InMemoryAssetsStore {
	return &InMemoryAssetsStore{
		assets: make(map[assetKey]Asset),
	}
}

// GetAsset implements AssetsStore.GetAsset.
func (s *InMemoryAssetsStore) GetAsset(requestURI, requestRange, masterSwarmID string) (Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[assetKey{masterSwarmID, requestURI, requestRange}]
	return a, ok
}

// StoreAsset implements AssetsStore.StoreAsset. An asset with the same swarm,
// URI and range replaces the previous one.
func (s *InMemoryAssetsStore) StoreAsset(a Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[assetKey{a.MasterSwarmID, a.RequestURI, a.RequestRange}] = a
}

// Len returns the number of stored assets.
func (s *InMemoryAssetsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets)
}

// Destroy implements AssetsStore.Destroy.
func (s *InMemoryAssetsStore) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = make(map[assetKey]Asset)
}
