package core

// BlobStore is the leaf dependency of the engine: content-addressed byte
// storage, write-once, read-any. The production deployment is backed by an
// external RocksDB blob store owned by the node's storage service; this package
// exposes the capability set the rest of the engine needs and ships an
// in-memory + overlay implementation sufficient for tests and for
// OverlayExecutor's ephemeral snapshots.

import "sync"

// BlobStore is the {put, get, snapshot} capability set storage backends satisfy.
type BlobStore interface {
	// Put hashes data with blake2b256 and stores it under that key. Writes
	// are idempotent: putting the same bytes twice is a no-op the second
	// time and returns the same hash.
	Put(data []byte) Hash
	// Get returns the bytes previously stored under h, or ok=false.
	Get(h Hash) (data []byte, ok bool)
	// Overlay returns a BlobStore whose writes are held in an in-memory
	// layer shadowing the receiver; reads fall through to the receiver for
	// keys the overlay hasn't written. Discarding the returned store (simply
	// letting it go out of scope) discards all writes made to it.
	Overlay() BlobStore
}

// memBlobStore is an in-memory BlobStore: a plain hash -> bytes map guarded
// by a mutex.
type memBlobStore struct {
	mu   sync.RWMutex
	data map[Hash][]byte
}

// NewMemBlobStore constructs an empty in-memory BlobStore.
func NewMemBlobStore() BlobStore {
	return &memBlobStore{data: make(map[Hash][]byte)}
}

func (m *memBlobStore) Put(data []byte) Hash {
	h := HashBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[h]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.data[h] = cp
	}
	return h
}

func (m *memBlobStore) Get(h Hash) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[h]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

func (m *memBlobStore) Overlay() BlobStore {
	return &overlayBlobStore{base: m, writes: make(map[Hash][]byte)}
}

// overlayBlobStore shadows a base BlobStore with an in-memory write layer.
// Used by StateDB's overlay mode and by OverlayExecutor.
type overlayBlobStore struct {
	mu     sync.RWMutex
	base   BlobStore
	writes map[Hash][]byte
}

func (o *overlayBlobStore) Put(data []byte) Hash {
	h := HashBytes(data)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.writes[h]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		o.writes[h] = cp
	}
	return h
}

func (o *overlayBlobStore) Get(h Hash) ([]byte, bool) {
	o.mu.RLock()
	v, ok := o.writes[h]
	o.mu.RUnlock()
	if ok {
		cp := make([]byte, len(v))
		copy(cp, v)
		return cp, true
	}
	return o.base.Get(h)
}

func (o *overlayBlobStore) Overlay() BlobStore {
	return &overlayBlobStore{base: o, writes: make(map[Hash][]byte)}
}
