package memory

import (
	"context"
	"sync"
)

// Blob is one stored object.
type Blob struct {
	ContentType string
	Data        []byte
}

// BlobStore keeps written objects in a map. The returned reference is
// the key itself.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewBlobStore creates an empty blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]Blob)}
}

// Put stores data under key, overwriting any previous object.
func (b *BlobStore) Put(_ context.Context, key string, contentType string, data []byte) (string, error) {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = Blob{ContentType: contentType, Data: cp}
	return key, nil
}

// Get returns the stored object and whether it exists.
func (b *BlobStore) Get(key string) (Blob, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blob, ok := b.blobs[key]
	return blob, ok
}

// Len reports how many objects have been stored.
func (b *BlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
