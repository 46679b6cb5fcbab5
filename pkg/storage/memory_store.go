package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in-process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore initializes an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Put stores a copy of the reader contents under key.
func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	return nil
}

// Get returns a copy of the stored bytes.
func (m *MemoryStore) Get(_ context.Context, key string, maxBytes int64) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", ErrObjectNotFound
	}
	if maxBytes > 0 && int64(len(obj.data)) > maxBytes {
		return nil, "", ErrObjectTooLarge
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, obj.contentType, nil
}

// PresignGet returns a pseudo URL; memory objects are not reachable over HTTP.
func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return memoryURL("get", key, expiry), nil
}

// PresignPut returns a pseudo URL; memory objects are not reachable over HTTP.
func (m *MemoryStore) PresignPut(_ context.Context, key string, expiry time.Duration) (string, error) {
	return memoryURL("put", key, expiry), nil
}

// Delete removes an object; deleting a missing key is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Has reports whether an object exists at key.
func (m *MemoryStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

func memoryURL(op, key string, expiry time.Duration) string {
	q := url.Values{}
	q.Set("op", op)
	q.Set("expires", fmt.Sprintf("%d", int64(expiry.Seconds())))
	return "memory:///" + url.PathEscape(key) + "?" + q.Encode()
}
