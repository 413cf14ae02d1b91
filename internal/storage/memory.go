package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/andresuchdata/spoolrelay/internal/apperr"
)

// MemoryStorage keeps objects in process memory. It is meant for local runs
// and tests, not for large uploads.
type MemoryStorage struct {
	bucket  string
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage(bucket string) *MemoryStorage {
	if bucket == "" {
		bucket = "memory"
	}
	return &MemoryStorage{
		bucket:  bucket,
		objects: make(map[string][]byte),
	}
}

func (m *MemoryStorage) Bucket() string { return m.bucket }

func (m *MemoryStorage) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.New(apperr.KindRemoteStore, "storage.put", err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.New(apperr.KindRemoteStore, "storage.put", err)
	}
	if int64(len(data)) != size {
		return nil, apperr.New(apperr.KindRemoteStore, "storage.put",
			fmt.Errorf("content length mismatch for %s: declared %d, read %d", key, size, len(data)))
	}

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()

	sum := md5.Sum(data)
	return &PutResult{Bucket: m.bucket, Key: key, Size: size, ETag: hex.EncodeToString(sum[:])}, nil
}

// Get returns a copy of the stored object.
func (m *MemoryStorage) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Keys lists stored keys in sorted order.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ ObjectStorage = (*MemoryStorage)(nil)
