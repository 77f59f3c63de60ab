package storage

import (
	"context"
	"iter"
	"os"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process Storage with the same semantics as S3
type Memory struct {
	bucket string

	mu      sync.RWMutex
	exists  bool
	objects map[string][]byte
}

func NewMemory(bucket string) *Memory {
	return &Memory{
		bucket:  bucket,
		objects: make(map[string][]byte),
	}
}

func (m *Memory) Put(ctx context.Context, localFile, key string) error {
	data, err := os.ReadFile(localFile)
	if err != nil {
		return &Error{Op: "put", Bucket: m.bucket, Key: key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = true
	m.objects[key] = data
	return nil
}

func (m *Memory) Get(ctx context.Context, key, localFile string) error {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return &Error{Op: "get", Bucket: m.bucket, Key: key, Err: ErrNotFound, NotFound: true}
	}
	if err := os.WriteFile(localFile, data, 0644); err != nil {
		return &Error{Op: "get", Bucket: m.bucket, Key: key, Err: err}
	}
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.RLock()
		keys := make([]string, 0, len(m.objects))
		for key := range m.objects {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		m.mu.RUnlock()
		slices.Sort(keys)

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield("", &Error{Op: "list", Bucket: m.bucket, Key: prefix, Err: err})
				return
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string][]byte)
	m.exists = false
	return nil
}

// BucketExists reports whether the bucket has been provisioned and not cleared
func (m *Memory) BucketExists() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists
}
