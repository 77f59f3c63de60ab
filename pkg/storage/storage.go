package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ErrNotFound is matched (errors.Is) by every *Error caused by a missing key
var ErrNotFound = errors.New("not found")

// Storage is a key/value blob store. Keys are '/'-separated UTF-8 strings.
// Concurrent calls on distinct keys are safe.
type Storage interface {
	// Put uploads a local file under key, provisioning the bucket on first use.
	Put(ctx context.Context, localFile, key string) error
	// Get downloads key into a local file. Missing keys fail with ErrNotFound.
	Get(ctx context.Context, key, localFile string) error
	// List lazily yields every key sharing prefix (all keys if prefix is empty).
	// Each call starts a fresh listing; order is unspecified.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]
	Delete(ctx context.Context, key string) error
	// Clear deletes every key and then the bucket itself. It is not atomic.
	Clear(ctx context.Context) error
}

// Error is the generic storage failure, reported once internal retries are exhausted
type Error struct {
	Op       string
	Bucket   string
	Key      string
	Err      error
	NotFound bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return e.NotFound && target == ErrNotFound
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Keys drains a listing into a slice
func Keys(seq iter.Seq2[string, error]) ([]string, error) {
	var keys []string
	for key, err := range seq {
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
