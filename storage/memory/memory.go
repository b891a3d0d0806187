// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/homepage360/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string][]byte)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(bucket, recordType, recordID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(bucket, recordType, recordID, data)
	return nil
}

func (r *Repository) putLocked(bucket, recordType, recordID string, data []byte) {
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string][]byte)
	}
	r.data[bucket][makeKey(recordType, recordID)] = bytes.Clone(data)
}

func (r *Repository) Get(bucket, recordType, recordID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(bucket, recordType, recordID)
}

func (r *Repository) getLocked(bucket, recordType, recordID string) ([]byte, error) {
	b, ok := r.data[bucket]
	if !ok {
		return nil, fmt.Errorf("%s: %w", bucket, storage.ErrBucketNotFound)
	}
	data, ok := b[makeKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return bytes.Clone(data), nil
}

func (r *Repository) Delete(bucket, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.data[bucket]
	if !ok {
		return fmt.Errorf("%s: %w", bucket, storage.ErrBucketNotFound)
	}
	key := makeKey(recordType, recordID)
	if _, ok := b[key]; !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	delete(b, key)
	return nil
}

func (r *Repository) List(bucket, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix := recordType + ":"
	var ids []string
	for k := range r.data[bucket] {
		if strings.HasPrefix(k, prefix) {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type memTx struct {
	repo   *Repository
	bucket string
	staged map[string][]byte
}

func (tx *memTx) Get(recordType, recordID string) ([]byte, error) {
	if data, ok := tx.staged[makeKey(recordType, recordID)]; ok {
		return bytes.Clone(data), nil
	}
	data, err := tx.repo.getLocked(tx.bucket, recordType, recordID)
	if errors.Is(err, storage.ErrBucketNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return data, err
}

func (tx *memTx) Put(recordType, recordID string, data []byte) error {
	tx.staged[makeKey(recordType, recordID)] = bytes.Clone(data)
	return nil
}

// Update runs fn under the write lock. Puts are staged and only applied if
// fn returns nil, mirroring a rolled-back bbolt transaction on error.
func (r *Repository) Update(bucket string, fn func(tx storage.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memTx{repo: r, bucket: bucket, staged: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string][]byte)
	}
	for k, v := range tx.staged {
		r.data[bucket][k] = v
	}
	return nil
}
