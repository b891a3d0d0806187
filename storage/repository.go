// Package storage provides the storage abstraction layer for persisted records.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrBucketNotFound is returned when a bucket has never been written.
	ErrBucketNotFound = errors.New("bucket not found")
)

// Tx provides Get and Put within an atomic read-modify-write transaction.
// The bucket is scoped to the transaction, so methods don't require it.
type Tx interface {
	Get(recordType string, recordID string) ([]byte, error)
	Put(recordType string, recordID string, data []byte) error
}

// Repository defines the interface for keyed record storage. Records are
// opaque byte slices grouped by bucket and record type.
type Repository interface {
	Put(bucket string, recordType string, recordID string, data []byte) error
	Get(bucket string, recordType string, recordID string) ([]byte, error)
	Delete(bucket string, recordType string, recordID string) error
	List(bucket string, recordType string) ([]string, error)
	Update(bucket string, fn func(tx Tx) error) error
}
