package bbolt

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmcleod/homepage360/storage"
	"go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "users.db"), nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStorage(t *testing.T) {
	s := newTestStore(t)
	bucket := "users"
	recordType := "USER"
	recordID := "admin"
	data := []byte(`{"username":"admin"}`)

	t.Run("PutGet", func(t *testing.T) {
		if err := s.Put(bucket, recordType, recordID, data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(bucket, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != string(data) {
			t.Errorf("Get returned %q", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(bucket, recordType, "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.Get("nope", recordType, recordID); !errors.Is(err, storage.ErrBucketNotFound) {
			t.Errorf("expected ErrBucketNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		_ = s.Put(bucket, recordType, "bob", data)
		_ = s.Put(bucket, "OTHER", "x", data)
		ids, err := s.List(bucket, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("List = %v, want 2 ids", ids)
		}
		empty, err := s.List("never", recordType)
		if err != nil || len(empty) != 0 {
			t.Errorf("List on missing bucket = %v, %v", empty, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(bucket, recordType, "bob"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(bucket, recordType, "bob"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second Delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateRollsBackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Update(bucket, func(tx storage.Tx) error {
			if err := tx.Put(recordType, "staged", data); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update = %v, want boom", err)
		}
		if _, err := s.Get(bucket, recordType, "staged"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("staged write leaked after failed Update: %v", err)
		}
	})

	t.Run("Reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reopen.db")
		db, err := bbolt.Open(path, 0600, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		first := NewRepository(db)
		if err := first.Put(bucket, recordType, recordID, data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		first.Close()

		second, err := NewRepositoryFromFile(path, nil)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer second.Close()
		got, err := second.Get(bucket, recordType, recordID)
		if err != nil || string(got) != string(data) {
			t.Errorf("record lost across reopen: %q, %v", got, err)
		}
	})
}
