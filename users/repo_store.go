package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/homepage360/internal/util"
	"github.com/jmcleod/homepage360/storage"
)

const (
	usersBucket    = "__users"
	userRecordType = "USER"
)

// RepoStore keeps users as JSON records in a storage.Repository, typically
// the bbolt backend.
type RepoStore struct {
	repo storage.Repository
}

var _ Store = (*RepoStore)(nil)

// NewRepoStore returns a Store backed by repo.
func NewRepoStore(repo storage.Repository) *RepoStore {
	return &RepoStore{repo: repo}
}

func isMissing(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound)
}

func (s *RepoStore) Find(_ context.Context, username string) (*User, error) {
	name := util.NormalizeUsername(username)
	data, err := s.repo.Get(usersBucket, userRecordType, name)
	if isMissing(err) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", name, err)
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", name, err)
	}
	return &u, nil
}

func (s *RepoStore) Add(_ context.Context, user User) error {
	user.Username = util.NormalizeUsername(user.Username)
	if err := validateNew(user); err != nil {
		return err
	}
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.repo.Update(usersBucket, func(tx storage.Tx) error {
		_, err := tx.Get(userRecordType, user.Username)
		if err == nil {
			return fmt.Errorf("%s: %w", user.Username, ErrExists)
		}
		if !isMissing(err) {
			return err
		}
		return tx.Put(userRecordType, user.Username, data)
	})
}

func (s *RepoStore) UpdateLastLogin(_ context.Context, username string, at time.Time) error {
	name := util.NormalizeUsername(username)
	return s.repo.Update(usersBucket, func(tx storage.Tx) error {
		data, err := tx.Get(userRecordType, name)
		if isMissing(err) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("decoding user %s: %w", name, err)
		}
		t := at.UTC()
		u.LastLogin = &t
		out, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Put(userRecordType, name, out)
	})
}

func (s *RepoStore) List(_ context.Context) ([]string, error) {
	return s.repo.List(usersBucket, userRecordType)
}
