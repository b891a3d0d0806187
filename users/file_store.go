package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/homepage360/internal/util"
)

// usersFile is the on-disk layout of users.json.
type usersFile struct {
	Users []User `json:"users"`
}

// FileStore keeps users in a JSON file of the form {"users": [...]}.
// A missing file is treated as an empty store. Writes go through a
// temporary file and rename so a crash never leaves a truncated file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (*usersFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &usersFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	var f usersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return &f, nil
}

func (s *FileStore) save(f *usersFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Find(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	name := util.NormalizeUsername(username)
	for _, u := range f.Users {
		if util.NormalizeUsername(u.Username) == name {
			found := u
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (s *FileStore) Add(_ context.Context, user User) error {
	user.Username = util.NormalizeUsername(user.Username)
	if err := validateNew(user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for _, u := range f.Users {
		if util.NormalizeUsername(u.Username) == user.Username {
			return fmt.Errorf("%s: %w", user.Username, ErrExists)
		}
	}
	f.Users = append(f.Users, user)
	return s.save(f)
}

func (s *FileStore) UpdateLastLogin(_ context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	name := util.NormalizeUsername(username)
	for i := range f.Users {
		if util.NormalizeUsername(f.Users[i].Username) == name {
			t := at.UTC()
			f.Users[i].LastLogin = &t
			return s.save(f)
		}
	}
	return fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Users))
	for _, u := range f.Users {
		names = append(names, u.Username)
	}
	sort.Strings(names)
	return names, nil
}
