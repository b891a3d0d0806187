package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/homepage360/internal/util"
)

// tokenBytes is the entropy of a session token (256 bits).
const tokenBytes = 32

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu   sync.Mutex
	data map[string]Session
	cfg  SessionConfig
	now  func() time.Time
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store. now may be nil.
func NewMemorySessionStore(cfg SessionConfig, now func() time.Time) *MemorySessionStore {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionStore{
		data: make(map[string]Session),
		cfg:  cfg,
		now:  now,
	}
}

func (s *MemorySessionStore) Create(username string, rememberMe bool, sourceAddress string) (Session, error) {
	token, err := util.RandomHex(tokenBytes)
	if err != nil {
		return Session{}, fmt.Errorf("generating session token: %w", err)
	}
	now := s.now()
	session := Session{
		Token:         token,
		Username:      username,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.lifetime(rememberMe)),
		LastActivity:  now,
		SourceAddress: sourceAddress,
		RememberMe:    rememberMe,
	}
	s.mu.Lock()
	s.data[token] = session
	s.mu.Unlock()
	return session, nil
}

// invalidReason returns "" when session is still valid at now.
func (s *MemorySessionStore) invalidReason(session Session, now time.Time) InvalidReason {
	if !now.Before(session.ExpiresAt) {
		return ReasonExpired
	}
	if now.Sub(session.LastActivity) >= s.cfg.Inactivity {
		return ReasonInactivity
	}
	return ""
}

func (s *MemorySessionStore) Validate(token string) Validation {
	if token == "" {
		return Validation{Reason: ReasonNoToken}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data[token]
	if !ok {
		return Validation{Reason: ReasonInvalidToken}
	}
	now := s.now()
	if reason := s.invalidReason(session, now); reason != "" {
		delete(s.data, token)
		return Validation{Username: session.Username, Reason: reason}
	}
	session.LastActivity = now
	s.data[token] = session
	return Validation{Valid: true, Username: session.Username}
}

func (s *MemorySessionStore) Invalidate(token string) (Session, bool) {
	if token == "" {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data[token]
	if ok {
		delete(s.data, token)
	}
	return session, ok
}

func (s *MemorySessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, session := range s.data {
		if s.invalidReason(session, now) != "" {
			delete(s.data, token)
			removed++
		}
	}
	return removed
}

func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
