package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionStore(clock *fakeClock) *MemorySessionStore {
	return NewMemorySessionStore(DefaultSessionConfig(), clock.Now)
}

func TestMemorySessionStore_CreateAndValidate(t *testing.T) {
	clock := newFakeClock()
	store := newTestSessionStore(clock)

	s, err := store.Create("alice", false, "198.51.100.1")
	require.NoError(t, err)
	assert.Len(t, s.Token, 64, "32 random bytes hex-encoded")
	assert.Equal(t, clock.Now(), s.CreatedAt)
	assert.Equal(t, clock.Now().Add(24*time.Hour), s.ExpiresAt)
	assert.Equal(t, "198.51.100.1", s.SourceAddress)

	v := store.Validate(s.Token)
	assert.True(t, v.Valid)
	assert.Equal(t, "alice", v.Username)
	assert.Empty(t, v.Reason)
}

func TestMemorySessionStore_TokensAreUnique(t *testing.T) {
	store := newTestSessionStore(newFakeClock())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := store.Create("alice", false, "")
		require.NoError(t, err)
		require.False(t, seen[s.Token], "duplicate token")
		seen[s.Token] = true
	}
	assert.Equal(t, 100, store.Len())
}

func TestMemorySessionStore_Reasons(t *testing.T) {
	store := newTestSessionStore(newFakeClock())
	assert.Equal(t, Validation{Reason: ReasonNoToken}, store.Validate(""))
	assert.Equal(t, Validation{Reason: ReasonInvalidToken}, store.Validate("not-a-session"))
}

func TestMemorySessionStore_HardExpiry(t *testing.T) {
	for _, tc := range []struct {
		name       string
		rememberMe bool
		lifetime   time.Duration
	}{
		{"session", false, 24 * time.Hour},
		{"remember me", true, 30 * 24 * time.Hour},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			store := newTestSessionStore(clock)
			s, err := store.Create("alice", tc.rememberMe, "")
			require.NoError(t, err)
			assert.Equal(t, s.CreatedAt.Add(tc.lifetime), s.ExpiresAt)

			// Stay active so only the hard ceiling can end the session.
			step := 3 * time.Hour
			for elapsed := step; elapsed < tc.lifetime; elapsed += step {
				clock.Set(s.CreatedAt.Add(elapsed))
				require.True(t, store.Validate(s.Token).Valid, "valid at %s", elapsed)
			}
			clock.Set(s.ExpiresAt)
			v := store.Validate(s.Token)
			assert.False(t, v.Valid)
			assert.Equal(t, ReasonExpired, v.Reason)
			assert.Equal(t, "alice", v.Username)
		})
	}
}

func TestMemorySessionStore_Inactivity(t *testing.T) {
	clock := newFakeClock()
	store := newTestSessionStore(clock)
	s, err := store.Create("alice", true, "")
	require.NoError(t, err)

	clock.Advance(4*time.Hour - time.Millisecond)
	require.True(t, store.Validate(s.Token).Valid, "activity just inside the timeout")

	// The successful validation slid the inactivity window forward.
	clock.Advance(4 * time.Hour)
	v := store.Validate(s.Token)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonInactivity, v.Reason)
}

func TestMemorySessionStore_InvalidIsDeleted(t *testing.T) {
	clock := newFakeClock()
	store := newTestSessionStore(clock)
	s, err := store.Create("alice", false, "")
	require.NoError(t, err)

	clock.Advance(5 * time.Hour)
	assert.Equal(t, ReasonInactivity, store.Validate(s.Token).Reason)
	assert.Zero(t, store.Len())

	// Even if the clock went backwards, the session cannot come back.
	clock.Set(s.CreatedAt)
	assert.Equal(t, ReasonInvalidToken, store.Validate(s.Token).Reason)
}

func TestMemorySessionStore_Invalidate(t *testing.T) {
	store := newTestSessionStore(newFakeClock())
	s, err := store.Create("alice", false, "")
	require.NoError(t, err)

	got, ok := store.Invalidate(s.Token)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)

	_, ok = store.Invalidate(s.Token)
	assert.False(t, ok, "second invalidate is a no-op")
	_, ok = store.Invalidate("")
	assert.False(t, ok)
	assert.False(t, store.Validate(s.Token).Valid)
}

func TestMemorySessionStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := newTestSessionStore(clock)

	idle, err := store.Create("idle", true, "")
	require.NoError(t, err)
	active, err := store.Create("active", true, "")
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	require.True(t, store.Validate(active.Token).Valid)
	clock.Advance(90 * time.Minute)

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, ReasonInvalidToken, store.Validate(idle.Token).Reason)
	assert.True(t, store.Validate(active.Token).Valid)
}

func TestMemorySessionStore_ConcurrentValidate(t *testing.T) {
	clock := newFakeClock()
	store := newTestSessionStore(clock)
	s, err := store.Create("alice", false, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Validate(s.Token)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			store.Sweep()
		}
	}()
	wg.Wait()
	assert.True(t, store.Validate(s.Token).Valid)
}
