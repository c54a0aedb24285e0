package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	creds map[Principal]*Credential
}

func newMemStore() *memStore { return &memStore{creds: make(map[Principal]*Credential)} }

func (s *memStore) Get(_ context.Context, p Principal) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[p], nil
}

func (s *memStore) Put(_ context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[c.Principal] = &cp
	return nil
}

func (s *memStore) MarkInactive(_ context.Context, p Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[p]; ok {
		c.Active = false
	}
	return nil
}

type countingRefresher struct {
	calls int32
	delay time.Duration
}

func (r *countingRefresher) Refresh(_ context.Context, c *Credential) (string, time.Time, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return "fresh-token", time.Now().Add(time.Hour), nil
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(newMemStore(), make([]byte, 32))
	require.NoError(t, err)
	return m
}

func TestGetToken_ReturnsCachedTokenBeforeLeadTime(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	p := Principal{ConnectorInstanceKey: "inst1", PrincipalID: "user@example.com"}

	store := m.store.(*memStore)
	require.NoError(t, store.Put(ctx, &Credential{
		Principal: p, Active: true, AccessToken: "cached", Expiry: time.Now().Add(time.Hour),
	}))

	tok, err := m.GetToken(ctx, "google_drive", p)
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
}

func TestGetToken_RefreshesWithinLeadTime(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	p := Principal{ConnectorInstanceKey: "inst1", PrincipalID: "user@example.com"}

	store := m.store.(*memStore)
	require.NoError(t, store.Put(ctx, &Credential{
		Principal: p, Active: true, AccessToken: "stale", Expiry: time.Now().Add(time.Minute),
	}))

	refresher := &countingRefresher{}
	m.RegisterRefresher("google_drive", refresher)

	tok, err := m.GetToken(ctx, "google_drive", p)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
	assert.EqualValues(t, 1, refresher.calls)
}

func TestGetToken_SingleFlightRefresh(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	p := Principal{ConnectorInstanceKey: "inst1", PrincipalID: "user@example.com"}

	store := m.store.(*memStore)
	require.NoError(t, store.Put(ctx, &Credential{
		Principal: p, Active: true, AccessToken: "stale", Expiry: time.Now().Add(time.Minute),
	}))

	refresher := &countingRefresher{delay: 50 * time.Millisecond}
	m.RegisterRefresher("google_drive", refresher)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, err := m.GetToken(ctx, "google_drive", p)
			require.NoError(t, err)
			results[idx] = tok
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "fresh-token", r)
	}
	assert.EqualValues(t, 1, refresher.calls)
}

func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	m := testManager(t)

	ciphertext, err := m.Encrypt("super-secret-refresh-token")
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "super-secret")

	plain, err := m.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-refresh-token", plain)
}

func TestGetToken_NoRefresherRegisteredIsFatal(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	p := Principal{ConnectorInstanceKey: "inst1", PrincipalID: "user@example.com"}

	store := m.store.(*memStore)
	require.NoError(t, store.Put(ctx, &Credential{
		Principal: p, Active: true, AccessToken: "stale", Expiry: time.Now().Add(time.Minute),
	}))

	_, err := m.GetToken(ctx, "unregistered_connector", p)
	assert.Error(t, err)
}
