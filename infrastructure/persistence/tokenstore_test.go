package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialclient/domain"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(Options{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerStore_EmptyIsZero(t *testing.T) {
	store := newTestStore(t)

	access, err := store.AccessToken()
	require.NoError(t, err)
	assert.Empty(t, access)

	refresh, err := store.RefreshToken()
	require.NoError(t, err)
	assert.Empty(t, refresh)

	user, err := store.User()
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestBadgerStore_TokenRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetTokens("acc-1", "ref-1"))

	access, err := store.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "acc-1", access)

	refresh, err := store.RefreshToken()
	require.NoError(t, err)
	assert.Equal(t, "ref-1", refresh)

	// A rotated access token leaves the refresh token alone.
	require.NoError(t, store.SetAccessToken("acc-2"))
	access, err = store.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "acc-2", access)

	refresh, err = store.RefreshToken()
	require.NoError(t, err)
	assert.Equal(t, "ref-1", refresh)
}

func TestBadgerStore_UserRoundTrip(t *testing.T) {
	store := newTestStore(t)

	in := &domain.UserRecord{ID: 7, Username: "alice", Email: "alice@example.com", IsAdmin: true}
	require.NoError(t, store.SetUser(in))

	out, err := store.User()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, *in, *out)
}

func TestBadgerStore_ClearRemovesEverything(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetTokens("acc", "ref"))
	require.NoError(t, store.SetUser(&domain.UserRecord{ID: 1, Username: "alice"}))

	require.NoError(t, store.Clear())

	access, _ := store.AccessToken()
	refresh, _ := store.RefreshToken()
	user, _ := store.User()
	assert.Empty(t, access)
	assert.Empty(t, refresh)
	assert.Nil(t, user)
}

func TestMemoryStore_BehavesLikeTokenStore(t *testing.T) {
	var store TokenStore = NewMemoryStore()

	require.NoError(t, store.SetTokens("acc", "ref"))
	require.NoError(t, store.SetUser(&domain.UserRecord{ID: 2, Username: "bob"}))

	access, err := store.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "acc", access)

	user, err := store.User()
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "bob", user.Username)

	require.NoError(t, store.Clear())
	user, err = store.User()
	require.NoError(t, err)
	assert.Nil(t, user)
}
