package socialgraph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialclient/application/session"
	"socialclient/domain"
	"socialclient/infrastructure/persistence"
	"socialclient/infrastructure/transport"
	apperrors "socialclient/pkg/errors"
)

// newTestCache returns a cache whose session is already signed in as user 1,
// restored from a cached record so no auth traffic hits the handler.
func newTestCache(t *testing.T, handler http.Handler) *Cache {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := persistence.NewMemoryStore()
	require.NoError(t, store.SetTokens("acc", "ref"))
	require.NoError(t, store.SetUser(&domain.UserRecord{ID: 1, Username: "alice"}))

	pipeline, err := transport.NewPipeline(server.URL, store, zap.NewNop())
	require.NoError(t, err)

	sess := session.NewManager(pipeline, store, time.Minute, zap.NewNop())
	sess.Hydrate(context.Background())
	require.Equal(t, session.StateAuthenticated, sess.State())

	return NewCache(pipeline, sess, zap.NewNop())
}

func seededRouter(following string) chi.Router {
	r := chi.NewRouter()
	r.Get("/following/1", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(following))
	})
	return r
}

func TestFollow_OptimisticAndConfirmed(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})

	r := seededRouter(`[]`)
	r.Post("/follow/2", func(w http.ResponseWriter, req *http.Request) {
		close(inFlight)
		<-release
		w.Write([]byte(`{"status":"followed"}`))
	})

	cache := newTestCache(t, r)

	done := make(chan error, 1)
	go func() { done <- cache.Follow(context.Background(), 2) }()

	// The edge is visible while the confirming call is still in flight.
	<-inFlight
	assert.True(t, cache.IsFollowing(2))

	close(release)
	require.NoError(t, <-done)
	assert.True(t, cache.IsFollowing(2))
}

func TestFollow_RevertsOnServerFailure(t *testing.T) {
	r := seededRouter(`[]`)
	r.Post("/follow/2", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"user not found"}`))
	})

	cache := newTestCache(t, r)

	err := cache.Follow(context.Background(), 2)
	require.Error(t, err)
	assert.False(t, cache.IsFollowing(2))
}

func TestUnfollow_RevertsOnServerFailure(t *testing.T) {
	r := seededRouter(`[{"id":2,"username":"bob"}]`)
	r.Post("/unfollow/2", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{}`))
	})

	cache := newTestCache(t, r)
	require.NoError(t, cache.Seed(context.Background()))
	require.True(t, cache.IsFollowing(2))

	err := cache.Unfollow(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, cache.IsFollowing(2), "failed unfollow must restore the edge")
}

func TestFollowUnfollow_RoundTrip(t *testing.T) {
	r := seededRouter(`[]`)
	r.Post("/follow/2", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"followed"}`))
	})
	r.Post("/unfollow/2", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"unfollowed"}`))
	})

	cache := newTestCache(t, r)

	require.NoError(t, cache.Follow(context.Background(), 2))
	assert.True(t, cache.IsFollowing(2))
	require.NoError(t, cache.Unfollow(context.Background(), 2))
	assert.False(t, cache.IsFollowing(2))
}

func TestFollow_SelfIsRejectedLocally(t *testing.T) {
	var calls atomic.Int32
	cache := newTestCache(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	}))

	err := cache.Follow(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, int32(0), calls.Load(), "self-follow must not reach the network")
}

func TestFollow_RequiresSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(server.Close)

	store := persistence.NewMemoryStore()
	pipeline, err := transport.NewPipeline(server.URL, store, zap.NewNop())
	require.NoError(t, err)
	sess := session.NewManager(pipeline, store, time.Minute, zap.NewNop())

	cache := NewCache(pipeline, sess, zap.NewNop())
	err = cache.Follow(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))
}

func TestSeed_AcceptsBothListShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"id":2,"username":"bob"},{"id":3,"username":"carol"}]`},
		{"results envelope", `{"results":[{"id":2,"username":"bob"},{"id":3,"username":"carol"}],"count":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newTestCache(t, seededRouter(tt.body))
			require.NoError(t, cache.Seed(context.Background()))
			assert.True(t, cache.IsFollowing(2))
			assert.True(t, cache.IsFollowing(3))
			assert.False(t, cache.IsFollowing(4))
		})
	}
}

func TestFirstMutationSeedsLazily(t *testing.T) {
	var seedCalls atomic.Int32
	r := chi.NewRouter()
	r.Get("/following/1", func(w http.ResponseWriter, req *http.Request) {
		seedCalls.Add(1)
		w.Write([]byte(`[{"id":3,"username":"carol"}]`))
	})
	r.Post("/follow/2", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"followed"}`))
	})
	r.Post("/unfollow/2", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"unfollowed"}`))
	})

	cache := newTestCache(t, r)

	require.NoError(t, cache.Follow(context.Background(), 2))
	require.NoError(t, cache.Unfollow(context.Background(), 2))

	assert.Equal(t, int32(1), seedCalls.Load(), "the list is fetched once, mutations are incremental")
	assert.True(t, cache.IsFollowing(3), "seeded edges survive later mutations")
}

func TestReset_DropsEdgesAndSeedState(t *testing.T) {
	var seedCalls atomic.Int32
	r := chi.NewRouter()
	r.Get("/following/1", func(w http.ResponseWriter, req *http.Request) {
		seedCalls.Add(1)
		w.Write([]byte(`[{"id":2,"username":"bob"}]`))
	})
	r.Post("/follow/5", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{}`))
	})

	cache := newTestCache(t, r)
	require.NoError(t, cache.Seed(context.Background()))
	require.True(t, cache.IsFollowing(2))

	cache.Reset()
	assert.False(t, cache.IsFollowing(2))

	require.NoError(t, cache.Follow(context.Background(), 5))
	assert.Equal(t, int32(2), seedCalls.Load(), "a mutation after Reset reseeds")
}

func TestFollowers_FetchesList(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/followers/7", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"results":[{"id":1,"username":"alice"}],"count":1}`))
	})

	cache := newTestCache(t, r)

	list, err := cache.Followers(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Username)
}
