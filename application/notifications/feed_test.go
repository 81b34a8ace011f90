package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialclient/domain"
	"socialclient/infrastructure/persistence"
	"socialclient/infrastructure/transport"
)

// stubSubscriber hands the test a channel to push events through and records
// which recipients were subscribed and cancelled.
type stubSubscriber struct {
	mu      sync.Mutex
	events  chan domain.Notification
	subs    []domain.FlexID
	cancels int
}

func newStubSubscriber() *stubSubscriber {
	return &stubSubscriber{}
}

func (s *stubSubscriber) Subscribe(ctx context.Context, recipient domain.FlexID) (<-chan domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, recipient)
	events := make(chan domain.Notification)
	s.events = events
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cancels++
		s.mu.Unlock()
		close(events)
	}()
	return events, nil
}

func (s *stubSubscriber) push(n domain.Notification) {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	events <- n
}

func (s *stubSubscriber) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func newTestFeed(t *testing.T, handler http.Handler, sub Subscriber) *Feed {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	pipeline, err := transport.NewPipeline(server.URL, persistence.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	return NewFeed(pipeline, sub, 20, zap.NewNop())
}

func notif(id string, read bool) domain.Notification {
	return domain.Notification{
		ID:        domain.FlexID(id),
		Recipient: "1",
		Type:      domain.NotificationLike,
		IsRead:    read,
		CreatedAt: time.Now(),
	}
}

func TestIngest_DedupesAndCounts(t *testing.T) {
	sub := newStubSubscriber()
	feed := newTestFeed(t, chi.NewRouter(), sub)
	require.NoError(t, feed.SetRecipient(context.Background(), "1"))
	t.Cleanup(feed.Stop)

	sub.push(notif("n1", false))
	sub.push(notif("n2", false))
	sub.push(notif("n1", false)) // redelivery

	require.Eventually(t, func() bool { return len(feed.Items()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, feed.UnreadCount())

	items := feed.Items()
	assert.Equal(t, domain.FlexID("n2"), items[0].ID, "newest first")
	assert.Equal(t, domain.FlexID("n1"), items[1].ID)
}

func TestPoll_ReplacesFeedWholesale(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "1", req.URL.Query().Get("page"))
		w.Write([]byte(`{"results":[
			{"id":"n3","recipient":"1","notification_type":"follow","is_read":false},
			{"id":"n1","recipient":"1","notification_type":"like","is_read":true}
		],"count":2}`))
	})

	sub := newStubSubscriber()
	feed := newTestFeed(t, r, sub)
	require.NoError(t, feed.SetRecipient(context.Background(), "1"))
	t.Cleanup(feed.Stop)

	sub.push(notif("n1", false))
	sub.push(notif("n2", false))
	require.Eventually(t, func() bool { return len(feed.Items()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, feed.Poll(context.Background()))

	// The poll is authoritative: n2 is absent from the page and disappears,
	// n1's server-side read state is adopted.
	items := feed.Items()
	require.Len(t, items, 2)
	assert.Equal(t, domain.FlexID("n3"), items[0].ID)
	assert.Equal(t, domain.FlexID("n1"), items[1].ID)
	assert.True(t, items[1].IsRead)
	assert.Equal(t, 1, feed.UnreadCount())
}

func TestPushThenPoll_SameIDOnce(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[{"id":"n1","recipient":"1","notification_type":"like","is_read":false}]`))
	})

	sub := newStubSubscriber()
	feed := newTestFeed(t, r, sub)
	require.NoError(t, feed.SetRecipient(context.Background(), "1"))
	t.Cleanup(feed.Stop)

	sub.push(notif("n1", false))
	require.Eventually(t, func() bool { return len(feed.Items()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, feed.Poll(context.Background()))
	assert.Len(t, feed.Items(), 1)
	assert.Equal(t, 1, feed.UnreadCount())
}

func TestMarkOneRead_RevertsOnFailure(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[{"id":"n1","recipient":"1","notification_type":"like","is_read":false}]`))
	})
	r.Post("/notifications/n1/read", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{}`))
	})

	feed := newTestFeed(t, r, newStubSubscriber())
	require.NoError(t, feed.Poll(context.Background()))
	require.Equal(t, 1, feed.UnreadCount())

	err := feed.MarkOneRead(context.Background(), "n1")
	require.Error(t, err)

	assert.False(t, feed.Items()[0].IsRead)
	assert.Equal(t, 1, feed.UnreadCount())
}

func TestMarkOneRead_AlreadyReadIsNoop(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[{"id":"n1","recipient":"1","notification_type":"like","is_read":true}]`))
	})

	feed := newTestFeed(t, r, newStubSubscriber())
	require.NoError(t, feed.Poll(context.Background()))

	// No handler for the read endpoint: a request would 404 and fail.
	require.NoError(t, feed.MarkOneRead(context.Background(), "n1"))
	require.NoError(t, feed.MarkOneRead(context.Background(), "missing"))
}

func TestMarkAllRead_AllOrNothingRollback(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[
			{"id":"n1","recipient":"1","notification_type":"like","is_read":false},
			{"id":"n2","recipient":"1","notification_type":"follow","is_read":true},
			{"id":"n3","recipient":"1","notification_type":"comment","is_read":false}
		]`))
	})
	r.Post("/notifications/mark-all-read", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{}`))
	})

	feed := newTestFeed(t, r, newStubSubscriber())
	require.NoError(t, feed.Poll(context.Background()))
	require.Equal(t, 2, feed.UnreadCount())

	err := feed.MarkAllRead(context.Background())
	require.Error(t, err)

	items := feed.Items()
	assert.False(t, items[0].IsRead)
	assert.True(t, items[1].IsRead)
	assert.False(t, items[2].IsRead)
	assert.Equal(t, 2, feed.UnreadCount())
}

func TestMarkAllRead_RollbackKeepsMidFlightPushes(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[{"id":"n1","recipient":"1","notification_type":"like","is_read":false}]`))
	})
	r.Post("/notifications/mark-all-read", func(w http.ResponseWriter, req *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{}`))
	})

	feed := newTestFeed(t, r, newStubSubscriber())
	require.NoError(t, feed.Poll(context.Background()))
	require.Equal(t, 1, feed.UnreadCount())

	done := make(chan error, 1)
	go func() { done <- feed.MarkAllRead(context.Background()) }()
	<-entered

	// A push arrives while the bulk call is in flight.
	feed.ingest(notif("n2", false))

	close(release)
	require.Error(t, <-done)

	// The rollback restores n1's unread state and must not drop n2.
	items := feed.Items()
	require.Len(t, items, 2)
	assert.Equal(t, domain.FlexID("n2"), items[0].ID)
	assert.False(t, items[0].IsRead)
	assert.Equal(t, domain.FlexID("n1"), items[1].ID)
	assert.False(t, items[1].IsRead)
	assert.Equal(t, 2, feed.UnreadCount())

	// And n2 is genuinely present, not resurrectable as a duplicate.
	feed.ingest(notif("n2", false))
	assert.Len(t, feed.Items(), 2)
}

func TestMarkAllRead_Success(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[
			{"id":"n1","recipient":"1","notification_type":"like","is_read":false},
			{"id":"n2","recipient":"1","notification_type":"follow","is_read":false}
		]`))
	})
	r.Post("/notifications/mark-all-read", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	feed := newTestFeed(t, r, newStubSubscriber())
	require.NoError(t, feed.Poll(context.Background()))

	require.NoError(t, feed.MarkAllRead(context.Background()))
	assert.Equal(t, 0, feed.UnreadCount())
	for _, n := range feed.Items() {
		assert.True(t, n.IsRead)
	}
}

func TestPoll_DoesNotRegressLocalReadFlips(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	r := chi.NewRouter()
	r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
		once.Do(func() {
			close(entered)
			<-release
		})
		// The page still claims everything unread.
		w.Write([]byte(`[
			{"id":"n1","recipient":"1","notification_type":"like","is_read":false},
			{"id":"n2","recipient":"1","notification_type":"follow","is_read":false}
		]`))
	})
	r.Post("/notifications/mark-all-read", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	feed := newTestFeed(t, r, newStubSubscriber())

	pollDone := make(chan error, 1)
	go func() { pollDone <- feed.Poll(context.Background()) }()
	<-entered

	// The items are not in the feed yet (first poll still blocked), so mark
	// arrives via a push-style ingest instead.
	feed.ingest(notif("n1", false))
	feed.ingest(notif("n2", false))
	require.NoError(t, feed.MarkAllRead(context.Background()))
	require.Equal(t, 0, feed.UnreadCount())

	close(release)
	require.NoError(t, <-pollDone)

	// The in-flight poll settled after the local flip; read state must not
	// regress.
	for _, n := range feed.Items() {
		assert.True(t, n.IsRead, "poll must not resurrect unread state for %s", n.ID)
	}
	assert.Equal(t, 0, feed.UnreadCount())
}

func TestSetRecipient_TearsDownPreviousSubscription(t *testing.T) {
	sub := newStubSubscriber()
	feed := newTestFeed(t, chi.NewRouter(), sub)

	require.NoError(t, feed.SetRecipient(context.Background(), "1"))
	require.NoError(t, feed.SetRecipient(context.Background(), "2"))
	t.Cleanup(feed.Stop)

	require.Eventually(t, func() bool { return sub.cancelCount() == 1 }, time.Second, 5*time.Millisecond)

	sub.mu.Lock()
	subs := append([]domain.FlexID(nil), sub.subs...)
	sub.mu.Unlock()
	assert.Equal(t, []domain.FlexID{"1", "2"}, subs)
}

func TestSetRecipient_ResetsState(t *testing.T) {
	sub := newStubSubscriber()
	feed := newTestFeed(t, chi.NewRouter(), sub)
	require.NoError(t, feed.SetRecipient(context.Background(), "1"))

	sub.push(notif("n1", false))
	require.Eventually(t, func() bool { return len(feed.Items()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, feed.SetRecipient(context.Background(), "2"))
	t.Cleanup(feed.Stop)

	assert.Empty(t, feed.Items())
	assert.Equal(t, 0, feed.UnreadCount())
}

func TestStop_ClosesSubscription(t *testing.T) {
	sub := newStubSubscriber()
	feed := newTestFeed(t, chi.NewRouter(), sub)
	require.NoError(t, feed.SetRecipient(context.Background(), "1"))

	feed.Stop()
	require.Eventually(t, func() bool { return sub.cancelCount() == 1 }, time.Second, 5*time.Millisecond)

	// Idempotent.
	feed.Stop()
}
