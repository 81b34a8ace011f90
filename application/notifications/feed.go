// Package notifications folds two independently-arriving sources, periodic
// polling and a realtime push channel, into one ordered, deduplicated feed
// with accurate unread accounting.
package notifications

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"socialclient/domain"
	"socialclient/infrastructure/transport"
	"socialclient/pkg/common"
	apperrors "socialclient/pkg/errors"
)

// Subscriber is the push source. Delivery is at-least-once with no ordering
// guarantee relative to polled pages.
type Subscriber interface {
	Subscribe(ctx context.Context, recipient domain.FlexID) (<-chan domain.Notification, error)
}

// Feed is the sole authority on notification deduplication and ordering.
// Items are kept newest first; insertion order is recency.
type Feed struct {
	pipeline   *transport.Pipeline
	subscriber Subscriber
	pageSize   int
	logger     *zap.Logger

	mu      sync.Mutex
	items   []domain.Notification
	present map[domain.FlexID]struct{}
	unread  int

	// readSeq counts local read-state mutations. A poll that started
	// before the latest mutation must not regress isRead for items the
	// user already flipped (last writer wins).
	readSeq uint64

	recipient domain.FlexID
	cancelSub context.CancelFunc
	subDone   chan struct{}
}

// NewFeed creates an empty feed.
func NewFeed(pipeline *transport.Pipeline, subscriber Subscriber, pageSize int, logger *zap.Logger) *Feed {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Feed{
		pipeline:   pipeline,
		subscriber: subscriber,
		pageSize:   pageSize,
		logger:     logger,
		present:    make(map[domain.FlexID]struct{}),
	}
}

// SetPageSize adjusts the poll page size, e.g. from a configuration
// override. Takes effect on the next poll.
func (f *Feed) SetPageSize(size int) {
	if size <= 0 {
		return
	}
	f.mu.Lock()
	f.pageSize = size
	f.mu.Unlock()
}

// Items returns a snapshot of the feed, newest first.
func (f *Feed) Items() []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Notification(nil), f.items...)
}

// UnreadCount returns the number of unread items. Maintained incrementally;
// it always equals the count of isRead=false entries.
func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// SetRecipient switches the push subscription to a new recipient. Exactly
// one subscription exists per recipient per mounted lifetime; the previous
// one is torn down first so no event is delivered into two listeners.
func (f *Feed) SetRecipient(ctx context.Context, recipient domain.FlexID) error {
	f.teardownSubscription()

	f.mu.Lock()
	f.recipient = recipient
	f.items = nil
	f.present = make(map[domain.FlexID]struct{})
	f.unread = 0
	f.mu.Unlock()

	if recipient == "" {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, err := f.subscriber.Subscribe(subCtx, recipient)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	f.mu.Lock()
	f.cancelSub = cancel
	f.subDone = done
	f.mu.Unlock()

	go func() {
		defer close(done)
		for n := range events {
			f.ingest(n)
		}
	}()
	return nil
}

// Stop tears down the push subscription.
func (f *Feed) Stop() {
	f.teardownSubscription()
}

// Poll fetches the first page and replaces the feed wholesale; the poll is
// authoritative for what exists and in what order at that moment. Read
// state already confirmed by a local mark is never regressed.
func (f *Feed) Poll(ctx context.Context) error {
	f.mu.Lock()
	seqBefore := f.readSeq
	pageSize := f.pageSize
	f.mu.Unlock()

	params := common.PaginationParams{Page: 1, PageSize: pageSize}
	resp, err := f.pipeline.Get(ctx, "/notifications", params.Query())
	if err != nil {
		return err
	}

	page, err := common.DecodePage[domain.Notification](resp.Body)
	if err != nil {
		return apperrors.Wrap(err, "failed to decode notifications")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Local read flips that happened while the poll was in flight win
	// over the page's stale isRead values.
	var locallyRead map[domain.FlexID]bool
	if f.readSeq != seqBefore {
		locallyRead = make(map[domain.FlexID]bool, len(f.items))
		for _, n := range f.items {
			if n.IsRead {
				locallyRead[n.ID] = true
			}
		}
	}

	items := make([]domain.Notification, 0, len(page.Results))
	present := make(map[domain.FlexID]struct{}, len(page.Results))
	unread := 0
	for _, n := range page.Results {
		if _, dup := present[n.ID]; dup {
			continue
		}
		if locallyRead != nil && locallyRead[n.ID] {
			n.IsRead = true
		}
		present[n.ID] = struct{}{}
		if !n.IsRead {
			unread++
		}
		items = append(items, n)
	}

	f.items = items
	f.present = present
	f.unread = unread
	return nil
}

// MarkOneRead flips one item optimistically and confirms with the server,
// reverting flag and counter together on failure.
func (f *Feed) MarkOneRead(ctx context.Context, id domain.FlexID) error {
	f.mu.Lock()
	idx := f.find(id)
	if idx < 0 || f.items[idx].IsRead {
		f.mu.Unlock()
		return nil
	}
	f.items[idx].IsRead = true
	f.unread--
	f.readSeq++
	f.mu.Unlock()

	if _, err := f.pipeline.Post(ctx, fmt.Sprintf("/notifications/%s/read", id), nil); err != nil {
		f.mu.Lock()
		if i := f.find(id); i >= 0 && f.items[i].IsRead {
			f.items[i].IsRead = false
			f.unread++
			f.readSeq++
		}
		f.mu.Unlock()
		return err
	}
	return nil
}

// MarkAllRead flips every item optimistically with a single server call. On
// failure the read state of the flipped items is restored from a snapshot;
// items pushed while the call was in flight keep their own state, the
// rollback never drops them.
func (f *Feed) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	prior := make(map[domain.FlexID]bool, len(f.items))
	for _, n := range f.items {
		prior[n.ID] = n.IsRead
	}
	for i := range f.items {
		f.items[i].IsRead = true
	}
	f.unread = 0
	f.readSeq++
	f.mu.Unlock()

	if _, err := f.pipeline.Post(ctx, "/notifications/mark-all-read", nil); err != nil {
		f.mu.Lock()
		unread := 0
		for i := range f.items {
			if wasRead, ok := prior[f.items[i].ID]; ok {
				f.items[i].IsRead = wasRead
			}
			if !f.items[i].IsRead {
				unread++
			}
		}
		f.unread = unread
		f.readSeq++
		f.mu.Unlock()
		return err
	}
	return nil
}

// ingest merges one push event. Duplicates are ignored, which makes
// at-least-once delivery safe.
func (f *Feed) ingest(n domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, dup := f.present[n.ID]; dup {
		return
	}
	f.present[n.ID] = struct{}{}
	f.items = append([]domain.Notification{n}, f.items...)
	if !n.IsRead {
		f.unread++
	}
}

// find returns the index of id, or -1. Caller holds the mutex.
func (f *Feed) find(id domain.FlexID) int {
	for i := range f.items {
		if f.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *Feed) teardownSubscription() {
	f.mu.Lock()
	cancel := f.cancelSub
	done := f.subDone
	f.cancelSub = nil
	f.subDone = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
