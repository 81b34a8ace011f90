// Package socialgraph tracks the signed-in user's following-set so any
// caller can answer "am I following user X" in O(1) and mutate that fact
// with instant feedback.
package socialgraph

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"socialclient/application/session"
	"socialclient/domain"
	"socialclient/infrastructure/transport"
	"socialclient/pkg/common"
	apperrors "socialclient/pkg/errors"
)

// Cache holds the follow edge set. Mutations are optimistic: the set changes
// before the confirming call and reverts if it fails, so the cache reflects
// server truth once the call settles either way.
type Cache struct {
	pipeline *transport.Pipeline
	session  *session.Manager
	logger   *zap.Logger

	mu        sync.Mutex
	following map[int64]struct{}
	seeded    bool
}

// NewCache creates an unseeded cache. The following-list is fetched once on
// first mutation (or an explicit Seed); later mutations are incremental.
func NewCache(pipeline *transport.Pipeline, sess *session.Manager, logger *zap.Logger) *Cache {
	return &Cache{
		pipeline:  pipeline,
		session:   sess,
		logger:    logger,
		following: make(map[int64]struct{}),
	}
}

// IsFollowing is a pure set-membership read, no I/O.
func (c *Cache) IsFollowing(targetID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.following[targetID]
	return ok
}

// Follow applies the edge optimistically, then confirms with the server.
// On failure the edge is reverted and the server's message surfaced.
func (c *Cache) Follow(ctx context.Context, targetID int64) error {
	if err := c.prepareMutation(ctx, targetID); err != nil {
		return err
	}

	c.mu.Lock()
	_, already := c.following[targetID]
	c.following[targetID] = struct{}{}
	c.mu.Unlock()

	if _, err := c.pipeline.Post(ctx, fmt.Sprintf("/follow/%d", targetID), nil); err != nil {
		if !already {
			c.mu.Lock()
			delete(c.following, targetID)
			c.mu.Unlock()
		}
		c.logger.Debug("Follow reverted", zap.Int64("target", targetID), zap.Error(err))
		return err
	}
	return nil
}

// Unfollow removes the edge optimistically, then confirms with the server.
func (c *Cache) Unfollow(ctx context.Context, targetID int64) error {
	if err := c.prepareMutation(ctx, targetID); err != nil {
		return err
	}

	c.mu.Lock()
	_, had := c.following[targetID]
	delete(c.following, targetID)
	c.mu.Unlock()

	if _, err := c.pipeline.Post(ctx, fmt.Sprintf("/unfollow/%d", targetID), nil); err != nil {
		if had {
			c.mu.Lock()
			c.following[targetID] = struct{}{}
			c.mu.Unlock()
		}
		c.logger.Debug("Unfollow reverted", zap.Int64("target", targetID), zap.Error(err))
		return err
	}
	return nil
}

// Followers fetches another user's follower list, normalized regardless of
// whether the server answers with a bare array or a results envelope.
func (c *Cache) Followers(ctx context.Context, userID int64) ([]domain.UserLite, error) {
	return c.fetchList(ctx, fmt.Sprintf("/followers/%d", userID))
}

// Following fetches the list of users someone follows.
func (c *Cache) Following(ctx context.Context, userID int64) ([]domain.UserLite, error) {
	return c.fetchList(ctx, fmt.Sprintf("/following/%d", userID))
}

// Seed fetches the current user's following-list and replaces the set.
// Safe to call more than once; later calls refetch.
func (c *Cache) Seed(ctx context.Context) error {
	user := c.session.CurrentUser()
	if user == nil {
		return apperrors.NewAuthError("not signed in")
	}

	list, err := c.fetchList(ctx, fmt.Sprintf("/following/%d", user.ID))
	if err != nil {
		return err
	}

	set := make(map[int64]struct{}, len(list))
	for _, u := range list {
		set[u.ID] = struct{}{}
	}

	c.mu.Lock()
	c.following = set
	c.seeded = true
	c.mu.Unlock()
	return nil
}

// Reset drops the set, e.g. when the session ends. The next mutation reseeds.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.following = make(map[int64]struct{})
	c.seeded = false
}

// prepareMutation runs the local checks shared by Follow and Unfollow:
// a signed-in user, no self-follow, and a seeded set.
func (c *Cache) prepareMutation(ctx context.Context, targetID int64) error {
	user := c.session.CurrentUser()
	if user == nil {
		return apperrors.NewAuthError("not signed in")
	}
	if targetID == user.ID {
		// The server would reject this anyway; optimistic UI should
		// never issue it.
		return apperrors.NewValidationError("cannot follow yourself")
	}

	c.mu.Lock()
	seeded := c.seeded
	c.mu.Unlock()
	if !seeded {
		if err := c.Seed(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) fetchList(ctx context.Context, path string) ([]domain.UserLite, error) {
	resp, err := c.pipeline.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	page, err := common.DecodePage[domain.UserLite](resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to decode user list")
	}
	return page.Results, nil
}
