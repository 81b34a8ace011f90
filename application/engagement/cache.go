// Package engagement manages per-post like state and comment threads with
// optimistic mutations, resilient to the post having been deleted
// concurrently by another actor.
package engagement

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"socialclient/application/session"
	"socialclient/domain"
	"socialclient/infrastructure/transport"
	"socialclient/pkg/common"
	apperrors "socialclient/pkg/errors"
)

// Snapshot is a point-in-time copy of one post's engagement state.
type Snapshot struct {
	PostID       int64
	Liked        bool
	LikeCount    int
	CommentCount int
	Comments     []domain.Comment
	Gone         bool
}

// postState is the mutable per-post record. Guarded by the cache mutex.
type postState struct {
	liked        bool
	likeCount    int
	comments     []domain.Comment
	commentCount int

	// gone is terminal: the post vanished server-side and no further
	// mutation is attempted.
	gone bool

	// toggleSeq identifies the latest initiated toggle; a settlement for
	// an earlier sequence is stale and discarded.
	toggleSeq      uint64
	toggleInFlight bool
}

type commentPayload struct {
	Content string `json:"content" validate:"required,max=200"`
}

// likeResult is the toggle response; the server may carry an authoritative
// count which wins over the optimistic guess.
type likeResult struct {
	LikeCount *int   `json:"like_count"`
	Liked     *bool  `json:"liked"`
	Detail    string `json:"detail"`
}

// Cache tracks engagement state for every post the client has touched.
type Cache struct {
	pipeline *transport.Pipeline
	session  *session.Manager
	validate *validator.Validate
	logger   *zap.Logger

	mu    sync.Mutex
	posts map[int64]*postState
}

// NewCache creates an empty engagement cache.
func NewCache(pipeline *transport.Pipeline, sess *session.Manager, logger *zap.Logger) *Cache {
	return &Cache{
		pipeline: pipeline,
		session:  sess,
		validate: validator.New(),
		logger:   logger,
		posts:    make(map[int64]*postState),
	}
}

// Load seeds the cache for a post: the post record for counts plus the
// current like status. A 404 marks the post gone.
func (c *Cache) Load(ctx context.Context, postID int64) (Snapshot, error) {
	resp, err := c.pipeline.Get(ctx, fmt.Sprintf("/posts/%d", postID), nil)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.markGone(postID)
			return c.snapshot(postID), err
		}
		return Snapshot{}, err
	}

	var post domain.Post
	if err := transport.DecodeJSON(resp, &post); err != nil {
		return Snapshot{}, err
	}

	statusResp, err := c.pipeline.Get(ctx, fmt.Sprintf("/posts/%d/like-status", postID), nil)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.markGone(postID)
			return c.snapshot(postID), err
		}
		return Snapshot{}, err
	}

	var status struct {
		Liked bool `json:"liked"`
	}
	if err := transport.DecodeJSON(statusResp, &status); err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	st := c.state(postID)
	st.liked = status.Liked
	st.likeCount = post.LikeCount
	st.commentCount = post.CommentCount
	c.mu.Unlock()

	return c.snapshot(postID), nil
}

// Snapshot returns the current state for a post. The zero snapshot is
// returned for posts the cache has never seen.
func (c *Cache) Snapshot(postID int64) Snapshot {
	return c.snapshot(postID)
}

// Gone reports whether the post has entered the terminal gone state.
func (c *Cache) Gone(postID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.posts[postID]
	return ok && st.gone
}

// ToggleLike flips the like state optimistically and confirms with the
// server. While a toggle is in flight a second one on the same post is
// rejected rather than queued, avoiding a lost update between rapid clicks.
// A server-reported count reconciles over the optimistic guess.
func (c *Cache) ToggleLike(ctx context.Context, postID int64) error {
	c.mu.Lock()
	st := c.state(postID)
	if st.gone {
		c.mu.Unlock()
		return apperrors.NewNotFoundError("post")
	}
	if st.toggleInFlight {
		c.mu.Unlock()
		return apperrors.NewConflictError("like toggle already in flight")
	}

	prevLiked := st.liked
	st.liked = !prevLiked
	counted := false
	if st.liked {
		st.likeCount++
		counted = true
	} else if st.likeCount > 0 {
		st.likeCount--
		counted = true
	}
	st.toggleInFlight = true
	st.toggleSeq++
	seq := st.toggleSeq
	wantLiked := st.liked
	c.mu.Unlock()

	var resp *transport.Response
	var err error
	if wantLiked {
		resp, err = c.pipeline.Post(ctx, fmt.Sprintf("/posts/%d/like", postID), nil)
	} else {
		resp, err = c.pipeline.Delete(ctx, fmt.Sprintf("/posts/%d/like", postID))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st.toggleInFlight = false

	if st.toggleSeq != seq {
		// A newer toggle superseded this one while it was in flight;
		// its settlement no longer describes the desired state.
		return nil
	}

	if err != nil {
		if apperrors.IsNotFound(err) {
			st.gone = true
			return err
		}
		// Revert exactly the mutation made above; a decrement clamped
		// at zero has nothing to undo.
		st.liked = prevLiked
		if counted {
			if prevLiked {
				st.likeCount++
			} else {
				st.likeCount--
			}
		}
		return apperrors.Wrap(err, "like update failed")
	}

	if resp != nil && len(resp.Body) > 0 {
		var result likeResult
		if derr := transport.DecodeJSON(resp, &result); derr == nil {
			if result.LikeCount != nil {
				st.likeCount = *result.LikeCount
				if st.likeCount < 0 {
					st.likeCount = 0
				}
			}
			switch {
			case result.Liked != nil:
				st.liked = *result.Liked
			case result.Detail != "":
				st.liked = result.Detail == "Liked"
			}
		}
	}
	return nil
}

// LoadComments fetches a post's comment thread and replaces the local list.
func (c *Cache) LoadComments(ctx context.Context, postID int64) ([]domain.Comment, error) {
	if c.Gone(postID) {
		return nil, apperrors.NewNotFoundError("post")
	}

	resp, err := c.pipeline.Get(ctx, fmt.Sprintf("/posts/%d/comments", postID), nil)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.markGone(postID)
		}
		return nil, err
	}

	page, err := common.DecodePage[domain.Comment](resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to decode comments")
	}

	c.mu.Lock()
	st := c.state(postID)
	st.comments = page.Results
	st.commentCount = len(page.Results)
	c.mu.Unlock()

	return append([]domain.Comment(nil), page.Results...), nil
}

// AddComment validates locally, posts the comment and prepends it on
// success. A vanished post marks the gone state so later attempts are
// refused without a network call.
func (c *Cache) AddComment(ctx context.Context, postID int64, content string) (*domain.Comment, error) {
	if c.Gone(postID) {
		return nil, apperrors.NewNotFoundError("post")
	}

	payload := commentPayload{Content: content}
	if err := c.validate.Struct(payload); err != nil {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("comment must be 1 to %d characters", domain.MaxCommentLength))
	}

	resp, err := c.pipeline.Post(ctx, fmt.Sprintf("/posts/%d/comments", postID), payload)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.markGone(postID)
		}
		return nil, err
	}

	var comment domain.Comment
	if err := transport.DecodeJSON(resp, &comment); err != nil {
		return nil, err
	}

	c.mu.Lock()
	st := c.state(postID)
	st.comments = append([]domain.Comment{comment}, st.comments...)
	st.commentCount++
	c.mu.Unlock()

	return &comment, nil
}

// DeleteComment removes the comment optimistically. On failure the removal
// is not replayed, comment identity from a stale list is unreliable; the
// caller is expected to reload the thread.
func (c *Cache) DeleteComment(ctx context.Context, postID, commentID int64) error {
	c.mu.Lock()
	st := c.state(postID)
	if st.gone {
		c.mu.Unlock()
		return apperrors.NewNotFoundError("post")
	}
	removed := false
	for i, cm := range st.comments {
		if cm.ID == commentID {
			st.comments = append(st.comments[:i], st.comments[i+1:]...)
			removed = true
			break
		}
	}
	if removed && st.commentCount > 0 {
		st.commentCount--
	}
	c.mu.Unlock()

	if _, err := c.pipeline.Delete(ctx, fmt.Sprintf("/comments/%d", commentID)); err != nil {
		c.logger.Debug("Comment delete failed, thread reload required",
			zap.Int64("post", postID),
			zap.Int64("comment", commentID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// CanDeleteComment reports whether the signed-in user owns the comment.
// A pure UI gate, the server enforces ownership on the actual delete.
func (c *Cache) CanDeleteComment(comment domain.Comment) bool {
	user := c.session.CurrentUser()
	return user != nil && user.ID == comment.Author
}

// state returns (creating if needed) the record for a post. Caller holds the
// mutex.
func (c *Cache) state(postID int64) *postState {
	st, ok := c.posts[postID]
	if !ok {
		st = &postState{}
		c.posts[postID] = st
	}
	return st
}

func (c *Cache) markGone(postID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(postID).gone = true
}

func (c *Cache) snapshot(postID int64) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.posts[postID]
	if !ok {
		return Snapshot{PostID: postID}
	}
	return Snapshot{
		PostID:       postID,
		Liked:        st.liked,
		LikeCount:    st.likeCount,
		CommentCount: st.commentCount,
		Comments:     append([]domain.Comment(nil), st.comments...),
		Gone:         st.gone,
	}
}
