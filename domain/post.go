package domain

import "time"

// MaxCommentLength is enforced locally before a comment is ever sent.
const MaxCommentLength = 200

// PostCategory mirrors the server's post categories.
type PostCategory string

const (
	CategoryGeneral      PostCategory = "general"
	CategoryAnnouncement PostCategory = "announcement"
	CategoryQuestion     PostCategory = "question"
)

// Post is the full post record as returned by the engagement collaborator.
type Post struct {
	ID             int64        `json:"id"`
	Content        string       `json:"content"`
	Author         int64        `json:"author"`
	AuthorUsername string       `json:"author_username"`
	Category       PostCategory `json:"category"`
	ImageURL       string       `json:"image_url,omitempty"`
	IsActive       bool         `json:"is_active"`
	LikeCount      int          `json:"like_count"`
	CommentCount   int          `json:"comment_count"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at,omitempty"`
}

// Comment is one entry of a post's comment thread.
type Comment struct {
	ID             int64     `json:"id"`
	PostID         int64     `json:"post"`
	Author         int64     `json:"author"`
	AuthorUsername string    `json:"author_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
