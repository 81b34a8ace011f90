package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// NotificationType enumerates the events the feed knows how to render.
type NotificationType string

const (
	NotificationFollow  NotificationType = "follow"
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
)

// FlexID is an identifier that arrives as either a JSON number or a JSON
// string depending on the collaborator. It unmarshals both into a string so
// the feed can key on one representation.
type FlexID string

// UnmarshalJSON accepts both `"n1"` and `17`.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// MarshalJSON always emits the string form.
func (f FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// PostLite is the reduced post shape embedded in notifications.
type PostLite struct {
	ID   FlexID `json:"id"`
	Slug string `json:"slug,omitempty"`
}

// Notification is one entry of the merged feed. The same shape arrives from
// both the poll endpoint and the realtime channel; the feed is the sole
// authority on deduplication and ordering.
type Notification struct {
	ID        FlexID           `json:"id"`
	Recipient FlexID           `json:"recipient"`
	Sender    UserLite         `json:"sender"`
	Type      NotificationType `json:"notification_type"`
	Post      *PostLite        `json:"post,omitempty"`
	Message   string           `json:"message"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}
