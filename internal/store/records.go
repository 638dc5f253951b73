package store

import "time"

// Reference is a discovered discussion URL pending extraction.
type Reference struct {
	ID  int64
	URL string
}

// FeedItem is a syndicated news entry.
type FeedItem struct {
	ID          int64
	Title       string
	Publisher   string
	URL         string
	PublishedAt time.Time
	Source      string
}

// Author is the resolved identity behind discussions and replies.
type Author struct {
	ID   int64
	Name string
}

// DiscussionItem is one extracted thread. It points at exactly one Reference
// and one Author by surrogate ID.
type DiscussionItem struct {
	ID          int64
	ReferenceID int64
	AuthorID    int64
	Title       string
	Body        string
	PostedAt    time.Time
}

// Reply is one comment attached to a DiscussionItem.
type Reply struct {
	ID           int64
	DiscussionID int64
	AuthorID     int64
	Body         string
	PostedAt     time.Time
}
