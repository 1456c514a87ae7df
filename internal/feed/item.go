// Package feed turns newest-first feed snapshots into the items a reader has
// not seen yet, delivered oldest-first.
package feed

import "time"

// Item is one entry of a feed snapshot.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at"`
}

// Snapshot is the current newest-first item list of a feed.
type Snapshot struct {
	Title string
	Items []Item
}

// Mode selects how a feed remembers what it has already delivered.
type Mode string

const (
	// ModeCursor keeps only the newest delivered id. Suitable for sources
	// whose order never changes.
	ModeCursor Mode = "cursor"
	// ModeSeen keeps a bounded set of delivered ids, tolerating reordering
	// and items that drop out of the snapshot.
	ModeSeen Mode = "seen"
)

// DefaultSeenCap bounds the seen-set.
const DefaultSeenCap = 1000

// State is the persisted deduplication state of one feed.
type State struct {
	Key         string
	Mode        Mode
	Cursor      string
	Seen        []string // oldest first
	Initialized bool
	CheckedAt   time.Time
}

// Subscription is a feed a chat asked to follow.
type Subscription struct {
	ID      string    `json:"id"`
	ChatID  string    `json:"chat_id"`
	URL     string    `json:"url"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// StateKey is the key under which a subscription's state is stored.
func (s Subscription) StateKey() string {
	return "sub:" + s.ChatID + "|" + s.URL
}
