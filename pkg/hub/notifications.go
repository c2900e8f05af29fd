package hub

import (
	"context"

	"github.com/goccy/go-json"
)

// Notification types understood by the hub's fan-out. Anything else is
// broadcast to all open connections.
const (
	NotificationNewShare    = "new_share"
	NotificationNewArticles = "new_articles"
	NotificationFeedReady   = "feed_ready"
)

type Notification struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type NewSharePayload struct {
	AuthorDID string `json:"author_did"`
	URI       string `json:"uri"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
}

type NewArticlesPayload struct {
	FeedURL  string `json:"feed_url"`
	NewItems int    `json:"new_items"`
}

type FeedReadyPayload struct {
	FeedURL string `json:"feed_url"`
}

// Broadcaster is what the commit processor and feed refresher hold: a
// fire-and-forget path into the hub's fan-out. Implementations are the hub
// itself and the HTTP client in this package.
type Broadcaster interface {
	Broadcast(ctx context.Context, n Notification) error
}

func NewShareNotification(p NewSharePayload) Notification {
	raw, _ := json.Marshal(p)
	return Notification{Type: NotificationNewShare, Payload: raw}
}

func NewArticlesNotification(p NewArticlesPayload) Notification {
	raw, _ := json.Marshal(p)
	return Notification{Type: NotificationNewArticles, Payload: raw}
}

func FeedReadyNotification(p FeedReadyPayload) Notification {
	raw, _ := json.Marshal(p)
	return Notification{Type: NotificationFeedReady, Payload: raw}
}
