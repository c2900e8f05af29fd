package store

import (
	"time"
)

// Cursor is the resume position for one logical firehose stream. One row per
// stream, overwritten at the end of every poll cycle, never deleted.
type Cursor struct {
	StreamID  string `gorm:"primaryKey"`
	Position  int64  // upstream time_us token
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WatchedRepo is one DID the firehose subscription filters on. Rows are added
// on signup or bulk-seeded from the users table at cold start.
type WatchedRepo struct {
	DID       string `gorm:"column:did;primaryKey"`
	Source    string // "signup" or "seed"
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	DID          string `gorm:"column:did;primaryKey"`
	Handle       string
	DisplayName  string
	Avatar       string
	LastActiveAt time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Follow is a cached app.bsky.graph.follow edge. The record URI natural key
// is (follower_did, r_key).
type Follow struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FollowerDID string `gorm:"column:follower_did;uniqueIndex:idx_follows_uri"`
	RKey        string `gorm:"uniqueIndex:idx_follows_uri"`
	SubjectDID  string `gorm:"column:subject_did;index"`
}

// AppFollow is a cached in-app follow edge, same contract as Follow but its
// own collection and table.
type AppFollow struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FollowerDID string `gorm:"column:follower_did;uniqueIndex:idx_app_follows_uri"`
	RKey        string `gorm:"uniqueIndex:idx_app_follows_uri"`
	SubjectDID  string `gorm:"column:subject_did;index"`
}

// Share is a cached article share record. Enrichment fields stay empty when
// the profile or article lookup fails.
type Share struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	RepoDID string `gorm:"column:repo_did;uniqueIndex:idx_shares_uri;index"`
	RKey    string `gorm:"uniqueIndex:idx_shares_uri"`
	CID     string `gorm:"column:cid"`

	StreamTimeUS int64 `gorm:"index"`

	URL      string
	Title    string
	Note     string
	PostedAt time.Time

	AuthorHandle      string
	AuthorDisplayName string
	AuthorAvatar      string
	ArticleTitle      string
	ArticleImage      string
}

// FeedMeta is one row per feed URL, created on first fetch attempt and
// mutated on every attempt after that.
type FeedMeta struct {
	FeedURL   string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ETag         string
	LastModified string

	ErrorCount      int
	LastFetchedAt   time.Time
	LastScheduledAt time.Time `gorm:"index"`

	// Set once on the first successful import, gates the feed_ready
	// broadcast.
	FirstImportedAt *time.Time

	Payload          []byte // size-capped parsed feed JSON
	PayloadTruncated bool
}

// TableName pins the table to the plural form the SQL queries use; GORM's
// inflector would otherwise leave "meta" unpluralized.
func (FeedMeta) TableName() string { return "feed_metas" }

type FeedItem struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FeedURL     string `gorm:"uniqueIndex:idx_feed_items_guid"`
	GUID        string `gorm:"uniqueIndex:idx_feed_items_guid"`
	Link        string
	Title       string
	Description string
	PublishedAt time.Time
	ContentHash string
}

type Subscription struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserDID string `gorm:"column:user_did;uniqueIndex:idx_subscriptions_pair"`
	FeedURL string `gorm:"uniqueIndex:idx_subscriptions_pair;index"`
}

// Session is the hub's view of the external session store: a bearer token
// mapped to a DID with an expiry.
type Session struct {
	Token     string `gorm:"primaryKey"`
	DID       string `gorm:"column:did;index"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// HubAttachment is the minimal serialized state the hub persists per live
// connection so the registry can be rebuilt after a restart.
type HubAttachment struct {
	ConnID    string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Version       int
	DID           string `gorm:"column:did;index"`
	LastHeartbeat time.Time
}

// ScheduleMark is a durable next-due timestamp for periodic work, so a
// restart resumes the schedule instead of resetting it.
type ScheduleMark struct {
	Task      string `gorm:"primaryKey"`
	NextDueAt time.Time
	UpdatedAt time.Time
}

// InstanceLease is a freshness-stamped leader token. Only the holder of a
// fresh lease may hold the live firehose connection.
type InstanceLease struct {
	Name        string `gorm:"primaryKey"`
	Holder      string
	RefreshedAt time.Time
	UpdatedAt   time.Time
}
