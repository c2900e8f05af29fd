package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreateFeedMeta returns the metadata row for a feed URL, creating an
// empty one on the first fetch attempt.
func (s *Store) GetOrCreateFeedMeta(ctx context.Context, feedURL string) (*FeedMeta, error) {
	var meta FeedMeta
	err := s.db.WithContext(ctx).First(&meta, "feed_url = ?", feedURL).Error
	if err == nil {
		return &meta, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get feed metadata: %w", err)
	}

	meta = FeedMeta{FeedURL: feedURL}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "feed_url"}},
		DoNothing: true,
	}).Create(&meta).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create feed metadata: %w", err)
	}
	return &meta, nil
}

// MarkFeedsScheduled stamps last_scheduled_at for a refresh batch before any
// fetching starts, so a crashed cycle does not re-select the same feeds
// first.
func (s *Store) MarkFeedsScheduled(ctx context.Context, feedURLs []string) error {
	if len(feedURLs) == 0 {
		return nil
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&FeedMeta{}).
		Where("feed_url IN ?", feedURLs).
		Updates(map[string]any{"last_scheduled_at": now, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to mark feeds scheduled: %w", err)
	}
	return nil
}

// RecordFeedSuccess stores fresh conditional-fetch validators and the
// size-capped parsed payload, and resets the error budget. It reports
// whether this was the feed's first successful import.
func (s *Store) RecordFeedSuccess(ctx context.Context, feedURL, etag, lastModified string, payload []byte, truncated bool) (bool, error) {
	firstImport := false
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta FeedMeta
		if err := tx.First(&meta, "feed_url = ?", feedURL).Error; err != nil {
			return err
		}
		if meta.FirstImportedAt == nil {
			meta.FirstImportedAt = &now
			firstImport = true
		}
		meta.ETag = etag
		meta.LastModified = lastModified
		meta.ErrorCount = 0
		meta.LastFetchedAt = now
		meta.Payload = payload
		meta.PayloadTruncated = truncated
		return tx.Save(&meta).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to record feed success: %w", err)
	}
	feedFetches.WithLabelValues("success").Inc()
	return firstImport, nil
}

// RecordFeedNotModified updates only scheduling metadata and the freshness
// marker. Cached payload and items are untouched.
func (s *Store) RecordFeedNotModified(ctx context.Context, feedURL string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&FeedMeta{}).
		Where("feed_url = ?", feedURL).
		Updates(map[string]any{"last_fetched_at": now, "error_count": 0, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("failed to record not-modified: %w", err)
	}
	feedFetches.WithLabelValues("not_modified").Inc()
	return nil
}

// RecordFeedError increments the feed's consecutive error count and returns
// the new value.
func (s *Store) RecordFeedError(ctx context.Context, feedURL string) (int, error) {
	count := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta FeedMeta
		if err := tx.First(&meta, "feed_url = ?", feedURL).Error; err != nil {
			return err
		}
		meta.ErrorCount++
		count = meta.ErrorCount
		return tx.Save(&meta).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record feed error: %w", err)
	}
	feedFetches.WithLabelValues("error").Inc()
	return count, nil
}

// UpsertFeedItems writes parsed items keyed by (feed_url, guid) and returns
// how many were truly new. Existing items are rewritten only when the
// content hash changed.
func (s *Store) UpsertFeedItems(ctx context.Context, items []FeedItem) (int, error) {
	inserted := 0
	for i := range items {
		item := items[i]
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "feed_url"}, {Name: "guid"}},
			DoNothing: true,
		}).Create(&item)
		if res.Error != nil {
			return inserted, fmt.Errorf("failed to insert feed item: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			inserted++
			continue
		}
		err := s.db.WithContext(ctx).Model(&FeedItem{}).
			Where("feed_url = ? AND guid = ? AND content_hash != ?", item.FeedURL, item.GUID, item.ContentHash).
			Updates(map[string]any{
				"link":         item.Link,
				"title":        item.Title,
				"description":  item.Description,
				"published_at": item.PublishedAt,
				"content_hash": item.ContentHash,
				"updated_at":   time.Now(),
			}).Error
		if err != nil {
			return inserted, fmt.Errorf("failed to update feed item: %w", err)
		}
	}
	return inserted, nil
}

func (s *Store) CountFeedItems(ctx context.Context, feedURL string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&FeedItem{}).
		Where("feed_url = ?", feedURL).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count feed items: %w", err)
	}
	return count, nil
}

// SelectFeedsForRefresh picks the per-cycle refresh batch: distinct feeds
// subscribed to by users active inside the trailing window, excluding feeds
// over the error threshold, stalest first and then by subscriber count.
func (s *Store) SelectFeedsForRefresh(ctx context.Context, activeWindow time.Duration, errorThreshold, limit int) ([]string, error) {
	activeSince := time.Now().Add(-activeWindow)
	var feedURLs []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT s.feed_url FROM subscriptions s
		 JOIN users u ON u.did = s.user_did AND u.last_active_at > ?
		 LEFT JOIN feed_metas m ON m.feed_url = s.feed_url
		 WHERE COALESCE(m.error_count, 0) < ?
		 GROUP BY s.feed_url
		 ORDER BY COALESCE(MIN(m.last_scheduled_at), '0001-01-01') ASC,
		          COUNT(DISTINCT s.user_did) DESC
		 LIMIT ?`,
		activeSince, errorThreshold, limit,
	).Scan(&feedURLs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select feeds for refresh: %w", err)
	}
	return feedURLs, nil
}

// SubscribersOf returns the DIDs currently subscribed to a feed, queried
// fresh at fan-out time.
func (s *Store) SubscribersOf(ctx context.Context, feedURL string) ([]string, error) {
	var dids []string
	err := s.db.WithContext(ctx).Model(&Subscription{}).
		Where("feed_url = ?", feedURL).
		Distinct().
		Pluck("user_did", &dids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get subscribers: %w", err)
	}
	return dids, nil
}

func (s *Store) AddSubscription(ctx context.Context, userDID, feedURL string) error {
	sub := Subscription{UserDID: userDID, FeedURL: feedURL}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_did"}, {Name: "feed_url"}},
		DoNothing: true,
	}).Create(&sub).Error
	if err != nil {
		return fmt.Errorf("failed to add subscription: %w", err)
	}
	return nil
}
