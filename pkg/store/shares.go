package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// UpsertShare writes a share keyed by its record URI (repo_did, r_key). A
// replayed commit overwrites the row with the same final values, so
// overlap redelivery is harmless.
func (s *Store) UpsertShare(ctx context.Context, share *Share) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "repo_did"}, {Name: "r_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"cid", "stream_time_us", "url", "title", "note", "posted_at",
			"author_handle", "author_display_name", "author_avatar",
			"article_title", "article_image", "updated_at",
		}),
	}).Create(share).Error
	if err != nil {
		return fmt.Errorf("failed to upsert share: %w", err)
	}
	shareUpserts.Inc()
	return nil
}

// DeleteShare removes a share by its natural key. Deleting a row that does
// not exist is a successful no-op.
func (s *Store) DeleteShare(ctx context.Context, repoDID, rkey string) error {
	err := s.db.WithContext(ctx).
		Delete(&Share{}, "repo_did = ? AND r_key = ?", repoDID, rkey).Error
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	return nil
}

func (s *Store) GetShare(ctx context.Context, repoDID, rkey string) (*Share, error) {
	var share Share
	err := s.db.WithContext(ctx).
		First(&share, "repo_did = ? AND r_key = ?", repoDID, rkey).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return &share, nil
}

// UpsertUserProfile caches resolved profile fields for a DID without
// touching activity tracking.
func (s *Store) UpsertUserProfile(ctx context.Context, did, handle, displayName, avatar string) error {
	u := User{DID: did, Handle: handle, DisplayName: displayName, Avatar: avatar}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle", "display_name", "avatar", "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// TouchUserActivity stamps a user as recently active, which keeps their
// subscribed feeds in the refresh selection window.
func (s *Store) TouchUserActivity(ctx context.Context, did string) error {
	u := User{DID: did, LastActiveAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_active_at", "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return fmt.Errorf("failed to touch user activity: %w", err)
	}
	return nil
}
