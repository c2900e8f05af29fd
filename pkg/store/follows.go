package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// UpsertFollow writes a bsky follow edge keyed by (follower_did, r_key).
func (s *Store) UpsertFollow(ctx context.Context, f *Follow) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "follower_did"}, {Name: "r_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject_did", "updated_at"}),
	}).Create(f).Error
	if err != nil {
		return fmt.Errorf("failed to upsert follow: %w", err)
	}
	followUpserts.WithLabelValues("follow").Inc()
	return nil
}

func (s *Store) DeleteFollow(ctx context.Context, followerDID, rkey string) error {
	err := s.db.WithContext(ctx).
		Delete(&Follow{}, "follower_did = ? AND r_key = ?", followerDID, rkey).Error
	if err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	return nil
}

// UpsertAppFollow writes an in-app follow edge, same contract as
// UpsertFollow but its own table.
func (s *Store) UpsertAppFollow(ctx context.Context, f *AppFollow) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "follower_did"}, {Name: "r_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject_did", "updated_at"}),
	}).Create(f).Error
	if err != nil {
		return fmt.Errorf("failed to upsert app follow: %w", err)
	}
	followUpserts.WithLabelValues("app_follow").Inc()
	return nil
}

func (s *Store) DeleteAppFollow(ctx context.Context, followerDID, rkey string) error {
	err := s.db.WithContext(ctx).
		Delete(&AppFollow{}, "follower_did = ? AND r_key = ?", followerDID, rkey).Error
	if err != nil {
		return fmt.Errorf("failed to delete app follow: %w", err)
	}
	return nil
}

// FollowersOf returns the DIDs currently following the subject across both
// edge tables. The hub queries this fresh at every fan-out, never caching
// per-connection follower lists.
func (s *Store) FollowersOf(ctx context.Context, subjectDID string) ([]string, error) {
	var dids []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT follower_did FROM follows WHERE subject_did = ?
		 UNION
		 SELECT follower_did FROM app_follows WHERE subject_did = ?`,
		subjectDID, subjectDID,
	).Scan(&dids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get followers: %w", err)
	}
	return dids, nil
}
