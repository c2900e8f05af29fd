package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	slogGorm "github.com/orandin/slog-gorm"
)

var ErrNotFound = errors.New("not found")

// Store wraps the local relational cache shared by the firehose ingester, the
// feed refresher, and the realtime hub.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

func Open(path string, logger *slog.Logger, migrate bool) (*Store, error) {
	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// Set pragmas for performance
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=normal;")

	if migrate {
		err = db.AutoMigrate(
			&Cursor{},
			&WatchedRepo{},
			&User{},
			&Follow{},
			&AppFollow{},
			&Share{},
			&FeedMeta{},
			&FeedItem{},
			&Subscription{},
			&Session{},
			&HubAttachment{},
			&ScheduleMark{},
			&InstanceLease{},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &Store{
		logger: logger.With("module", "store"),
		db:     db,
	}, nil
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetCursor returns the persisted resume position for a stream. The second
// return is false when no cursor exists yet and the caller should establish a
// baseline.
func (s *Store) GetCursor(ctx context.Context, streamID string) (int64, bool, error) {
	var c Cursor
	err := s.db.WithContext(ctx).First(&c, "stream_id = ?", streamID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c.Position, true, nil
}

func (s *Store) SaveCursor(ctx context.Context, streamID string, position int64) error {
	c := Cursor{StreamID: streamID, Position: position}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	cursorSaves.WithLabelValues(streamID).Inc()
	return nil
}

// RegisterWatchedRepo adds a DID to the firehose filter set. Re-registration
// is a no-op.
func (s *Store) RegisterWatchedRepo(ctx context.Context, did, source string) error {
	w := WatchedRepo{DID: did, Source: source}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoNothing: true,
	}).Create(&w).Error
	if err != nil {
		return fmt.Errorf("failed to register watched repo: %w", err)
	}
	return nil
}

// SeedWatchedRepos bulk-loads the watch set from existing users, for cold
// starts where registrations predate the ingester.
func (s *Store) SeedWatchedRepos(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO watched_repos (did, source, created_at, updated_at)
		 SELECT did, 'seed', ?, ? FROM users
		 WHERE did NOT IN (SELECT did FROM watched_repos)`,
		time.Now(), time.Now(),
	)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to seed watched repos: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// WatchedRepos returns up to limit DIDs, most recently registered first, to
// keep subscription URLs bounded.
func (s *Store) WatchedRepos(ctx context.Context, limit int) ([]string, error) {
	var dids []string
	err := s.db.WithContext(ctx).Model(&WatchedRepo{}).
		Order("updated_at DESC").
		Limit(limit).
		Pluck("did", &dids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list watched repos: %w", err)
	}
	return dids, nil
}

// SessionDID resolves a bearer token against the session cache. Expired or
// unknown tokens return ErrNotFound.
func (s *Store) SessionDID(ctx context.Context, token string) (string, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, "token = ?", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	if !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Before(time.Now()) {
		return "", ErrNotFound
	}
	return sess.DID, nil
}

func (s *Store) PutSession(ctx context.Context, token, did string, expiresAt time.Time) error {
	sess := Session{Token: token, DID: did, ExpiresAt: expiresAt}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"did", "expires_at"}),
	}).Create(&sess).Error
	if err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

func (s *Store) PutAttachment(ctx context.Context, a *HubAttachment) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conn_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "did", "last_heartbeat", "updated_at"}),
	}).Create(a).Error
	if err != nil {
		return fmt.Errorf("failed to put attachment: %w", err)
	}
	return nil
}

func (s *Store) DeleteAttachment(ctx context.Context, connID string) error {
	err := s.db.WithContext(ctx).Delete(&HubAttachment{}, "conn_id = ?", connID).Error
	if err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

func (s *Store) ListAttachments(ctx context.Context) ([]HubAttachment, error) {
	var attachments []HubAttachment
	err := s.db.WithContext(ctx).Find(&attachments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return attachments, nil
}

// GetScheduleMark returns the durable next-due timestamp for a task. The
// second return is false when the task has never been scheduled.
func (s *Store) GetScheduleMark(ctx context.Context, task string) (time.Time, bool, error) {
	var m ScheduleMark
	err := s.db.WithContext(ctx).First(&m, "task = ?", task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get schedule mark: %w", err)
	}
	return m.NextDueAt, true, nil
}

func (s *Store) SetScheduleMark(ctx context.Context, task string, nextDueAt time.Time) error {
	m := ScheduleMark{Task: task, NextDueAt: nextDueAt}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_due_at", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to set schedule mark: %w", err)
	}
	return nil
}

func (s *Store) ClearScheduleMark(ctx context.Context, task string) error {
	err := s.db.WithContext(ctx).Delete(&ScheduleMark{}, "task = ?", task).Error
	if err != nil {
		return fmt.Errorf("failed to clear schedule mark: %w", err)
	}
	return nil
}

// PeekLease returns the named lease without contending for it. Absent leases
// return ErrNotFound.
func (s *Store) PeekLease(ctx context.Context, name string) (*InstanceLease, error) {
	var lease InstanceLease
	err := s.db.WithContext(ctx).First(&lease, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to peek lease: %w", err)
	}
	return &lease, nil
}

// AcquireLease takes or refreshes the named lease for holder. It returns
// false when another holder's lease is still fresh.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease InstanceLease
		err := tx.First(&lease, "name = ?", name).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && lease.Holder != holder && time.Since(lease.RefreshedAt) < ttl {
			return nil
		}
		lease.Name = name
		lease.Holder = holder
		lease.RefreshedAt = time.Now()
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"holder", "refreshed_at", "updated_at"}),
		}).Create(&lease).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return acquired, nil
}
