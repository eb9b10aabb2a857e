package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when no record exists for the requested sandbox id.
var ErrNotFound = errors.New("sandbox record not found")

// Status values for a sandbox record lifecycle.
const (
	StatusProvisioned = "provisioned"
	StatusRunning     = "running"
	StatusMissing     = "missing"
	StatusDeleted     = "deleted"
)

// SandboxRecord is the persisted fact binding a sandbox id to its owner
// and environment handle. The ownership pair (UserID, ID) is the sole
// source of truth for access control and outlives the container itself.
type SandboxRecord struct {
	ID            string    `gorm:"primaryKey;column:id"`
	UserID        string    `gorm:"column:user_id;index;not null"`
	Name          string    `gorm:"column:name"`
	ContainerName string    `gorm:"column:container_name;uniqueIndex"`
	Image         string    `gorm:"column:image"`
	Status        string    `gorm:"column:status"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the GORM default pluralization.
func (SandboxRecord) TableName() string { return "sandboxes" }

// Config holds store configuration.
type Config struct {
	Path string
}

// Store persists sandbox records and ownership facts in SQLite.
// The glebarez driver is pure Go (no CGO); WAL mode gives safe
// concurrent reads alongside inserts and deletes.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// zapWriter adapts zap to the gorm logger Writer interface.
type zapWriter struct {
	logger *zap.Logger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.logger.Sugar().Warnf(format, args...)
}

// Open creates the SQLite-backed store, running migrations on the way up.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)

	gormLogger := gormlogger.New(
		zapWriter{logger},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&SandboxRecord{}); err != nil {
		return nil, fmt.Errorf("migrating sandbox records: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Create inserts a new sandbox record. The primary key constraint makes
// concurrent creates of the same id fail rather than silently overwrite.
func (s *Store) Create(ctx context.Context, rec *SandboxRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating sandbox record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for a sandbox id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, sandboxID string) (*SandboxRecord, error) {
	var rec SandboxRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", sandboxID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sandbox record %s: %w", sandboxID, err)
	}
	return &rec, nil
}

// ListByUser returns all sandbox records owned by a user, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]SandboxRecord, error) {
	var recs []SandboxRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes for user %s: %w", userID, err)
	}
	return recs, nil
}

// IsOwner reports whether the given user owns the given sandbox id.
// This is the persisted authorization contract: no record means no access.
func (s *Store) IsOwner(ctx context.Context, userID, sandboxID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&SandboxRecord{}).
		Where("id = ? AND user_id = ?", sandboxID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking ownership of sandbox %s: %w", sandboxID, err)
	}
	return count > 0, nil
}

// Handle returns the environment handle (container name) recorded for a
// sandbox id, or ErrNotFound.
func (s *Store) Handle(ctx context.Context, sandboxID string) (string, error) {
	rec, err := s.Get(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	return rec.ContainerName, nil
}

// MarkMissing records that the environment behind a sandbox id no longer
// resolves. The ownership fact stays in place until explicit deletion.
func (s *Store) MarkMissing(ctx context.Context, sandboxID string) error {
	return s.UpdateStatus(ctx, sandboxID, StatusMissing)
}

// UpdateStatus sets the lifecycle status of a sandbox record.
func (s *Store) UpdateStatus(ctx context.Context, sandboxID, status string) error {
	res := s.db.WithContext(ctx).
		Model(&SandboxRecord{}).
		Where("id = ?", sandboxID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("updating status of sandbox %s: %w", sandboxID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", sandboxID, ErrNotFound)
	}
	return nil
}

// Delete removes the sandbox record, and with it the ownership fact.
// Deleting an already-deleted id returns ErrNotFound without touching
// any other row, which keeps repeated deletes harmless.
func (s *Store) Delete(ctx context.Context, sandboxID string) error {
	res := s.db.WithContext(ctx).Delete(&SandboxRecord{}, "id = ?", sandboxID)
	if res.Error != nil {
		return fmt.Errorf("deleting sandbox record %s: %w", sandboxID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", sandboxID, ErrNotFound)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
