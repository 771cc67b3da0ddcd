package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"main/pkg/exception"
)

// kvEntry is the backing row for one key.
type kvEntry struct {
	Key       string `gorm:"column:k;primaryKey;size:255"`
	Value     string `gorm:"column:v"`
	ExpiresAt *time.Time
}

func (kvEntry) TableName() string { return "kv_entries" }

// Postgres persists keys in a single table with per-row expiry.
// Increments are single upsert statements so concurrent engine
// instances never lose updates.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres creates a store backed by db and migrates its table.
func NewPostgres(db *gorm.DB) (*Postgres, error) {
	if db == nil {
		return nil, exception.ErrStoreNilClient
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	var value int64
	err := p.db.WithContext(ctx).Raw(`
		INSERT INTO kv_entries (k, v, expires_at) VALUES (?, '1', ?)
		ON CONFLICT (k) DO UPDATE SET
			v = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at < NOW()
				THEN '1'
				ELSE (kv_entries.v::bigint + 1)::text
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at < NOW()
				THEN EXCLUDED.expires_at
				ELSE kv_entries.expires_at
			END
		RETURNING v::bigint`, key, expiresAt).Scan(&value).Error
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var entry kvEntry
	err := p.db.WithContext(ctx).
		Where("k = ? AND (expires_at IS NULL OR expires_at >= NOW())", key).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	return p.db.WithContext(ctx).Exec(`
		INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (k) DO UPDATE SET
			v = EXCLUDED.v,
			expires_at = EXCLUDED.expires_at`, key, value, expiresAt).Error
}

func (p *Postgres) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	result := p.db.WithContext(ctx).Exec(`
		INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (k) DO UPDATE SET
			v = EXCLUDED.v,
			expires_at = EXCLUDED.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at < NOW()`,
		key, value, expiresAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	return p.db.WithContext(ctx).Where("k = ?", key).Delete(&kvEntry{}).Error
}

func (p *Postgres) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	result := p.db.WithContext(ctx).
		Where("k LIKE ?", prefix+"%").
		Delete(&kvEntry{})
	return result.RowsAffected, result.Error
}
