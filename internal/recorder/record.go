package recorder

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"main/pkg/exception"
)

// Record is one audit trail entry. Payload holds the JSON-encoded
// subject of the event, typically an order snapshot.
type Record struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Kind      string    `gorm:"size:64;index"`
	Payload   []byte    `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"index"`
}

func (Record) TableName() string { return "audit_records" }

// Sink persists record batches.
type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// GormSink writes audit records to a relational table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink creates a sink backed by db and migrates its table.
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if db == nil {
		return nil, exception.ErrStoreNilClient
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Write(ctx context.Context, records []Record) error {
	return s.db.WithContext(ctx).Create(&records).Error
}

// Recent returns the newest records up to limit, newest first.
func (s *GormSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MemorySink buffers records in memory. Tests and dry runs only.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
