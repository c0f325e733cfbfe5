package gormaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mickamy/auditry"
)

// LogEntry is the gorm model of a persisted auditry.LogEntry.
type LogEntry struct {
	ID         uint   `gorm:"primaryKey"`
	EntityType string `gorm:"size:100;not null;index:idx_auditlog_entity"`
	EntityID   string `gorm:"size:100;not null;index:idx_auditlog_entity"`
	Action     string `gorm:"size:10;not null"`
	Changes    string `gorm:"type:text;not null"`
	Actor      string `gorm:"size:255"`
	TraceID    string `gorm:"size:255"`
	Reason     string `gorm:"type:text"`
	CreatedAt  time.Time
}

func (LogEntry) TableName() string {
	return "auditlog_entries"
}

// Store is an auditry.Store writing LogEntry rows. Inside callbacks it writes
// through the statement's own connection.
type Store struct {
	db *gorm.DB
}

var _ auditry.Store = (*Store)(nil)

// NewStore returns a Store using db outside callbacks.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) session(ctx context.Context) *gorm.DB {
	return dbFrom(ctx, s.db).Session(&gorm.Session{NewDB: true, Context: ctx, SkipHooks: true})
}

// Append inserts e. Write errors are returned as is.
func (s *Store) Append(ctx context.Context, e auditry.LogEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("gormaudit: failed to marshal changes: %w", err)
	}
	row := LogEntry{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     string(e.Action),
		Changes:    string(changes),
		Actor:      e.Actor,
		TraceID:    e.TraceID,
		Reason:     e.Reason,
		CreatedAt:  e.Timestamp,
	}
	return s.session(ctx).Create(&row).Error
}

// Entries returns the log of one entity instance, oldest first.
func (s *Store) Entries(ctx context.Context, entityType, entityID string) ([]auditry.LogEntry, error) {
	var rows []LogEntry
	if err := s.session(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]auditry.LogEntry, 0, len(rows))
	for _, r := range rows {
		e := auditry.LogEntry{
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Action:     auditry.Action(r.Action),
			Timestamp:  r.CreatedAt,
			Actor:      r.Actor,
			TraceID:    r.TraceID,
			Reason:     r.Reason,
		}
		if err := json.Unmarshal([]byte(r.Changes), &e.Changes); err != nil {
			return nil, fmt.Errorf("gormaudit: failed to decode changes of entry %d: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
