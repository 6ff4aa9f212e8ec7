package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SchemaVersion is stamped on every record so recovery can reject material
// written by an incompatible build instead of silently misusing it.
const SchemaVersion = 1

var (
	// ErrNotFound indicates no record exists for the conversation
	ErrNotFound = errors.New("keystore: record not found")

	// ErrStaleRecord indicates a record with an unknown schema version
	ErrStaleRecord = errors.New("keystore: stale record version")
)

// SessionKeyRecord is the durable form of one conversation's session key
// material. The private key stays on this device; it is stored only so the
// session survives a process restart.
type SessionKeyRecord struct {
	ConversationID  string    `gorm:"primaryKey;type:text"`
	SchemaVersion   int       `gorm:"not null"`
	LocalPrivateKey []byte    `gorm:"not null"`
	LocalPublicKey  []byte    `gorm:"not null"`
	RemotePublicKey []byte    `gorm:""`
	SessionKey      []byte    `gorm:""`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime"`
}

// Complete reports whether the handshake behind this record finished
func (r *SessionKeyRecord) Complete() bool {
	return len(r.SessionKey) > 0
}

// Store persists session key material keyed by conversation id
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite-backed store at path
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore at %s: %w", path, err)
	}
	return New(db)
}

// New wraps an existing database handle, migrating the schema
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&SessionKeyRecord{}); err != nil {
		return nil, fmt.Errorf("keystore migration failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Put inserts or updates the record for its conversation id
func (s *Store) Put(ctx context.Context, rec *SessionKeyRecord) error {
	rec.SchemaVersion = SchemaVersion
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"schema_version":    rec.SchemaVersion,
				"local_private_key": rec.LocalPrivateKey,
				"local_public_key":  rec.LocalPublicKey,
				"remote_public_key": rec.RemotePublicKey,
				"session_key":       rec.SessionKey,
			}),
		}).
		Create(rec).Error
}

// Get recovers the record for a conversation. Records written under a
// different schema version are rejected with ErrStaleRecord.
func (s *Store) Get(ctx context.Context, conversationID string) (*SessionKeyRecord, error) {
	var rec SessionKeyRecord
	if err := s.db.WithContext(ctx).First(&rec, "conversation_id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrStaleRecord, rec.SchemaVersion, SchemaVersion)
	}
	return &rec, nil
}

// Evict deletes the record for a single conversation
func (s *Store) Evict(ctx context.Context, conversationID string) error {
	return s.db.WithContext(ctx).
		Delete(&SessionKeyRecord{}, "conversation_id = ?", conversationID).Error
}

// Wipe deletes all persisted key material. This is the explicit destructive
// action backing a full data wipe; plain logout only clears in-memory state.
func (s *Store) Wipe(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("1 = 1").Delete(&SessionKeyRecord{}).Error
}
