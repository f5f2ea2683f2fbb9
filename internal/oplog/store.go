// Package oplog persists the per-room append-only operation log.
package oplog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

const (
	tablePrefix     = "doc_oplog_"
	tableHashLength = 20
)

// Unbounded disables the upper bound of Range.
const Unbounded int64 = -1

// ErrMissingDatabase indicates the store was constructed without a database handle.
var ErrMissingDatabase = errors.New("oplog: database handle is required")

// Entry is one row of a room's log. ServerVersion is the primary key, which
// rejects a second writer claiming the same version.
type Entry struct {
	ServerVersion    int64  `gorm:"column:server_version;primaryKey;autoIncrement:false"`
	ClientVersion    int64  `gorm:"column:client_version;not null"`
	Payload          string `gorm:"column:payload;type:text;not null"`
	SubmittedBy      string `gorm:"column:submitted_by;size:190;not null;default:''"`
	ConnectionID     string `gorm:"column:connection_id;size:190;not null;default:''"`
	IsTransformed    bool   `gorm:"column:is_transformed;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName derives the log table for a room. Room names are hashed so any
// name maps to a valid identifier on every supported dialect.
func TableName(roomName string) string {
	sum := sha256.Sum256([]byte(roomName))
	return tablePrefix + hex.EncodeToString(sum[:])[:tableHashLength]
}

// Store reads and writes room logs.
type Store struct {
	db     *gorm.DB
	tables *sync.Map
}

// NewStore constructs a Store on top of a gorm connection.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: db, tables: &sync.Map{}}, nil
}

// Transaction runs fn against a Store bound to a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, tables: s.tables})
	})
}

// Ensure creates the room's log table when it does not exist yet.
func (s *Store) Ensure(ctx context.Context, roomName string) error {
	name := TableName(roomName)
	if _, ok := s.tables.Load(name); ok {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(name).AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("oplog: create %s: %w", name, err)
	}
	s.tables.Store(name, struct{}{})
	return nil
}

// Exists reports whether the room currently has a log.
func (s *Store) Exists(ctx context.Context, roomName string) (bool, error) {
	name := TableName(roomName)
	if _, ok := s.tables.Load(name); ok {
		return true, nil
	}
	exists := s.db.WithContext(ctx).Migrator().HasTable(name)
	if exists {
		s.tables.Store(name, struct{}{})
	}
	return exists, nil
}

// Append inserts a new entry. A duplicate server version fails.
func (s *Store) Append(ctx context.Context, roomName string, entry Entry) error {
	if err := s.db.WithContext(ctx).Table(TableName(roomName)).Create(&entry).Error; err != nil {
		return fmt.Errorf("oplog: append version %d: %w", entry.ServerVersion, err)
	}
	return nil
}

// MaxVersion returns the highest stored version, or 0 for an empty or missing log.
func (s *Store) MaxVersion(ctx context.Context, roomName string) (int64, error) {
	exists, err := s.Exists(ctx, roomName)
	if err != nil || !exists {
		return 0, err
	}
	var maxVersion int64
	row := s.db.WithContext(ctx).Table(TableName(roomName)).Select("COALESCE(MAX(server_version), 0)").Row()
	if err := row.Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("oplog: max version: %w", err)
	}
	return maxVersion, nil
}

// Range returns entries with from <= server_version <= to in ascending order.
// Pass Unbounded as to for an open range.
func (s *Store) Range(ctx context.Context, roomName string, from int64, to int64) ([]Entry, error) {
	exists, err := s.Exists(ctx, roomName)
	if err != nil || !exists {
		return nil, err
	}
	query := s.db.WithContext(ctx).Table(TableName(roomName)).Where("server_version >= ?", from)
	if to != Unbounded {
		query = query.Where("server_version <= ?", to)
	}
	var entries []Entry
	if err := query.Order("server_version ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("oplog: range [%d, %d]: %w", from, to, err)
	}
	return entries, nil
}

// UpdatePayload stores a reconciled payload and marks the entry transformed.
func (s *Store) UpdatePayload(ctx context.Context, roomName string, serverVersion int64, payload string) error {
	result := s.db.WithContext(ctx).
		Table(TableName(roomName)).
		Where("server_version = ?", serverVersion).
		Updates(map[string]any{"payload": payload, "is_transformed": true})
	if result.Error != nil {
		return fmt.Errorf("oplog: update version %d: %w", serverVersion, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("oplog: update version %d: %w", serverVersion, gorm.ErrRecordNotFound)
	}
	return nil
}

// Drop removes the room's log table.
func (s *Store) Drop(ctx context.Context, roomName string) error {
	name := TableName(roomName)
	if err := s.db.WithContext(ctx).Migrator().DropTable(name); err != nil {
		return fmt.Errorf("oplog: drop %s: %w", name, err)
	}
	s.tables.Delete(name)
	return nil
}
