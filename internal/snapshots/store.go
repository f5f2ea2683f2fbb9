// Package snapshots persists the master snapshot record and sync watermark of each room.
package snapshots

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("snapshots: database handle is required")
	// ErrNotFound indicates the room has no record.
	ErrNotFound = errors.New("snapshots: not found")
)

// Master describes the most recent compacted document of a room.
type Master struct {
	RoomName              string `gorm:"column:room_name;primaryKey;size:190;not null"`
	StorageRef            string `gorm:"column:storage_ref;size:64;not null"`
	Version               int64  `gorm:"column:version;not null;default:0"`
	IsActive              bool   `gorm:"column:is_active;not null"`
	CreatedBy             string `gorm:"column:created_by;size:190;not null;default:''"`
	CreatedAtSeconds      int64  `gorm:"column:created_at_s;not null"`
	LastModifiedBy        string `gorm:"column:last_modified_by;size:190;not null;default:''"`
	LastModifiedAtSeconds int64  `gorm:"column:last_modified_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Master) TableName() string {
	return "document_masters"
}

// Watermark records the highest log version folded into the master snapshot
// during the current room epoch.
type Watermark struct {
	RoomName         string `gorm:"column:room_name;primaryKey;size:190;not null"`
	LastSavedVersion int64  `gorm:"column:last_saved_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Watermark) TableName() string {
	return "document_sync_watermarks"
}

// Store reads and writes master and watermark records.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store on top of a gorm connection.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: db}, nil
}

// FindMaster loads the room's master record regardless of its activity state.
func (s *Store) FindMaster(ctx context.Context, roomName string) (Master, error) {
	var master Master
	err := s.db.WithContext(ctx).Where("room_name = ?", roomName).Take(&master).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Master{}, ErrNotFound
	}
	if err != nil {
		return Master{}, fmt.Errorf("snapshots: find master: %w", err)
	}
	return master, nil
}

// UpsertMaster inserts or replaces the room's master record. The creation audit
// fields of an existing record are preserved.
func (s *Store) UpsertMaster(ctx context.Context, master Master) error {
	return upsertMaster(s.db.WithContext(ctx), master)
}

// SaveCheckpoint upserts the master and moves the watermark to lastSavedVersion
// in one transaction.
func (s *Store) SaveCheckpoint(ctx context.Context, master Master, lastSavedVersion int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertMaster(tx, master); err != nil {
			return err
		}
		return upsertWatermark(tx, master.RoomName, lastSavedVersion)
	})
}

func upsertMaster(db *gorm.DB, master Master) error {
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"storage_ref",
			"version",
			"is_active",
			"last_modified_by",
			"last_modified_at_s",
		}),
	}).Create(&master).Error
	if err != nil {
		return fmt.Errorf("snapshots: upsert master: %w", err)
	}
	return nil
}

// SetMasterActive flips the activity flag and stamps the modification audit fields.
func (s *Store) SetMasterActive(ctx context.Context, roomName string, active bool, modifiedBy string, modifiedAtSeconds int64) error {
	result := s.db.WithContext(ctx).
		Model(&Master{}).
		Where("room_name = ?", roomName).
		Updates(map[string]any{
			"is_active":          active,
			"last_modified_by":   modifiedBy,
			"last_modified_at_s": modifiedAtSeconds,
		})
	if result.Error != nil {
		return fmt.Errorf("snapshots: set master active: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindWatermark loads the room's watermark.
func (s *Store) FindWatermark(ctx context.Context, roomName string) (Watermark, error) {
	var watermark Watermark
	err := s.db.WithContext(ctx).Where("room_name = ?", roomName).Take(&watermark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Watermark{}, ErrNotFound
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("snapshots: find watermark: %w", err)
	}
	return watermark, nil
}

// UpsertWatermark stores the last folded version for the room.
func (s *Store) UpsertWatermark(ctx context.Context, roomName string, lastSavedVersion int64) error {
	return upsertWatermark(s.db.WithContext(ctx), roomName, lastSavedVersion)
}

func upsertWatermark(db *gorm.DB, roomName string, lastSavedVersion int64) error {
	watermark := Watermark{RoomName: roomName, LastSavedVersion: lastSavedVersion}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_saved_version"}),
	}).Create(&watermark).Error
	if err != nil {
		return fmt.Errorf("snapshots: upsert watermark: %w", err)
	}
	return nil
}

// DeleteWatermark removes the room's watermark. Deleting a missing watermark succeeds.
func (s *Store) DeleteWatermark(ctx context.Context, roomName string) error {
	if err := s.db.WithContext(ctx).Where("room_name = ?", roomName).Delete(&Watermark{}).Error; err != nil {
		return fmt.Errorf("snapshots: delete watermark: %w", err)
	}
	return nil
}
