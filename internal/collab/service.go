// Package collab sequences room edits, reconciles concurrent ones, and folds the
// operation log into master snapshots.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/doccollab/internal/docmodel"
	"github.com/MarcoPoloResearchLab/doccollab/internal/events"
	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
	"github.com/MarcoPoloResearchLab/doccollab/internal/roomlock"
	"github.com/MarcoPoloResearchLab/doccollab/internal/snapshots"
	"go.uber.org/zap"
)

var (
	errMissingLogStore      = errors.New("operation log store is required")
	errMissingSnapshotStore = errors.New("snapshot store is required")
	errMissingBlobStore     = errors.New("blob store is required")
	errMissingModel         = errors.New("document model is required")
	errMissingTransformer   = errors.New("transformer is required")
	noOpLogger              = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "collab.service.new"
	opSubmit           = "collab.submit"
	opFetchSince       = "collab.fetch_since"
	opCompact          = "collab.compact"
	opCloseRoom        = "collab.close_room"
	opImportDocument   = "collab.import_document"
	opDownloadSnapshot = "collab.download_snapshot"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// BlobStore keeps rendered snapshots.
type BlobStore interface {
	Put(ctx context.Context, roomName string, data []byte) (string, error)
	Get(ctx context.Context, roomName string, ref string) ([]byte, error)
	Delete(ctx context.Context, roomName string, ref string) error
}

// ServiceConfig wires the service's collaborators.
type ServiceConfig struct {
	LogStore      *oplog.Store
	SnapshotStore *snapshots.Store
	BlobStore     BlobStore
	Publisher     events.Publisher
	Model         docmodel.Model
	Transformer   docmodel.Transformer
	Compaction    CompactionOptions
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service implements the version reconciler and the snapshot compactor.
type Service struct {
	log         *oplog.Store
	snapshots   *snapshots.Store
	blobs       BlobStore
	publisher   events.Publisher
	model       docmodel.Model
	transformer docmodel.Transformer
	threshold   int64
	scheduler   *compactionScheduler
	clock       func() time.Time
	logger      *zap.Logger

	submitLocks  *roomlock.Locker
	compactLocks *roomlock.Locker
}

// NewService validates the configuration and starts the compaction workers.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.LogStore == nil {
		return nil, newServiceError(opServiceNew, "missing_log_store", errMissingLogStore)
	}
	if cfg.SnapshotStore == nil {
		return nil, newServiceError(opServiceNew, "missing_snapshot_store", errMissingSnapshotStore)
	}
	if cfg.BlobStore == nil {
		return nil, newServiceError(opServiceNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.Model == nil {
		return nil, newServiceError(opServiceNew, "missing_model", errMissingModel)
	}
	if cfg.Transformer == nil {
		return nil, newServiceError(opServiceNew, "missing_transformer", errMissingTransformer)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}

	compaction := cfg.Compaction.withDefaults()
	service := &Service{
		log:          cfg.LogStore,
		snapshots:    cfg.SnapshotStore,
		blobs:        cfg.BlobStore,
		publisher:    publisher,
		model:        cfg.Model,
		transformer:  cfg.Transformer,
		threshold:    compaction.Threshold,
		clock:        clock,
		logger:       logger,
		submitLocks:  roomlock.New(),
		compactLocks: roomlock.New(),
	}
	service.scheduler = newCompactionScheduler(service.compactPartial, compaction, logger)
	return service, nil
}

// Close stops the compaction workers after their in-flight compactions finish.
func (s *Service) Close() {
	s.scheduler.close()
}

// savedVersion is the version the current epoch builds on: the higher of the
// watermark and the snapshot version, or zero for a room without either. The
// snapshot version wins when a compaction stored the master but failed before
// the watermark or log caught up, so those edits are never folded twice.
func (s *Service) savedVersion(ctx context.Context, roomName string) (int64, error) {
	var saved int64
	watermark, err := s.snapshots.FindWatermark(ctx, roomName)
	switch {
	case err == nil:
		saved = watermark.LastSavedVersion
	case !errors.Is(err, snapshots.ErrNotFound):
		return 0, err
	}
	master, err := s.snapshots.FindMaster(ctx, roomName)
	if errors.Is(err, snapshots.ErrNotFound) {
		return saved, nil
	}
	if err != nil {
		return 0, err
	}
	return max(saved, master.Version), nil
}

func (s *Service) findMaster(ctx context.Context, roomName string) (snapshots.Master, bool, error) {
	master, err := s.snapshots.FindMaster(ctx, roomName)
	if errors.Is(err, snapshots.ErrNotFound) {
		return snapshots.Master{}, false, nil
	}
	if err != nil {
		return snapshots.Master{}, false, err
	}
	return master, true, nil
}

func (s *Service) loadDocument(ctx context.Context, roomName string, master snapshots.Master, hasMaster bool) (docmodel.Document, error) {
	if !hasMaster || master.StorageRef == "" {
		return s.model.NewDocument(), nil
	}
	data, err := s.blobs.Get(ctx, roomName, master.StorageRef)
	if err != nil {
		return nil, err
	}
	return s.model.LoadDocument(data)
}

// applyOperations folds operations into the document. An operation the document
// rejects is skipped so one bad edit cannot wedge the room.
func (s *Service) applyOperations(document docmodel.Document, operations []Operation) {
	for _, operation := range operations {
		if err := document.Apply(operation.Payload); err != nil {
			s.loggerOrDefault().Warn(
				"edit skipped",
				zap.String("room_name", operation.RoomName),
				zap.Int64("server_version", operation.ServerVersion),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("collab service error", attrs...)
}
