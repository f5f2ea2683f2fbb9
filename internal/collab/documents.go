package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
	"github.com/MarcoPoloResearchLab/doccollab/internal/snapshots"
	"go.uber.org/zap"
)

// ImportDocument opens the room's document. A room without a snapshot is seeded
// from the supplied content; a closed room is reactivated and starts a new epoch
// at its snapshot version. The returned content includes every outstanding edit.
func (s *Service) ImportDocument(ctx context.Context, request ImportRequest) (ImportResult, error) {
	name, err := NewRoomName(request.RoomName)
	if err != nil {
		return ImportResult{}, newServiceError(opImportDocument, "invalid_room_name", err)
	}
	room := name.String()
	roomField := zap.String("room_name", room)

	unlockSubmit, err := s.submitLocks.Lock(ctx, room)
	if err != nil {
		return ImportResult{}, newServiceError(opImportDocument, "lock_failed", err)
	}
	defer unlockSubmit()
	unlockCompact, err := s.compactLocks.Lock(ctx, room)
	if err != nil {
		return ImportResult{}, newServiceError(opImportDocument, "lock_failed", err)
	}
	defer unlockCompact()

	master, hasMaster, err := s.findMaster(ctx, room)
	if err != nil {
		s.logError(opImportDocument, "master_select_failed", err, roomField)
		return ImportResult{}, newServiceError(opImportDocument, "master_select_failed", err)
	}
	now := s.clock().UTC().Unix()

	switch {
	case !hasMaster && request.Content != nil:
		document, err := s.model.LoadDocument([]byte(*request.Content))
		if err != nil {
			return ImportResult{}, newServiceError(opImportDocument, "invalid_document", fmt.Errorf("%w: %v", ErrInvalidDocument, err))
		}
		rendered, err := document.Render()
		if err != nil {
			s.logError(opImportDocument, "render_failed", err, roomField)
			return ImportResult{}, newServiceError(opImportDocument, "render_failed", err)
		}
		ref, err := s.blobs.Put(ctx, room, rendered)
		if err != nil {
			s.logError(opImportDocument, "upload_failed", err, roomField)
			return ImportResult{}, newServiceError(opImportDocument, "upload_failed", err)
		}
		master = snapshots.Master{
			RoomName:              room,
			StorageRef:            ref,
			Version:               0,
			IsActive:              true,
			CreatedBy:             request.RequestedBy,
			CreatedAtSeconds:      now,
			LastModifiedBy:        request.RequestedBy,
			LastModifiedAtSeconds: now,
		}
		if err := s.snapshots.SaveCheckpoint(ctx, master, 0); err != nil {
			s.logError(opImportDocument, "master_upsert_failed", err, roomField)
			if deleteErr := s.blobs.Delete(ctx, room, ref); deleteErr != nil {
				s.loggerOrDefault().Warn("orphaned snapshot blob", roomField, zap.String("storage_ref", ref), zap.Error(deleteErr))
			}
			return ImportResult{}, newServiceError(opImportDocument, "master_upsert_failed", err)
		}
		hasMaster = true
	case hasMaster && !master.IsActive:
		if err := s.snapshots.SetMasterActive(ctx, room, true, request.RequestedBy, now); err != nil {
			s.logError(opImportDocument, "master_activate_failed", err, roomField)
			return ImportResult{}, newServiceError(opImportDocument, "master_activate_failed", err)
		}
		master.IsActive = true
		if err := s.snapshots.UpsertWatermark(ctx, room, master.Version); err != nil {
			s.logError(opImportDocument, "watermark_upsert_failed", err, roomField)
			return ImportResult{}, newServiceError(opImportDocument, "watermark_upsert_failed", err)
		}
	case hasMaster:
		if _, err := s.snapshots.FindWatermark(ctx, room); errors.Is(err, snapshots.ErrNotFound) {
			if err := s.snapshots.UpsertWatermark(ctx, room, master.Version); err != nil {
				s.logError(opImportDocument, "watermark_upsert_failed", err, roomField)
				return ImportResult{}, newServiceError(opImportDocument, "watermark_upsert_failed", err)
			}
		} else if err != nil {
			s.logError(opImportDocument, "watermark_select_failed", err, roomField)
			return ImportResult{}, newServiceError(opImportDocument, "watermark_select_failed", err)
		}
	}

	saved, err := s.savedVersion(ctx, room)
	if err != nil {
		s.logError(opImportDocument, "watermark_select_failed", err, roomField)
		return ImportResult{}, newServiceError(opImportDocument, "watermark_select_failed", err)
	}
	document, err := s.loadDocument(ctx, room, master, hasMaster)
	if err != nil {
		s.logError(opImportDocument, "master_load_failed", err, roomField)
		return ImportResult{}, newServiceError(opImportDocument, "master_load_failed", err)
	}
	reconciled, _, err := s.loadReconciled(ctx, s.log, room, saved+1, oplog.Unbounded)
	if err != nil {
		s.logError(opImportDocument, "log_select_failed", err, roomField)
		return ImportResult{}, newServiceError(opImportDocument, "log_select_failed", err)
	}
	pending := operationsAfter(reconciled, saved)
	s.applyOperations(document, pending)
	rendered, err := document.Render()
	if err != nil {
		s.logError(opImportDocument, "render_failed", err, roomField)
		return ImportResult{}, newServiceError(opImportDocument, "render_failed", err)
	}

	version := saved
	if len(pending) > 0 {
		version = pending[len(pending)-1].ServerVersion
	}
	return ImportResult{Version: version, SavedVersion: saved, Content: rendered}, nil
}

// DownloadSnapshot returns the rendered document of the room's active snapshot.
func (s *Service) DownloadSnapshot(ctx context.Context, roomName string) ([]byte, error) {
	name, err := NewRoomName(roomName)
	if err != nil {
		return nil, newServiceError(opDownloadSnapshot, "invalid_room_name", err)
	}
	room := name.String()
	unlock, err := s.compactLocks.Lock(ctx, room)
	if err != nil {
		return nil, newServiceError(opDownloadSnapshot, "lock_failed", err)
	}
	defer unlock()

	master, hasMaster, err := s.findMaster(ctx, room)
	if err != nil {
		s.logError(opDownloadSnapshot, "master_select_failed", err, zap.String("room_name", room))
		return nil, newServiceError(opDownloadSnapshot, "master_select_failed", err)
	}
	if !hasMaster || !master.IsActive {
		return nil, newServiceError(opDownloadSnapshot, "not_found", fmt.Errorf("%w: %s", ErrSnapshotNotFound, room))
	}
	data, err := s.blobs.Get(ctx, room, master.StorageRef)
	if err != nil {
		s.logError(opDownloadSnapshot, "blob_read_failed", err, zap.String("room_name", room))
		return nil, newServiceError(opDownloadSnapshot, "blob_read_failed", err)
	}
	return data, nil
}
