package collab

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/doccollab/internal/events"
	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
	"github.com/MarcoPoloResearchLab/doccollab/internal/snapshots"
	"go.uber.org/zap"
)

// Compact folds the log into the room's master snapshot. A partial compaction
// folds up to upToVersion and keeps the room active; a final one folds
// everything, deactivates the snapshot, and tears the room's log down.
func (s *Service) Compact(ctx context.Context, roomName string, upToVersion int64, isPartial bool) error {
	name, err := NewRoomName(roomName)
	if err != nil {
		return newServiceError(opCompact, "invalid_room_name", err)
	}
	unlock, err := s.compactLocks.Lock(ctx, name.String())
	if err != nil {
		return newServiceError(opCompact, "lock_failed", err)
	}
	defer unlock()
	return s.compactLocked(ctx, opCompact, name.String(), upToVersion, isPartial)
}

// CloseRoom runs the final compaction while holding the room's submission lock
// so no edit lands between the last read and the log drop.
func (s *Service) CloseRoom(ctx context.Context, roomName string) error {
	name, err := NewRoomName(roomName)
	if err != nil {
		return newServiceError(opCloseRoom, "invalid_room_name", err)
	}
	unlockSubmit, err := s.submitLocks.Lock(ctx, name.String())
	if err != nil {
		return newServiceError(opCloseRoom, "lock_failed", err)
	}
	defer unlockSubmit()
	unlockCompact, err := s.compactLocks.Lock(ctx, name.String())
	if err != nil {
		return newServiceError(opCloseRoom, "lock_failed", err)
	}
	defer unlockCompact()
	return s.compactLocked(ctx, opCloseRoom, name.String(), 0, false)
}

func (s *Service) compactPartial(ctx context.Context, roomName string, upToVersion int64) error {
	return s.Compact(ctx, roomName, upToVersion, true)
}

func (s *Service) compactLocked(ctx context.Context, operation, roomName string, upToVersion int64, isPartial bool) error {
	roomField := zap.String("room_name", roomName)

	lastSaved, err := s.savedVersion(ctx, roomName)
	if err != nil {
		s.logError(operation, "watermark_select_failed", err, roomField)
		return newServiceError(operation, "watermark_select_failed", err)
	}
	if isPartial && upToVersion <= lastSaved {
		return nil
	}
	to := oplog.Unbounded
	if isPartial {
		to = upToVersion
	}

	reconciled, _, err := s.loadReconciled(ctx, s.log, roomName, lastSaved+1, to)
	if err != nil {
		s.logError(operation, "log_select_failed", err, roomField)
		return newServiceError(operation, "log_select_failed", err)
	}
	delta := operationsAfter(reconciled, lastSaved)

	master, hasMaster, err := s.findMaster(ctx, roomName)
	if err != nil {
		s.logError(operation, "master_select_failed", err, roomField)
		return newServiceError(operation, "master_select_failed", err)
	}

	if len(delta) == 0 {
		if isPartial {
			return nil
		}
		return s.teardown(ctx, operation, roomName, master, hasMaster)
	}

	document, err := s.loadDocument(ctx, roomName, master, hasMaster)
	if err != nil {
		s.logError(operation, "master_load_failed", err, roomField)
		return newServiceError(operation, "master_load_failed", err)
	}
	s.applyOperations(document, delta)
	rendered, err := document.Render()
	if err != nil {
		s.logError(operation, "render_failed", err, roomField)
		return newServiceError(operation, "render_failed", err)
	}

	ref, err := s.blobs.Put(ctx, roomName, rendered)
	if err != nil {
		s.logError(operation, "upload_failed", err, roomField)
		return newServiceError(operation, "upload_failed", err)
	}

	head := delta[len(delta)-1]
	now := s.clock().UTC().Unix()
	next := snapshots.Master{
		RoomName:              roomName,
		StorageRef:            ref,
		Version:               head.ServerVersion,
		IsActive:              isPartial,
		CreatedBy:             head.SubmittedBy,
		CreatedAtSeconds:      now,
		LastModifiedBy:        head.SubmittedBy,
		LastModifiedAtSeconds: now,
	}
	if hasMaster {
		next.CreatedBy = master.CreatedBy
		next.CreatedAtSeconds = master.CreatedAtSeconds
	}
	var saveErr error
	if isPartial {
		saveErr = s.snapshots.SaveCheckpoint(ctx, next, head.ServerVersion)
	} else {
		saveErr = s.snapshots.UpsertMaster(ctx, next)
	}
	if saveErr != nil {
		s.logError(operation, "master_upsert_failed", saveErr, roomField)
		if deleteErr := s.blobs.Delete(ctx, roomName, ref); deleteErr != nil {
			s.loggerOrDefault().Warn("orphaned snapshot blob", roomField, zap.String("storage_ref", ref), zap.Error(deleteErr))
		}
		return newServiceError(operation, "master_upsert_failed", saveErr)
	}
	if hasMaster && master.StorageRef != "" && master.StorageRef != ref {
		if err := s.blobs.Delete(ctx, roomName, master.StorageRef); err != nil {
			s.loggerOrDefault().Warn("previous snapshot blob not deleted", roomField, zap.String("storage_ref", master.StorageRef), zap.Error(err))
		}
	}

	if isPartial {
		s.loggerOrDefault().Debug("room compacted", roomField, zap.Int64("version", head.ServerVersion))
		return nil
	}
	return s.teardown(ctx, operation, roomName, next, true)
}

// teardown deactivates the master, announces the closed room, and discards the
// epoch's log and watermark. A room without any active state is left alone.
func (s *Service) teardown(ctx context.Context, operation, roomName string, master snapshots.Master, hasMaster bool) error {
	roomField := zap.String("room_name", roomName)

	logExists, err := s.log.Exists(ctx, roomName)
	if err != nil {
		s.logError(operation, "log_select_failed", err, roomField)
		return newServiceError(operation, "log_select_failed", err)
	}
	_, err = s.snapshots.FindWatermark(ctx, roomName)
	watermarkExists := err == nil
	if err != nil && !errors.Is(err, snapshots.ErrNotFound) {
		s.logError(operation, "watermark_select_failed", err, roomField)
		return newServiceError(operation, "watermark_select_failed", err)
	}
	wasActive := hasMaster && master.IsActive
	if !logExists && !watermarkExists && !wasActive {
		return nil
	}

	if wasActive {
		now := s.clock().UTC().Unix()
		if err := s.snapshots.SetMasterActive(ctx, roomName, false, master.LastModifiedBy, now); err != nil {
			s.logError(operation, "master_deactivate_failed", err, roomField)
			return newServiceError(operation, "master_deactivate_failed", err)
		}
		master.IsActive = false
		master.LastModifiedAtSeconds = now
	}

	if hasMaster {
		event := events.RoomClosed{
			Type:            events.EventTypeRoomClosed,
			RoomName:        roomName,
			StorageRef:      master.StorageRef,
			Version:         master.Version,
			LastModifiedBy:  master.LastModifiedBy,
			ClosedAtSeconds: master.LastModifiedAtSeconds,
		}
		if err := s.publisher.PublishRoomClosed(ctx, event); err != nil {
			s.loggerOrDefault().Warn("room closed event not published", roomField, zap.Error(err))
		}
	}

	if err := s.log.Drop(ctx, roomName); err != nil {
		s.logError(operation, "log_drop_failed", err, roomField)
		return newServiceError(operation, "log_drop_failed", err)
	}
	if err := s.snapshots.DeleteWatermark(ctx, roomName); err != nil {
		s.logError(operation, "watermark_delete_failed", err, roomField)
		return newServiceError(operation, "watermark_delete_failed", err)
	}
	s.loggerOrDefault().Info("room closed", roomField, zap.Int64("version", master.Version))
	return nil
}
