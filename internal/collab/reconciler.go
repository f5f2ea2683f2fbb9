package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
	"go.uber.org/zap"
)

// Submit sequences an edit, reconciles it against concurrent edits, and returns
// the operation as it must be applied on top of the preceding server version.
func (s *Service) Submit(ctx context.Context, request SubmitRequest) (Operation, error) {
	roomName, err := NewRoomName(request.RoomName)
	if err != nil {
		return Operation{}, newServiceError(opSubmit, "invalid_room_name", err)
	}
	if strings.TrimSpace(request.Payload) == "" {
		return Operation{}, newServiceError(opSubmit, "invalid_payload", fmt.Errorf("%w: empty payload", ErrInvalidSubmission))
	}
	if err := s.transformer.Validate(request.Payload); err != nil {
		return Operation{}, newServiceError(opSubmit, "invalid_payload", fmt.Errorf("%w: %v", ErrInvalidSubmission, err))
	}
	if request.ClientVersion < 0 {
		return Operation{}, newServiceError(opSubmit, "invalid_client_version", fmt.Errorf("%w: negative client version %d", ErrInvalidSubmission, request.ClientVersion))
	}

	room := roomName.String()
	unlock, err := s.submitLocks.Lock(ctx, room)
	if err != nil {
		return Operation{}, newServiceError(opSubmit, "lock_failed", err)
	}
	defer unlock()

	// The edit is committed even if the submitter disconnects mid-flight.
	storeCtx := context.WithoutCancel(ctx)
	roomField := zap.String("room_name", room)

	if err := s.log.Ensure(storeCtx, room); err != nil {
		s.logError(opSubmit, "log_create_failed", err, roomField)
		return Operation{}, newServiceError(opSubmit, "log_create_failed", err)
	}
	base, err := s.savedVersion(storeCtx, room)
	if err != nil {
		s.logError(opSubmit, "watermark_select_failed", err, roomField)
		return Operation{}, newServiceError(opSubmit, "watermark_select_failed", err)
	}

	var accepted Operation
	txErr := s.log.Transaction(storeCtx, func(tx *oplog.Store) error {
		latest, err := tx.MaxVersion(storeCtx, room)
		if err != nil {
			return err
		}
		candidate := max(latest, base) + 1
		if request.ClientVersion >= candidate {
			return fmt.Errorf("%w: client version %d is ahead of server version %d", ErrInvalidSubmission, request.ClientVersion, candidate-1)
		}

		entry := oplog.Entry{
			ServerVersion:    candidate,
			ClientVersion:    request.ClientVersion,
			Payload:          request.Payload,
			SubmittedBy:      request.SubmittedBy,
			ConnectionID:     request.ConnectionID,
			IsTransformed:    candidate-request.ClientVersion == 1,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Append(storeCtx, room, entry); err != nil {
			return err
		}
		if entry.IsTransformed {
			accepted = operationFromEntry(room, entry)
			return nil
		}

		reconciled, rewritten, err := s.loadReconciled(storeCtx, tx, room, request.ClientVersion+1, candidate)
		if err != nil {
			return err
		}
		if present := int64(len(operationsAfter(reconciled, request.ClientVersion))); present != candidate-request.ClientVersion {
			return fmt.Errorf("%w: client version %d predates the active log", ErrStaleClientVersion, request.ClientVersion)
		}
		for _, operation := range rewritten {
			if err := tx.UpdatePayload(storeCtx, room, operation.ServerVersion, operation.Payload); err != nil {
				return err
			}
		}
		accepted = reconciled[len(reconciled)-1]
		return nil
	})
	switch {
	case txErr == nil:
	case errors.Is(txErr, ErrInvalidSubmission):
		return Operation{}, newServiceError(opSubmit, "client_version_ahead", txErr)
	case errors.Is(txErr, ErrStaleClientVersion):
		return Operation{}, newServiceError(opSubmit, "stale_client_version", txErr)
	default:
		s.logError(opSubmit, "sequence_failed", txErr, roomField, zap.Int64("client_version", request.ClientVersion))
		return Operation{}, newServiceError(opSubmit, "sequence_failed", txErr)
	}

	if accepted.ServerVersion%s.threshold == 0 {
		s.scheduler.schedule(room, accepted.ServerVersion)
	}
	return accepted, nil
}

// FetchSince returns the reconciled operations after afterVersion in ascending order.
func (s *Service) FetchSince(ctx context.Context, roomName string, afterVersion int64) ([]Operation, error) {
	name, err := NewRoomName(roomName)
	if err != nil {
		return nil, newServiceError(opFetchSince, "invalid_room_name", err)
	}
	if afterVersion < 0 {
		return nil, newServiceError(opFetchSince, "invalid_version", fmt.Errorf("%w: negative version %d", ErrInvalidSubmission, afterVersion))
	}
	reconciled, _, err := s.loadReconciled(ctx, s.log, name.String(), afterVersion+1, oplog.Unbounded)
	if err != nil {
		s.logError(opFetchSince, "log_select_failed", err, zap.String("room_name", name.String()))
		return nil, newServiceError(opFetchSince, "log_select_failed", err)
	}
	return operationsAfter(reconciled, afterVersion), nil
}
