// Package events publishes room lifecycle notifications.
package events

import (
	"context"

	"go.uber.org/zap"
)

// EventTypeRoomClosed marks the notification emitted after a room's final compaction.
const EventTypeRoomClosed = "ROOM_CLOSED"

// RoomClosed carries the master record produced by a room's final compaction.
type RoomClosed struct {
	Type            string `json:"type"`
	RoomName        string `json:"roomName"`
	StorageRef      string `json:"storageRef,omitempty"`
	Version         int64  `json:"version"`
	LastModifiedBy  string `json:"lastModifiedBy,omitempty"`
	ClosedAtSeconds int64  `json:"closedAtSeconds"`
}

// Publisher delivers room lifecycle notifications.
type Publisher interface {
	PublishRoomClosed(ctx context.Context, event RoomClosed) error
}

// LogPublisher records notifications in the service log when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// PublishRoomClosed implements Publisher.
func (p *LogPublisher) PublishRoomClosed(_ context.Context, event RoomClosed) error {
	p.logger.Info(
		"room closed",
		zap.String("room_name", event.RoomName),
		zap.String("storage_ref", event.StorageRef),
		zap.Int64("version", event.Version),
	)
	return nil
}
