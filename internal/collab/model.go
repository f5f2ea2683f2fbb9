package collab

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomName indicates an empty, oversized, or unsafe room name.
	ErrInvalidRoomName = errors.New("collab: invalid room name")
	// ErrInvalidSubmission indicates a malformed edit submission.
	ErrInvalidSubmission = errors.New("collab: invalid submission")
	// ErrStaleClientVersion indicates the client's base version predates the active log.
	ErrStaleClientVersion = errors.New("collab: stale client version")
	// ErrInvalidDocument indicates imported content the document model cannot parse.
	ErrInvalidDocument = errors.New("collab: invalid document")
	// ErrSnapshotNotFound indicates the room has no active snapshot.
	ErrSnapshotNotFound = errors.New("collab: snapshot not found")
)

// RoomName represents a validated room name.
type RoomName string

// NewRoomName validates raw input and returns a RoomName.
func NewRoomName(rawInput string) (RoomName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomName, maxIdentifierLength)
	}
	if trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("%w: reserved name %q", ErrInvalidRoomName, trimmed)
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: contains control characters", ErrInvalidRoomName)
	}
	return RoomName(trimmed), nil
}

// String returns the underlying room name.
func (name RoomName) String() string {
	return string(name)
}

// Operation is one sequenced edit of a room.
type Operation struct {
	RoomName      string
	SubmittedBy   string
	ConnectionID  string
	ClientVersion int64
	ServerVersion int64
	Payload       string
	IsTransformed bool
}

// SubmitRequest is an edit built against the client's last known server version.
type SubmitRequest struct {
	RoomName      string
	SubmittedBy   string
	ConnectionID  string
	ClientVersion int64
	Payload       string
}

// ImportRequest opens a room document. Content seeds rooms that have no snapshot yet.
type ImportRequest struct {
	RoomName    string
	RequestedBy string
	Content     *string
}

// ImportResult is the current document of a room.
type ImportResult struct {
	// Version is the server version of the last edit reflected in Content; clients
	// submit their next edit against it.
	Version int64
	// SavedVersion is the version folded into the stored snapshot.
	SavedVersion int64
	Content      []byte
}

func operationFromEntry(roomName string, entry oplog.Entry) Operation {
	return Operation{
		RoomName:      roomName,
		SubmittedBy:   entry.SubmittedBy,
		ConnectionID:  entry.ConnectionID,
		ClientVersion: entry.ClientVersion,
		ServerVersion: entry.ServerVersion,
		Payload:       entry.Payload,
		IsTransformed: entry.IsTransformed,
	}
}

func operationsAfter(operations []Operation, version int64) []Operation {
	filtered := make([]Operation, 0, len(operations))
	for _, operation := range operations {
		if operation.ServerVersion > version {
			filtered = append(filtered, operation)
		}
	}
	return filtered
}
