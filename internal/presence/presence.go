// Package presence tracks which connections are in which room and announces
// membership changes to the other members.
package presence

import (
	"context"
	"errors"
	"time"
)

const (
	// EventMemberList is sent to a joining connection with the members it joins.
	EventMemberList = "memberList"
	// EventMemberJoined announces a new member to the rest of the room.
	EventMemberJoined = "memberJoined"
	// EventMemberLeft announces a departed or evicted member.
	EventMemberLeft = "memberLeft"
)

var (
	// ErrInvalidConnection indicates an empty connection identifier.
	ErrInvalidConnection = errors.New("presence: invalid connection id")
	// ErrInvalidRoom indicates an empty room name.
	ErrInvalidRoom = errors.New("presence: invalid room name")
	// ErrInvalidUser indicates an empty user identity.
	ErrInvalidUser = errors.New("presence: invalid user identity")
)

// Entry is the presence record of one connection.
type Entry struct {
	ConnectionID string    `json:"connectionId"`
	RoomName     string    `json:"roomName"`
	UserIdentity string    `json:"userIdentity"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Event is a membership notification delivered through the Transport.
type Event struct {
	Type         string  `json:"type"`
	RoomName     string  `json:"room"`
	ConnectionID string  `json:"connectionId,omitempty"`
	Member       *Entry  `json:"member,omitempty"`
	Members      []Entry `json:"members,omitempty"`
}

// Transport delivers events to connections and maintains broadcast groups.
type Transport interface {
	AddToGroup(roomName, connectionID string)
	RemoveFromGroup(roomName, connectionID string)
	Send(connectionID string, event Event)
	// Broadcast delivers to every group member except excludeConnectionID.
	Broadcast(roomName string, event Event, excludeConnectionID string)
}

// RoomCloser runs the final compaction of a room whose last member left.
type RoomCloser interface {
	CloseRoom(ctx context.Context, roomName string) error
}

// Mirror receives a copy of membership changes for other instances to read.
type Mirror interface {
	AddMember(ctx context.Context, entry Entry) error
	RemoveMember(ctx context.Context, entry Entry) error
}

// JoinResult describes the room a connection joined.
type JoinResult struct {
	// Members were present before the join, after any eviction.
	Members []Entry
	// Epoch identifies the room lifetime; it changes after every teardown.
	Epoch uint64
}
