package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/doccollab/internal/collab"
	"github.com/MarcoPoloResearchLab/doccollab/internal/presence"
	"github.com/google/uuid"
)

const (
	RealtimeFrameConnectionAssigned = "connectionAssigned"
	RealtimeFrameEditBroadcast      = "editBroadcast"
	RealtimeFrameEditAccepted       = "editAccepted"
	RealtimeFrameError              = "error"

	defaultRealtimeBufferSize = 64
)

// RealtimeFrame is one server-to-client message on the realtime channel.
type RealtimeFrame struct {
	Type         string           `json:"type"`
	Room         string           `json:"room,omitempty"`
	ConnectionID string           `json:"connectionId,omitempty"`
	Member       *presence.Entry  `json:"member,omitempty"`
	Members      []presence.Entry `json:"members,omitempty"`
	Edit         *editPayload     `json:"edit,omitempty"`
	Error        string           `json:"error,omitempty"`
}

type editPayload struct {
	Room          string          `json:"room"`
	ServerVersion int64           `json:"serverVersion"`
	ClientVersion int64           `json:"clientVersion"`
	SubmittedBy   string          `json:"submittedBy"`
	ConnectionID  string          `json:"connectionId,omitempty"`
	IsTransformed bool            `json:"isTransformed"`
	Payload       json.RawMessage `json:"payload"`
}

func newEditPayload(operation collab.Operation) *editPayload {
	payload := json.RawMessage(operation.Payload)
	if !json.Valid(payload) {
		encoded, _ := json.Marshal(operation.Payload)
		payload = encoded
	}
	return &editPayload{
		Room:          operation.RoomName,
		ServerVersion: operation.ServerVersion,
		ClientVersion: operation.ClientVersion,
		SubmittedBy:   operation.SubmittedBy,
		ConnectionID:  operation.ConnectionID,
		IsTransformed: operation.IsTransformed,
		Payload:       payload,
	}
}

// RealtimeHub fans frames out to connected clients and keeps room broadcast
// groups. Delivery never blocks: a full client buffer drops the frame and the
// client recovers through the edits endpoint using server versions.
type RealtimeHub struct {
	mu          sync.RWMutex
	subscribers map[string]*realtimeSubscriber
	groups      map[string]map[string]struct{}
	bufferSize  int
}

type realtimeSubscriber struct {
	id     string
	stream chan RealtimeFrame
}

func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{
		subscribers: make(map[string]*realtimeSubscriber),
		groups:      make(map[string]map[string]struct{}),
		bufferSize:  defaultRealtimeBufferSize,
	}
}

// Subscribe registers a connection under a fresh identifier. The subscription
// ends when ctx is done or cleanup is called.
func (h *RealtimeHub) Subscribe(ctx context.Context) (string, <-chan RealtimeFrame, func(), error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", nil, nil, err
	}
	subscriber := &realtimeSubscriber{
		id:     identifier.String(),
		stream: make(chan RealtimeFrame, h.bufferSize),
	}
	h.mu.Lock()
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.id, subscriber.stream, cleanup, nil
}

// AddToGroup implements presence.Transport.
func (h *RealtimeHub) AddToGroup(roomName, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[connectionID]; !ok {
		return
	}
	if _, ok := h.groups[roomName]; !ok {
		h.groups[roomName] = make(map[string]struct{})
	}
	h.groups[roomName][connectionID] = struct{}{}
}

// RemoveFromGroup implements presence.Transport.
func (h *RealtimeHub) RemoveFromGroup(roomName, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromGroupLocked(roomName, connectionID)
}

// Send implements presence.Transport.
func (h *RealtimeHub) Send(connectionID string, event presence.Event) {
	h.SendFrame(connectionID, frameFromEvent(event))
}

// Broadcast implements presence.Transport.
func (h *RealtimeHub) Broadcast(roomName string, event presence.Event, excludeConnectionID string) {
	h.broadcastFrame(roomName, frameFromEvent(event), excludeConnectionID)
}

// BroadcastEdit delivers a reconciled edit to every room member except the submitter.
func (h *RealtimeHub) BroadcastEdit(operation collab.Operation, excludeConnectionID string) {
	h.broadcastFrame(operation.RoomName, RealtimeFrame{
		Type: RealtimeFrameEditBroadcast,
		Room: operation.RoomName,
		Edit: newEditPayload(operation),
	}, excludeConnectionID)
}

// SendFrame delivers a frame to one connection.
func (h *RealtimeHub) SendFrame(connectionID string, frame RealtimeFrame) {
	h.mu.RLock()
	subscriber := h.subscribers[connectionID]
	h.mu.RUnlock()
	if subscriber == nil {
		return
	}
	deliver(subscriber, frame)
}

// GroupSize reports the number of connections in a room's broadcast group.
func (h *RealtimeHub) GroupSize(roomName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[roomName])
}

func (h *RealtimeHub) broadcastFrame(roomName string, frame RealtimeFrame, excludeConnectionID string) {
	h.mu.RLock()
	group := h.groups[roomName]
	if len(group) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(group))
	for connectionID := range group {
		if connectionID == excludeConnectionID {
			continue
		}
		if subscriber := h.subscribers[connectionID]; subscriber != nil {
			copies = append(copies, subscriber)
		}
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		deliver(subscriber, frame)
	}
}

func deliver(subscriber *realtimeSubscriber, frame RealtimeFrame) {
	select {
	case subscriber.stream <- frame:
	default:
	}
}

func (h *RealtimeHub) unregisterSubscriber(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, connectionID)
	for roomName := range h.groups {
		h.removeFromGroupLocked(roomName, connectionID)
	}
}

func (h *RealtimeHub) removeFromGroupLocked(roomName, connectionID string) {
	group := h.groups[roomName]
	if group == nil {
		return
	}
	delete(group, connectionID)
	if len(group) == 0 {
		delete(h.groups, roomName)
	}
}

func frameFromEvent(event presence.Event) RealtimeFrame {
	return RealtimeFrame{
		Type:         event.Type,
		Room:         event.RoomName,
		ConnectionID: event.ConnectionID,
		Member:       event.Member,
		Members:      event.Members,
	}
}
