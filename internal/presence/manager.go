package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	Transport Transport
	Closer    RoomCloser
	Mirror    Mirror
	Clock     func() time.Time
	Logger    *zap.Logger
}

type roomState struct {
	slot    chan struct{}
	refs    int
	members []Entry
	epoch   uint64
}

// Manager serializes membership changes per room. Rooms never block each other.
type Manager struct {
	transport Transport
	closer    RoomCloser
	mirror    Mirror
	clock     func() time.Time
	logger    *zap.Logger

	mu          sync.Mutex
	rooms       map[string]*roomState
	connections map[string]string
	epochs      uint64
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("presence: transport is required")
	}
	if cfg.Closer == nil {
		return nil, fmt.Errorf("presence: room closer is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport:   cfg.Transport,
		closer:      cfg.Closer,
		mirror:      cfg.Mirror,
		clock:       clock,
		logger:      logger,
		rooms:       make(map[string]*roomState),
		connections: make(map[string]string),
	}, nil
}

func (m *Manager) acquire(ctx context.Context, roomName string) (*roomState, error) {
	m.mu.Lock()
	state, ok := m.rooms[roomName]
	if !ok {
		m.epochs++
		state = &roomState{slot: make(chan struct{}, 1), epoch: m.epochs}
		m.rooms[roomName] = state
	}
	state.refs++
	m.mu.Unlock()

	select {
	case state.slot <- struct{}{}:
		return state, nil
	case <-ctx.Done():
		m.mu.Lock()
		state.refs--
		if state.refs == 0 && len(state.members) == 0 {
			delete(m.rooms, roomName)
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (m *Manager) release(roomName string, state *roomState) {
	empty := len(state.members) == 0
	<-state.slot
	m.mu.Lock()
	defer m.mu.Unlock()
	state.refs--
	if state.refs == 0 && empty {
		delete(m.rooms, roomName)
	}
}

// Join adds the connection to the room. A live entry of the same user in the room
// is evicted first, and a connection still present in another room leaves it.
func (m *Manager) Join(ctx context.Context, connectionID, roomName, userIdentity string) (JoinResult, error) {
	connectionID = strings.TrimSpace(connectionID)
	roomName = strings.TrimSpace(roomName)
	userIdentity = strings.TrimSpace(userIdentity)
	if connectionID == "" {
		return JoinResult{}, ErrInvalidConnection
	}
	if roomName == "" {
		return JoinResult{}, ErrInvalidRoom
	}
	if userIdentity == "" {
		return JoinResult{}, ErrInvalidUser
	}

	if current, ok := m.RoomOf(connectionID); ok && current != roomName {
		if err := m.Leave(ctx, connectionID); err != nil {
			m.logger.Warn("previous room not closed cleanly", zap.String("room_name", current), zap.String("connection_id", connectionID), zap.Error(err))
		}
	}

	state, err := m.acquire(ctx, roomName)
	if err != nil {
		return JoinResult{}, err
	}
	defer m.release(roomName, state)

	var evicted []Entry
	remaining := state.members[:0:0]
	for _, entry := range state.members {
		switch {
		case entry.ConnectionID == connectionID:
			// Rejoin of the same connection replaces its entry silently.
		case entry.UserIdentity == userIdentity:
			evicted = append(evicted, entry)
		default:
			remaining = append(remaining, entry)
		}
	}
	state.members = remaining

	m.mu.Lock()
	for _, entry := range evicted {
		delete(m.connections, entry.ConnectionID)
	}
	m.mu.Unlock()
	for _, entry := range evicted {
		m.transport.RemoveFromGroup(roomName, entry.ConnectionID)
		m.transport.Broadcast(roomName, Event{Type: EventMemberLeft, RoomName: roomName, ConnectionID: entry.ConnectionID}, "")
		m.mirrorRemove(ctx, entry)
		m.logger.Info("duplicate session evicted", zap.String("room_name", roomName), zap.String("connection_id", entry.ConnectionID))
	}

	existing := append([]Entry(nil), state.members...)
	joined := Entry{
		ConnectionID: connectionID,
		RoomName:     roomName,
		UserIdentity: userIdentity,
		JoinedAt:     m.clock().UTC(),
	}
	m.transport.AddToGroup(roomName, connectionID)
	state.members = append(state.members, joined)
	m.mu.Lock()
	m.connections[connectionID] = roomName
	m.mu.Unlock()

	m.transport.Send(connectionID, Event{Type: EventMemberList, RoomName: roomName, Members: existing})
	member := joined
	m.transport.Broadcast(roomName, Event{Type: EventMemberJoined, RoomName: roomName, ConnectionID: connectionID, Member: &member}, connectionID)
	m.mirrorAdd(ctx, joined)

	return JoinResult{Members: existing, Epoch: state.epoch}, nil
}

// Leave removes the connection from its room. The last member leaving runs the
// room's final compaction before the room is released; a failed compaction is
// reported and leaves the log in place for the next attempt.
func (m *Manager) Leave(ctx context.Context, connectionID string) error {
	roomName, ok := m.RoomOf(connectionID)
	if !ok {
		return nil
	}
	state, err := m.acquire(ctx, roomName)
	if err != nil {
		return err
	}
	defer m.release(roomName, state)

	m.mu.Lock()
	if m.connections[connectionID] != roomName {
		// Evicted or moved while waiting for the room.
		m.mu.Unlock()
		return nil
	}
	delete(m.connections, connectionID)
	m.mu.Unlock()

	var departed Entry
	remaining := state.members[:0:0]
	for _, entry := range state.members {
		if entry.ConnectionID == connectionID {
			departed = entry
			continue
		}
		remaining = append(remaining, entry)
	}
	state.members = remaining
	m.transport.RemoveFromGroup(roomName, connectionID)

	var closeErr error
	if len(state.members) == 0 {
		if closeErr = m.closer.CloseRoom(ctx, roomName); closeErr != nil {
			m.logger.Error("final compaction failed", zap.String("room_name", roomName), zap.Error(closeErr))
			closeErr = fmt.Errorf("presence: close room %s: %w", roomName, closeErr)
		}
		m.mu.Lock()
		m.epochs++
		state.epoch = m.epochs
		m.mu.Unlock()
	}

	m.transport.Broadcast(roomName, Event{Type: EventMemberLeft, RoomName: roomName, ConnectionID: connectionID}, "")
	if departed.ConnectionID != "" {
		m.mirrorRemove(ctx, departed)
	}
	return closeErr
}

// Members returns a copy of the room's current members.
func (m *Manager) Members(ctx context.Context, roomName string) ([]Entry, error) {
	state, err := m.acquire(ctx, roomName)
	if err != nil {
		return nil, err
	}
	defer m.release(roomName, state)
	return append([]Entry(nil), state.members...), nil
}

// Rooms lists the rooms that have at least one member on this instance.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(m.connections))
	rooms := make([]string, 0, len(m.connections))
	for _, roomName := range m.connections {
		if _, ok := seen[roomName]; ok {
			continue
		}
		seen[roomName] = struct{}{}
		rooms = append(rooms, roomName)
	}
	sort.Strings(rooms)
	return rooms
}

// IsMember reports whether the connection is currently in the room.
func (m *Manager) IsMember(roomName, connectionID string) bool {
	current, ok := m.RoomOf(connectionID)
	return ok && current == roomName
}

// RoomOf returns the room the connection is in.
func (m *Manager) RoomOf(connectionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomName, ok := m.connections[connectionID]
	return roomName, ok
}

func (m *Manager) mirrorAdd(ctx context.Context, entry Entry) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.AddMember(ctx, entry); err != nil {
		m.logger.Warn("presence mirror add failed", zap.String("room_name", entry.RoomName), zap.Error(err))
	}
}

func (m *Manager) mirrorRemove(ctx context.Context, entry Entry) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.RemoveMember(ctx, entry); err != nil {
		m.logger.Warn("presence mirror remove failed", zap.String("room_name", entry.RoomName), zap.Error(err))
	}
}
