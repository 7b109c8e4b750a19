package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arenalive/relay/pkg/state"
	"github.com/arenalive/relay/pkg/transport"
	"github.com/google/uuid"
)

// InMemoryManager keeps all connection and room state in process memory.
// Rooms are not materialized objects: a room is the set of connections whose
// membership includes it, tracked in a reverse index that is mutated under
// the same lock as the per-connection room sets so the two can never drift.
type InMemoryManager struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*state.Connection
	rooms map[string]map[uuid.UUID]*state.Connection

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		rooms:  make(map[string]map[uuid.UUID]*state.Connection),
		logger: logger.With(slog.String("component", "state_manager")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) Register(conn transport.Sender, ipAddr string) (*state.Connection, error) {
	if conn == nil {
		return nil, errors.New("cannot register nil transport")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if existing, ok := m.conns[connID]; ok {
		return existing, nil
	}
	record := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		Rooms:     make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
	m.conns[connID] = record
	m.logger.Debug("connection registered", slog.String("connID", connID.String()), slog.String("ip", ipAddr))
	return record, nil
}

func (m *InMemoryManager) Deregister(connID uuid.UUID) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, false
	}

	rooms := make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		rooms = append(rooms, roomID)
		m.removeFromRoomLocked(conn, roomID)
	}
	conn.Rooms = make(map[string]struct{})
	delete(m.conns, connID)

	m.logger.Debug("connection deregistered", slog.String("connID", connID.String()), slog.Int("rooms", len(rooms)))
	return rooms, true
}

func (m *InMemoryManager) Get(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *InMemoryManager) Authenticate(connID uuid.UUID, identity *state.Identity) error {
	if identity == nil || identity.UserID == "" {
		return errors.New("cannot attach empty identity")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot authenticate unknown connection")
	}
	conn.Identity = identity
	m.logger.Debug("identity attached", slog.String("connID", connID.String()), slog.String("userID", identity.UserID))
	return nil
}

// --- Room membership ---

func (m *InMemoryManager) Join(connID uuid.UUID, roomID string) (bool, error) {
	if roomID == "" {
		return false, errors.New("room id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false, errors.New("cannot join room: connection not found")
	}

	if _, member := conn.Rooms[roomID]; member {
		return false, nil
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = make(map[uuid.UUID]*state.Connection)
		m.rooms[roomID] = room
	}

	conn.Rooms[roomID] = struct{}{}
	room[connID] = conn

	m.logger.Debug("connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return true, nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false, errors.New("cannot leave room: connection not found")
	}

	if _, member := conn.Rooms[roomID]; !member {
		// Leaving a room you are not in is a no-op.
		return false, nil
	}

	delete(conn.Rooms, roomID)
	m.removeFromRoomLocked(conn, roomID)

	m.logger.Debug("connection left room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return true, nil
}

// removeFromRoomLocked drops conn from the reverse index and garbage-collects
// the room when it empties. Caller holds m.mu.
func (m *InMemoryManager) removeFromRoomLocked(conn *state.Connection, roomID string) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(room, conn.ID)
	if len(room) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("removed empty room", slog.String("roomID", roomID))
	}
}

func (m *InMemoryManager) RoomMembers(roomID string) ([]*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	members := make([]*state.Connection, 0, len(room))
	for _, conn := range room {
		members = append(members, conn)
	}
	return members, true
}

func (m *InMemoryManager) Rooms(connID uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	return conns
}

// --- Per-IP accounting ---

func (m *InMemoryManager) CountByIP(ipAddr string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.conns {
		if conn.IPAddress == ipAddr {
			count++
		}
	}
	return count
}

func (m *InMemoryManager) FindOldestByIP(ipAddr string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *state.Connection
	for _, conn := range m.conns {
		if conn.IPAddress != ipAddr {
			continue
		}
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}
