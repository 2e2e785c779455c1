package statemanager

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
)

// roomShardCount bounds lock contention across unrelated rooms.
const roomShardCount = 16

var (
	ErrUnknownConnection = errors.New("connection not registered")
	ErrNotAuthenticated  = errors.New("connection is not authenticated")
)

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]*state.Room
}

type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]*state.User

	// Lock order: connMu before any room shard mutex. JoinRoom/LeaveRoom hold
	// both so the room member set and the connection's room set move together.
	connMu sync.RWMutex
	userMu sync.RWMutex
	shards [roomShardCount]*roomShard

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	m := &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]*state.User),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
	for i := range m.shards {
		m.shards[i] = &roomShard{rooms: make(map[string]*state.Room)}
	}
	return m
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) shardFor(roomID string) *roomShard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return m.shards[h.Sum32()%roomShardCount]
}

func (m *InMemoryManager) RegisterConnection(conn state.Transport, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		Rooms:     make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) ([]string, error) {
	m.connMu.Lock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.connMu.Unlock()
		return nil, nil
	}
	delete(m.conns, connID)

	// Pull the connection out of every room it joined while still holding
	// connMu, so no fan-out can observe a half-removed connection.
	roomIDs := make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		roomIDs = append(roomIDs, roomID)
		shard := m.shardFor(roomID)
		shard.mu.Lock()
		if room, ok := shard.rooms[roomID]; ok {
			delete(room.Members, connID)
			if len(room.Members) == 0 {
				delete(shard.rooms, roomID)
			}
		}
		shard.mu.Unlock()
		delete(conn.Rooms, roomID)
	}
	m.connMu.Unlock()

	// detach conn from user
	if conn.User != nil {
		m.userMu.Lock()
		user := conn.User
		delete(user.Connections, connID)
		if len(user.Connections) == 0 {
			delete(m.users, user.ID)
		}
		m.userMu.Unlock()
		m.logger.Debug("Detached connection from user", slog.String("connID", connID.String()), slog.String("userID", user.ID))
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return roomIDs, nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conns := make([]*state.Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}

	var oldestConn *state.Connection
	var oldestTime time.Time

	for _, conn := range user.Connections {
		if oldestConn == nil || conn.CreatedAt.Before(oldestTime) {
			oldestConn = conn
			oldestTime = conn.CreatedAt
		}
	}

	if oldestConn == nil {
		return nil, false // User has no connections.
	}

	return oldestConn, true
}

func (m *InMemoryManager) IdleConnections(threshold, authTimeout time.Duration) []uuid.UUID {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	now := time.Now()
	var idle []uuid.UUID
	for id, conn := range m.conns {
		if now.Sub(conn.Transport.LastActive()) > threshold {
			idle = append(idle, id)
			continue
		}
		// Connections that never authenticate get a shorter leash.
		if !conn.Authenticated() && authTimeout > 0 && now.Sub(conn.CreatedAt) > authTimeout {
			idle = append(idle, id)
		}
	}
	return idle
}

// --- User Management ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, userID string, perms state.Permission) (*state.User, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.userMu.Lock()
	defer m.userMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot associate user with unknown connection")
	}

	// Find or create the user session.
	user, exists := m.users[userID]
	if !exists {
		user = &state.User{
			ID:          userID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[userID] = user
		m.logger.Debug("Created new user session", slog.String("userID", userID))
	}

	user.Permissions = perms
	conn.User = user
	conn.Rejected = false
	user.Connections[connID] = conn

	m.logger.Debug("Associated connection with user", slog.String("connID", connID.String()), slog.String("userID", userID))
	return user, nil
}

func (m *InMemoryManager) MarkRejected(connID uuid.UUID) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if conn, ok := m.conns[connID]; ok {
		conn.Rejected = true
	}
}

func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil // User doesn't exist yet, so they have 0 connections.
	}
	return len(user.Connections), nil
}

func (m *InMemoryManager) ConnectionCountByIP(ip string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	count := 0
	for _, conn := range m.conns {
		if conn.IPAddress == ip {
			count++
		}
	}
	return count
}

func (m *InMemoryManager) GetAllUsers() ([]*state.User, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	users := make([]*state.User, len(m.users))
	i := 0
	for _, u := range m.users {
		users[i] = u
		i++
	}
	return users, nil
}

// --- Room Membership ---

func (m *InMemoryManager) JoinRoom(connID uuid.UUID, roomID string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if !conn.Authenticated() {
		return ErrNotAuthenticated
	}
	if _, joined := conn.Rooms[roomID]; joined {
		return nil // already a member
	}

	shard := m.shardFor(roomID)
	shard.mu.Lock()
	room, exists := shard.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		shard.rooms[roomID] = room
	}
	room.Members[connID] = conn
	conn.Rooms[roomID] = struct{}{}
	shard.mu.Unlock()

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return nil
}

func (m *InMemoryManager) LeaveRoom(connID uuid.UUID, roomID string) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false
	}
	if _, joined := conn.Rooms[roomID]; !joined {
		return false // leave is an idempotent no-op
	}

	shard := m.shardFor(roomID)
	shard.mu.Lock()
	if room, ok := shard.rooms[roomID]; ok {
		delete(room.Members, connID)
		// For memory hygiene, remove the room if it's now empty.
		if len(room.Members) == 0 {
			delete(shard.rooms, roomID)
			m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
		}
	}
	delete(conn.Rooms, roomID)
	shard.mu.Unlock()

	m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return true
}

func (m *InMemoryManager) RoomConnections(roomID string) []*state.Connection {
	shard := m.shardFor(roomID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	room, ok := shard.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*state.Connection, 0, len(room.Members))
	for _, conn := range room.Members {
		members = append(members, conn)
	}
	return members
}

func (m *InMemoryManager) RoomMemberCount(roomID string) int {
	shard := m.shardFor(roomID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	room, ok := shard.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.Members)
}

func (m *InMemoryManager) ConnectionRooms(connID uuid.UUID) []string {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

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
