package state

import (
	"time"

	"github.com/google/uuid"
)

// Manager is the connection registry: it owns the connection, user and room
// maps and is the only component that mutates them.
type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn Transport, ipAddr string) (*Connection, error)
	// DeregisterConnection removes the connection and returns the room ids it
	// was joined to, so the caller can emit leave notifications.
	DeregisterConnection(connID uuid.UUID) ([]string, error)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	AllConnections() []*Connection
	FindOldestUserConnection(userID string) (*Connection, bool)
	// IdleConnections returns connections whose last activity is older than
	// the threshold, plus unauthenticated connections older than authTimeout.
	IdleConnections(threshold, authTimeout time.Duration) []uuid.UUID

	// --- User Management ---
	// links a connection to a user, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, userID string, perms Permission) (*User, error)
	// MarkRejected flags a connection whose authentication failed.
	MarkRejected(connID uuid.UUID)
	FindUser(userID string) (*User, bool)
	GetUserConnectionCount(userID string) (int, error)
	ConnectionCountByIP(ip string) int
	GetAllUsers() ([]*User, error)

	// --- Room Membership ---
	// JoinRoom adds the connection to the room's member set and the room to
	// the connection's room set in one critical section. Idempotent.
	JoinRoom(connID uuid.UUID, roomID string) error
	// LeaveRoom is the symmetric removal; reports whether the pair was joined.
	LeaveRoom(connID uuid.UUID, roomID string) bool
	// RoomConnections snapshots the local members of a room.
	RoomConnections(roomID string) []*Connection
	RoomMemberCount(roomID string) int
	ConnectionRooms(connID uuid.UUID) []string
}
