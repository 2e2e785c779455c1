package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the slice of the websocket connection the registry and the
// broadcast engine need. Accepting the interface keeps fan-out testable
// without a live socket.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
	LastActive() time.Time
	RecordLatency(sample time.Duration)
	Latency() time.Duration
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport           // The actual connection for sending messages
	User      *User               // Pointer to the owning user (nil until authenticated)
	Rooms     map[string]struct{} // Room ids this connection has joined
	CreatedAt time.Time
	Rejected  bool // set when authentication failed; caller must close the transport
}

// Authenticated reports whether the connection has an associated user.
func (c *Connection) Authenticated() bool {
	return c.User != nil && !c.Rejected
}

// canonical representation of a user, aggregating all their connections.
type User struct {
	ID          string
	Connections map[uuid.UUID]*Connection // All active connections for this user
	Permissions Permission
}

// Room holds the local membership set for one room id. Membership is mutated
// only through the Manager so the room set and each connection's Rooms map
// stay consistent under one critical section.
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection // joined local connections, keyed by connection id
}
