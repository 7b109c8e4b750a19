package state

import (
	"github.com/arenalive/relay/pkg/transport"
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection lifecycle ---
	// Register is idempotent: registering an already-known connection returns
	// the existing record.
	Register(conn transport.Sender, ipAddr string) (*Connection, error)
	// Deregister removes the connection from every room and releases the
	// record. It returns the rooms the connection was a member of so callers
	// can notify remaining peers, and reports whether the record existed.
	Deregister(connID uuid.UUID) (rooms []string, existed bool)
	Get(connID uuid.UUID) (*Connection, bool)
	Count() int

	// --- Authentication ---
	Authenticate(connID uuid.UUID, identity *Identity) error

	// --- Room membership ---
	// Join reports whether the membership is new; joining twice is a no-op.
	Join(connID uuid.UUID, roomID string) (joined bool, err error)
	// Leave on a non-member is a no-op and reports left=false.
	Leave(connID uuid.UUID, roomID string) (left bool, err error)
	RoomMembers(roomID string) ([]*Connection, bool)
	Rooms(connID uuid.UUID) []string

	// --- Fan-out support ---
	AllConnections() []*Connection

	// --- Per-IP accounting for the connection limiter ---
	CountByIP(ipAddr string) int
	FindOldestByIP(ipAddr string) (*Connection, bool)
}
