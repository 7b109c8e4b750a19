package state

import (
	"time"

	"github.com/arenalive/relay/pkg/transport"
	"github.com/google/uuid"
)

// Identity is what the external verifier vouches for at authentication time.
type Identity struct {
	UserID          string
	AuthenticatedAt time.Time
}

// Connection is the registry's record of a single live connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport transport.Sender
	Identity  *Identity // nil until the connection authenticates
	Rooms     map[string]struct{}
	CreatedAt time.Time
}

// Authenticated reports whether an identity has been attached.
func (c *Connection) Authenticated() bool {
	return c.Identity != nil
}

// UserID returns the authenticated user id or "" for anonymous connections.
func (c *Connection) UserID() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.UserID
}
