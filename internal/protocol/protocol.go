package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Client -> server events.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventPublish      = "publish"
	EventHeartbeat    = "heartbeat"
	EventHistory      = "history"
)

// Server -> client events.
const (
	EventAuthenticated   = "authenticated"
	EventRoomJoined      = "room-joined"
	EventRoomLeft        = "room-left"
	EventPeerJoined      = "peer-joined"
	EventPeerLeft        = "peer-left"
	EventError           = "error"
	EventHeartbeatAck    = "heartbeat-ack"
	EventSystemHeartbeat = "system-heartbeat"
	EventHistoryResult   = "history-result"
)

// Publish types. Only chat messages and bets are persisted to the event log.
const (
	TypeGameMove    = "game-move"
	TypeChatMessage = "chat-message"
	TypePlaceBet    = "place-bet"
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a single routed occurrence inside the relay. It is ephemeral;
// eligible topics are mirrored to the durable event log on broadcast.
type Event struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emittedAt"`
	Origin    uuid.UUID       `json:"senderId"`
	SenderID  string          `json:"senderUserId,omitempty"`
}

// ErrorPayload is what a client sees when one of its actions fails. In
// production mode Message carries only the category-generic text.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// Error taxonomy. These are sentinels so call sites can errors.Is across
// package boundaries.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrRoomNotFound           = errors.New("room not found")
	ErrCircuitOpen            = errors.New("circuit open")
	ErrNoStrategyAvailable    = errors.New("no recovery strategy available")
	ErrRecoveryExhausted      = errors.New("recovery attempts exhausted")
	ErrUpstreamUnavailable    = errors.New("upstream unavailable")
)

// Code returns the wire error code for a taxonomy error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "AUTHENTICATION_REQUIRED"
	case errors.Is(err, ErrInvalidPayload):
		return "INVALID_PAYLOAD"
	case errors.Is(err, ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case errors.Is(err, ErrNoStrategyAvailable):
		return "NO_STRATEGY_AVAILABLE"
	case errors.Is(err, ErrRecoveryExhausted):
		return "RECOVERY_EXHAUSTED"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// GenericMessage is the client-safe text for a taxonomy error. Internal
// diagnostic detail never crosses the wire in production mode.
func GenericMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "authentication is required for this action"
	case errors.Is(err, ErrInvalidPayload):
		return "the request payload is invalid"
	case errors.Is(err, ErrRoomNotFound):
		return "the requested room does not exist"
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrUpstreamUnavailable):
		return "a backing service is temporarily unavailable"
	default:
		return "an internal error occurred"
	}
}

// PersistenceKey returns the event-log key for an eligible publish type, or
// "" when the type is not persisted.
func PersistenceKey(typ, room string) string {
	switch typ {
	case TypeChatMessage:
		return "chat:" + room
	case TypePlaceBet:
		return "bets:" + room
	default:
		return ""
	}
}
