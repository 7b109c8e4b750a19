package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arenalive/relay/internal/auth"
	"github.com/arenalive/relay/internal/eventlog"
	"github.com/arenalive/relay/internal/hub"
	"github.com/arenalive/relay/internal/protocol"
	"github.com/arenalive/relay/pkg/config"
	"github.com/arenalive/relay/pkg/state"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxChatTextLen bounds persisted chat messages.
const maxChatTextLen = 2000

// Router validates inbound client events and drives the hub, the state
// manager and the event log. Errors from a client's own action go back to
// that client only; they are never broadcast.
type Router struct {
	logger     *slog.Logger
	state      state.Manager
	hub        *hub.Hub
	verifier   auth.Verifier
	store      eventlog.Store
	history    config.HistoryConfig
	production bool
}

func New(logger *slog.Logger, st state.Manager, h *hub.Hub, verifier auth.Verifier, store eventlog.Store, history config.HistoryConfig, production bool) *Router {
	return &Router{
		logger:     logger.With(slog.String("component", "event_router")),
		state:      st,
		hub:        h,
		verifier:   verifier,
		store:      store,
		history:    history,
		production: production,
	}
}

// HandleMessage is the transport's message callback.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("unparseable client message", slog.String("connID", connID.String()), slog.Any("error", err))
		r.sendError(connID, fmt.Errorf("%w: not valid JSON", protocol.ErrInvalidPayload))
		return
	}

	var err error
	switch env.Event {
	case protocol.EventAuthenticate:
		err = r.handleAuthenticate(ctx, connID, env)
	case protocol.EventJoinRoom:
		err = r.handleJoin(connID, env)
	case protocol.EventLeaveRoom:
		err = r.handleLeave(connID, env)
	case protocol.EventPublish:
		err = r.handlePublish(ctx, connID, env)
	case protocol.EventHeartbeat:
		err = r.handleHeartbeat(connID)
	case protocol.EventHistory:
		err = r.handleHistory(ctx, connID, env)
	default:
		err = fmt.Errorf("%w: unknown event %q", protocol.ErrInvalidPayload, env.Event)
	}

	if err != nil {
		r.logger.Warn("client event failed",
			slog.String("connID", connID.String()),
			slog.String("event", env.Event),
			slog.Any("error", err),
		)
		r.sendError(connID, err)
	}
}

func (r *Router) handleAuthenticate(ctx context.Context, connID uuid.UUID, env protocol.Envelope) error {
	token := gjson.GetBytes(env.Payload, "token").String()
	identity, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return err
	}
	if err := r.state.Authenticate(connID, identity); err != nil {
		return fmt.Errorf("failed to attach identity: %w", err)
	}

	// Every authenticated connection gets an identity-scoped room so the
	// platform can address a user across all their connections.
	if _, err := r.state.Join(connID, "user:"+identity.UserID); err != nil {
		r.logger.Warn("failed to auto-join identity room", slog.String("userID", identity.UserID), slog.Any("error", err))
	}

	r.logger.Info("connection authenticated", slog.String("connID", connID.String()), slog.String("userID", identity.UserID))
	return r.sendTo(connID, protocol.EventAuthenticated, "", map[string]any{"userId": identity.UserID})
}

func (r *Router) handleJoin(connID uuid.UUID, env protocol.Envelope) error {
	roomID := r.roomID(env)
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", protocol.ErrInvalidPayload)
	}

	joined, err := r.state.Join(connID, roomID)
	if err != nil {
		return fmt.Errorf("join failed: %w", err)
	}
	if joined {
		conn, _ := r.state.Get(connID)
		var userID string
		if conn != nil {
			userID = conn.UserID()
		}
		r.hub.NotifyPeers(protocol.EventPeerJoined, roomID, connID, userID)
	}
	// Joining twice acks twice but stores a single membership.
	return r.sendTo(connID, protocol.EventRoomJoined, roomID, map[string]any{"roomId": roomID})
}

func (r *Router) handleLeave(connID uuid.UUID, env protocol.Envelope) error {
	roomID := r.roomID(env)
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", protocol.ErrInvalidPayload)
	}

	left, err := r.state.Leave(connID, roomID)
	if err != nil {
		return fmt.Errorf("leave failed: %w", err)
	}
	if left {
		conn, _ := r.state.Get(connID)
		var userID string
		if conn != nil {
			userID = conn.UserID()
		}
		r.hub.NotifyPeers(protocol.EventPeerLeft, roomID, connID, userID)
	}
	return r.sendTo(connID, protocol.EventRoomLeft, roomID, map[string]any{"roomId": roomID})
}

func (r *Router) handlePublish(ctx context.Context, connID uuid.UUID, env protocol.Envelope) error {
	roomID := r.roomID(env)
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", protocol.ErrInvalidPayload)
	}

	evt, err := r.validatePublish(connID, env)
	if err != nil {
		return err
	}
	evt.Topic = roomID

	conn, ok := r.state.Get(connID)
	if !ok {
		return fmt.Errorf("%w: unknown connection", protocol.ErrInvalidPayload)
	}
	if _, member := conn.Rooms[roomID]; !member {
		// Publishing into a room you never joined is a non-fatal no-op.
		return fmt.Errorf("%w: %s", protocol.ErrRoomNotFound, roomID)
	}
	evt.SenderID = conn.UserID()

	if _, err := r.hub.Broadcast(ctx, roomID, evt, connID); err != nil {
		return err
	}
	return nil
}

// validatePublish rejects malformed publishes synchronously, before anything
// reaches the hub.
func (r *Router) validatePublish(connID uuid.UUID, env protocol.Envelope) (protocol.Event, error) {
	typ := gjson.GetBytes(env.Payload, "type").String()
	switch typ {
	case protocol.TypeGameMove, protocol.TypeChatMessage, protocol.TypePlaceBet:
	default:
		return protocol.Event{}, fmt.Errorf("%w: unknown publish type %q", protocol.ErrInvalidPayload, typ)
	}

	data := gjson.GetBytes(env.Payload, "data")
	if !data.Exists() {
		return protocol.Event{}, fmt.Errorf("%w: data is required", protocol.ErrInvalidPayload)
	}

	switch typ {
	case protocol.TypeChatMessage:
		text := data.Get("text")
		if !text.Exists() || text.String() == "" {
			return protocol.Event{}, fmt.Errorf("%w: chat message requires text", protocol.ErrInvalidPayload)
		}
		if len(text.String()) > maxChatTextLen {
			return protocol.Event{}, fmt.Errorf("%w: chat message exceeds %d characters", protocol.ErrInvalidPayload, maxChatTextLen)
		}
	case protocol.TypePlaceBet:
		amount := data.Get("amount")
		if !amount.Exists() || amount.Float() <= 0 {
			return protocol.Event{}, fmt.Errorf("%w: bet requires a positive amount", protocol.ErrInvalidPayload)
		}
	}

	return protocol.Event{
		Type:      typ,
		Payload:   []byte(data.Raw),
		EmittedAt: time.Now().UTC(),
		Origin:    connID,
	}, nil
}

func (r *Router) handleHeartbeat(connID uuid.UUID) error {
	return r.sendTo(connID, protocol.EventHeartbeatAck, "", map[string]any{
		"timestamp": time.Now().UTC(),
	})
}

func (r *Router) handleHistory(ctx context.Context, connID uuid.UUID, env protocol.Envelope) error {
	roomID := r.roomID(env)
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", protocol.ErrInvalidPayload)
	}

	typ := gjson.GetBytes(env.Payload, "type").String()
	if typ == "" {
		typ = protocol.TypeChatMessage
	}
	key := protocol.PersistenceKey(typ, roomID)
	if key == "" {
		return fmt.Errorf("%w: type %q has no history", protocol.ErrInvalidPayload, typ)
	}

	start := gjson.GetBytes(env.Payload, "start").Int()
	count := gjson.GetBytes(env.Payload, "count").Int()
	if count <= 0 {
		count = r.history.DefaultCount
	}
	if count <= 0 {
		count = eventlog.DefaultRangeCount
	}
	// The store clamps at its hard maximum regardless; the configured bound
	// can only tighten it.
	if r.history.MaxCount > 0 && count > r.history.MaxCount {
		count = r.history.MaxCount
	}

	entries, err := r.store.Range(ctx, key, start, count)
	if err != nil {
		return err
	}

	raw := make([]jsoniter.RawMessage, len(entries))
	for i, e := range entries {
		raw[i] = jsoniter.RawMessage(e)
	}
	// History goes to the requester only.
	return r.sendTo(connID, protocol.EventHistoryResult, roomID, map[string]any{
		"roomId":  roomID,
		"type":    typ,
		"entries": raw,
	})
}

// roomID pulls the room from the payload, falling back to the envelope field.
func (r *Router) roomID(env protocol.Envelope) string {
	if roomID := gjson.GetBytes(env.Payload, "roomId").String(); roomID != "" {
		return roomID
	}
	return env.Room
}

func (r *Router) sendTo(connID uuid.UUID, event, room string, payload any) error {
	conn, ok := r.state.Get(connID)
	if !ok {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(protocol.Envelope{Event: event, Room: room, Payload: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}
	conn.Transport.Send(frame)
	return nil
}

// sendError reports a failed action back to its origin, and nowhere else.
// Production mode strips everything but the category-generic message; the
// correlation id is what support digs with.
func (r *Router) sendError(connID uuid.UUID, err error) {
	correlationID := uuid.NewString()
	message := err.Error()
	if r.production {
		message = protocol.GenericMessage(err)
	}
	payload := protocol.ErrorPayload{
		Code:          protocol.Code(err),
		Message:       message,
		CorrelationID: correlationID,
	}
	if sendErr := r.sendTo(connID, protocol.EventError, "", payload); sendErr != nil {
		r.logger.Error("failed to send error to client", slog.Any("error", sendErr))
	}
}
