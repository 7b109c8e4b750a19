package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arenalive/relay/internal/eventlog"
	"github.com/arenalive/relay/internal/metrics"
	"github.com/arenalive/relay/internal/protocol"
	"github.com/arenalive/relay/internal/resilience"
	"github.com/arenalive/relay/pkg/state"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// appendTimeout bounds the synchronous event log append on the broadcast
	// path.
	appendTimeout = 5 * time.Second
	// recoveryTimeout bounds a background recovery run; worst case a failed
	// orchestration sleeps through every backoff step.
	recoveryTimeout = 30 * time.Second
)

// Hub fans events out to room members and mirrors eligible topics to the
// durable event log.
type Hub struct {
	logger       *slog.Logger
	state        state.Manager
	store        eventlog.Store
	agg          *metrics.Aggregator
	orchestrator *resilience.Orchestrator
	started      time.Time
}

func New(logger *slog.Logger, st state.Manager, store eventlog.Store, agg *metrics.Aggregator, orch *resilience.Orchestrator) *Hub {
	return &Hub{
		logger:       logger.With(slog.String("component", "hub")),
		state:        st,
		store:        store,
		agg:          agg,
		orchestrator: orch,
		started:      time.Now(),
	}
}

// Broadcast delivers evt to every member of topic except exclude, exactly
// once each. Delivery to one recipient is independent of the others: a full
// outbound queue drops that copy only. Chat and bet events are appended to
// the durable log. Returns how many members were handed the message.
func (h *Hub) Broadcast(ctx context.Context, topic string, evt protocol.Event, exclude uuid.UUID) (int, error) {
	members, ok := h.state.RoomMembers(topic)
	if !ok {
		return 0, fmt.Errorf("%w: %s", protocol.ErrRoomNotFound, topic)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event for %s: %w", topic, err)
	}
	frame, err := json.Marshal(protocol.Envelope{Event: evt.Type, Room: topic, Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope for %s: %w", topic, err)
	}

	if key := protocol.PersistenceKey(evt.Type, topic); key != "" {
		h.persist(key, evt)
	}

	delivered := 0
	for _, member := range members {
		if member.ID == exclude {
			continue
		}
		member.Transport.Send(frame)
		delivered++
	}

	h.agg.RecordBroadcast(evt.Type)
	h.logger.Debug("broadcast", slog.String("topic", topic), slog.String("type", evt.Type), slog.Int("delivered", delivered))
	return delivered, nil
}

// persist appends evt to the durable log, routing failures through the
// recovery orchestrator in the background so a sick store never delays the
// fan-out itself. The append runs on a detached context: the publisher's
// connection tearing down mid-broadcast must not lose the entry.
func (h *Hub) persist(key string, evt protocol.Event) {
	actx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	err := h.store.Append(actx, key, evt)
	cancel()
	if err != nil {
		h.logger.Warn("event log append failed, scheduling recovery", slog.String("key", key), slog.Any("error", err))
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
			defer cancel()
			_, rerr := h.orchestrator.Recover(rctx, err, func(opCtx context.Context) error {
				return h.store.Append(opCtx, key, evt)
			})
			if rerr != nil {
				h.logger.Error("event log append unrecovered, entry lost", slog.String("key", key), slog.Any("error", rerr))
			}
		}()
	}
}

// NotifyPeers tells the remaining members of roomID that a peer arrived or
// departed. Exactly one notice per room per transition.
func (h *Hub) NotifyPeers(event, roomID string, peerID uuid.UUID, peerUserID string) {
	members, ok := h.state.RoomMembers(roomID)
	if !ok {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"roomId":    roomID,
		"peerId":    peerID.String(),
		"userId":    peerUserID,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(protocol.Envelope{Event: event, Room: roomID, Payload: payload})
	if err != nil {
		return
	}

	for _, member := range members {
		if member.ID == peerID {
			continue
		}
		member.Transport.Send(frame)
	}
}

// Disconnect removes the connection from every room, notifies the remaining
// peers of each room exactly once, and releases the record.
func (h *Hub) Disconnect(connID uuid.UUID, reason error) {
	conn, ok := h.state.Get(connID)
	var userID string
	if ok {
		userID = conn.UserID()
	}

	rooms, existed := h.state.Deregister(connID)
	if !existed {
		return
	}
	for _, roomID := range rooms {
		h.NotifyPeers(protocol.EventPeerLeft, roomID, connID, userID)
	}
	h.agg.SetConnectionCount(h.state.Count())
	h.logger.Info("connection disconnected", slog.String("connID", connID.String()), slog.Int("rooms", len(rooms)), slog.Any("reason", reason))
}

// SystemHeartbeat broadcasts liveness to every connection, carrying uptime
// and the current connection count.
func (h *Hub) SystemHeartbeat() {
	conns := h.state.AllConnections()
	h.agg.SetConnectionCount(len(conns))

	payload, err := json.Marshal(map[string]any{
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
		"connections":   len(conns),
		"timestamp":     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(protocol.Envelope{Event: protocol.EventSystemHeartbeat, Payload: payload})
	if err != nil {
		return
	}

	for _, conn := range conns {
		conn.Transport.Send(frame)
	}
	h.logger.Debug("system heartbeat", slog.Int("connections", len(conns)))
}

// Started reports when this hub came up.
func (h *Hub) Started() time.Time {
	return h.started
}
