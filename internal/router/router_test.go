package router_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arenalive/relay/internal/auth"
	"github.com/arenalive/relay/internal/eventlog"
	"github.com/arenalive/relay/internal/hub"
	"github.com/arenalive/relay/internal/metrics"
	"github.com/arenalive/relay/internal/protocol"
	"github.com/arenalive/relay/internal/resilience"
	"github.com/arenalive/relay/internal/router"
	"github.com/arenalive/relay/pkg/config"
	"github.com/arenalive/relay/pkg/state"
	"github.com/arenalive/relay/pkg/state/statemanager"
	"github.com/arenalive/relay/pkg/transport"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const testSecret = "router-test-secret"

type fakeSender struct {
	id   uuid.UUID
	mu   sync.Mutex
	sent [][]byte
}

var _ transport.Sender = (*fakeSender)(nil)

func newFakeSender() *fakeSender {
	return &fakeSender{id: uuid.New()}
}

func (f *fakeSender) ID() uuid.UUID { return f.id }

func (f *fakeSender) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeSender) Close(err error) {}

// frames returns the raw frames sent so far, as strings for gjson digging.
func (f *fakeSender) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, raw := range f.sent {
		out[i] = string(raw)
	}
	return out
}

func (f *fakeSender) lastFrame(t *testing.T) string {
	t.Helper()
	frames := f.frames()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	return frames[len(frames)-1]
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fixture struct {
	router  *router.Router
	manager state.Manager
	store   *eventlog.MemoryStore
}

func newFixture(t *testing.T, production bool) *fixture {
	t.Helper()
	return newFixtureWithHistory(t, production, config.HistoryConfig{})
}

func newFixtureWithHistory(t *testing.T, production bool, history config.HistoryConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := statemanager.NewInMemoryManager(logger)
	store := eventlog.NewMemoryStore(24 * time.Hour)
	agg := metrics.NewAggregator()

	registry := resilience.NewRegistry()
	if err := resilience.RegisterDefaults(registry, resilience.Probes{}); err != nil {
		t.Fatalf("RegisterDefaults failed: %v", err)
	}
	breakers := resilience.NewBreakerSet(logger, 5, 5*time.Minute)
	orch := resilience.NewOrchestrator(logger, registry, breakers, agg)
	h := hub.New(logger, manager, store, agg, orch)

	verifier := auth.NewJWTVerifier(testSecret)
	return &fixture{
		router:  router.New(logger, manager, h, verifier, store, history, production),
		manager: manager,
		store:   store,
	}
}

func (fx *fixture) connect(t *testing.T) *fakeSender {
	t.Helper()
	s := newFakeSender()
	if _, err := fx.manager.Register(s, "127.0.0.1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return s
}

func (fx *fixture) handle(t *testing.T, s *fakeSender, msg string) {
	t.Helper()
	fx.router.HandleMessage(context.Background(), s.ID(), []byte(msg))
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

func TestLiveGameFlow(t *testing.T) {
	fx := newFixture(t, false)
	player, spectator := fx.connect(t), fx.connect(t)

	fx.handle(t, player, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	if got := gjson.Get(player.lastFrame(t), "event").String(); got != protocol.EventRoomJoined {
		t.Fatalf("join ack = %q, want room-joined", got)
	}

	fx.handle(t, spectator, `{"event":"join-room","payload":{"roomId":"game:42"}}`)

	// The earlier member hears about the newcomer.
	joined := false
	for _, frame := range player.frames() {
		if gjson.Get(frame, "event").String() == protocol.EventPeerJoined {
			joined = true
		}
	}
	if !joined {
		t.Error("existing member never received peer-joined")
	}

	player.reset()
	spectator.reset()
	fx.handle(t, player, `{"event":"publish","payload":{"roomId":"game:42","type":"chat-message","data":{"text":"Nice move!"}}}`)

	// The sender gets no echo of its own publish.
	if len(player.frames()) != 0 {
		t.Errorf("sender received %d frames, want 0", len(player.frames()))
	}

	frames := spectator.frames()
	if len(frames) != 1 {
		t.Fatalf("spectator received %d frames, want 1", len(frames))
	}
	frame := frames[0]
	if gjson.Get(frame, "event").String() != protocol.TypeChatMessage {
		t.Errorf("event = %q, want chat-message", gjson.Get(frame, "event").String())
	}
	if gjson.Get(frame, "room").String() != "game:42" {
		t.Errorf("room = %q, want game:42", gjson.Get(frame, "room").String())
	}
	if gjson.Get(frame, "payload.data.text").String() != "Nice move!" {
		t.Errorf("text = %q, want the published message", gjson.Get(frame, "payload.data.text").String())
	}
	// The relay stamps delivery time server-side.
	if gjson.Get(frame, "payload.emittedAt").String() == "" {
		t.Error("payload is missing the server timestamp")
	}

	// Chat is durable and retrievable afterwards.
	entries, err := fx.store.Range(context.Background(), "chat:game:42", 0, 50)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(entries) != 1 || !strings.Contains(entries[0], "Nice move!") {
		t.Errorf("persisted entries = %v, want the chat message", entries)
	}
}

func TestAuthenticateAttachesIdentity(t *testing.T) {
	fx := newFixture(t, false)
	conn := fx.connect(t)

	fx.handle(t, conn, `{"event":"authenticate","payload":{"token":"`+signToken(t, "user-7")+`"}}`)

	frame := conn.lastFrame(t)
	if gjson.Get(frame, "event").String() != protocol.EventAuthenticated {
		t.Fatalf("reply = %s, want authenticated", frame)
	}
	if gjson.Get(frame, "payload.userId").String() != "user-7" {
		t.Errorf("userId = %q, want user-7", gjson.Get(frame, "payload.userId").String())
	}

	record, ok := fx.manager.Get(conn.ID())
	if !ok || !record.Authenticated() || record.UserID() != "user-7" {
		t.Fatalf("connection record = %+v, want authenticated as user-7", record)
	}
	// The identity-scoped room lets the platform target the user directly.
	if _, member := record.Rooms["user:user-7"]; !member {
		t.Error("connection was not auto-joined to its identity room")
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	fx := newFixture(t, false)
	conn := fx.connect(t)

	fx.handle(t, conn, `{"event":"authenticate","payload":{"token":"bogus"}}`)

	frame := conn.lastFrame(t)
	if gjson.Get(frame, "event").String() != protocol.EventError {
		t.Fatalf("reply = %s, want an error frame", frame)
	}
	if gjson.Get(frame, "payload.code").String() != "AUTHENTICATION_REQUIRED" {
		t.Errorf("code = %q, want AUTHENTICATION_REQUIRED", gjson.Get(frame, "payload.code").String())
	}
	if gjson.Get(frame, "payload.correlationId").String() == "" {
		t.Error("error frame is missing a correlation id")
	}

	record, _ := fx.manager.Get(conn.ID())
	if record.Authenticated() {
		t.Error("rejected token still attached an identity")
	}
}

func TestPublishValidation(t *testing.T) {
	fx := newFixture(t, false)
	sender := fx.connect(t)
	member := fx.connect(t)
	fx.handle(t, sender, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	fx.handle(t, member, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	sender.reset()
	member.reset()

	longText := strings.Repeat("x", 2001)
	tests := []struct {
		name    string
		payload string
	}{
		{"unknown type", `{"roomId":"game:42","type":"launch-missiles","data":{}}`},
		{"missing data", `{"roomId":"game:42","type":"game-move"}`},
		{"empty chat text", `{"roomId":"game:42","type":"chat-message","data":{"text":""}}`},
		{"oversized chat text", `{"roomId":"game:42","type":"chat-message","data":{"text":"` + longText + `"}}`},
		{"zero bet amount", `{"roomId":"game:42","type":"place-bet","data":{"amount":0}}`},
		{"negative bet amount", `{"roomId":"game:42","type":"place-bet","data":{"amount":-5}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sender.reset()
			member.reset()
			fx.handle(t, sender, `{"event":"publish","payload":`+tc.payload+`}`)

			frame := sender.lastFrame(t)
			if gjson.Get(frame, "event").String() != protocol.EventError {
				t.Fatalf("reply = %s, want an error frame", frame)
			}
			if gjson.Get(frame, "payload.code").String() != "INVALID_PAYLOAD" {
				t.Errorf("code = %q, want INVALID_PAYLOAD", gjson.Get(frame, "payload.code").String())
			}
			// Rejections never reach the room.
			if len(member.frames()) != 0 {
				t.Errorf("member received %d frames from a rejected publish", len(member.frames()))
			}
		})
	}
}

func TestPublishRequiresMembership(t *testing.T) {
	fx := newFixture(t, false)
	member := fx.connect(t)
	outsider := fx.connect(t)
	fx.handle(t, member, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	member.reset()

	fx.handle(t, outsider, `{"event":"publish","payload":{"roomId":"game:42","type":"chat-message","data":{"text":"hi"}}}`)

	frame := outsider.lastFrame(t)
	if gjson.Get(frame, "payload.code").String() != "ROOM_NOT_FOUND" {
		t.Errorf("code = %q, want ROOM_NOT_FOUND", gjson.Get(frame, "payload.code").String())
	}
	if len(member.frames()) != 0 {
		t.Error("non-member publish leaked into the room")
	}

	entries, _ := fx.store.Range(context.Background(), "chat:game:42", 0, 50)
	if len(entries) != 0 {
		t.Error("non-member publish was persisted")
	}
}

func TestLeaveNotifiesPeers(t *testing.T) {
	fx := newFixture(t, false)
	leaver, stayer := fx.connect(t), fx.connect(t)
	fx.handle(t, leaver, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	fx.handle(t, stayer, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	stayer.reset()

	fx.handle(t, leaver, `{"event":"leave-room","payload":{"roomId":"game:42"}}`)

	if got := gjson.Get(leaver.lastFrame(t), "event").String(); got != protocol.EventRoomLeft {
		t.Errorf("leave ack = %q, want room-left", got)
	}
	frames := stayer.frames()
	if len(frames) != 1 || gjson.Get(frames[0], "event").String() != protocol.EventPeerLeft {
		t.Errorf("stayer frames = %v, want one peer-left", frames)
	}

	// Leaving a room you are not in acks without notifying anyone.
	stayer.reset()
	fx.handle(t, leaver, `{"event":"leave-room","payload":{"roomId":"game:42"}}`)
	if len(stayer.frames()) != 0 {
		t.Error("repeat leave produced a peer-left")
	}
}

func TestHeartbeatAck(t *testing.T) {
	fx := newFixture(t, false)
	conn := fx.connect(t)

	fx.handle(t, conn, `{"event":"heartbeat"}`)

	frame := conn.lastFrame(t)
	if gjson.Get(frame, "event").String() != protocol.EventHeartbeatAck {
		t.Fatalf("reply = %s, want heartbeat-ack", frame)
	}
	if gjson.Get(frame, "payload.timestamp").String() == "" {
		t.Error("heartbeat-ack is missing its timestamp")
	}
}

func TestHistoryReturnsToRequesterOnly(t *testing.T) {
	fx := newFixture(t, false)
	talker, reader := fx.connect(t), fx.connect(t)
	fx.handle(t, talker, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	fx.handle(t, reader, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	for _, text := range []string{"first", "second", "third"} {
		fx.handle(t, talker, `{"event":"publish","payload":{"roomId":"game:42","type":"chat-message","data":{"text":"`+text+`"}}}`)
	}
	talker.reset()
	reader.reset()

	fx.handle(t, reader, `{"event":"history","payload":{"roomId":"game:42"}}`)

	frames := reader.frames()
	if len(frames) != 1 {
		t.Fatalf("reader received %d frames, want 1", len(frames))
	}
	frame := frames[0]
	if gjson.Get(frame, "event").String() != protocol.EventHistoryResult {
		t.Fatalf("reply = %s, want history-result", frame)
	}
	entries := gjson.Get(frame, "payload.entries").Array()
	if len(entries) != 3 {
		t.Fatalf("history returned %d entries, want 3", len(entries))
	}
	if entries[0].Get("data.text").String() != "first" {
		t.Errorf("first entry = %s, want oldest first", entries[0].Raw)
	}

	// History is a private read, not a broadcast.
	if len(talker.frames()) != 0 {
		t.Errorf("history leaked %d frames to other members", len(talker.frames()))
	}
}

func TestHistoryHonoursConfiguredBounds(t *testing.T) {
	fx := newFixtureWithHistory(t, false, config.HistoryConfig{DefaultCount: 2, MaxCount: 3})
	talker, reader := fx.connect(t), fx.connect(t)
	fx.handle(t, talker, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	fx.handle(t, reader, `{"event":"join-room","payload":{"roomId":"game:42"}}`)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		fx.handle(t, talker, `{"event":"publish","payload":{"roomId":"game:42","type":"chat-message","data":{"text":"`+text+`"}}}`)
	}

	// No count falls back to the configured default.
	reader.reset()
	fx.handle(t, reader, `{"event":"history","payload":{"roomId":"game:42"}}`)
	if got := len(gjson.Get(reader.lastFrame(t), "payload.entries").Array()); got != 2 {
		t.Errorf("default read returned %d entries, want configured default 2", got)
	}

	// An oversized count clamps to the configured maximum.
	reader.reset()
	fx.handle(t, reader, `{"event":"history","payload":{"roomId":"game:42","count":50}}`)
	if got := len(gjson.Get(reader.lastFrame(t), "payload.entries").Array()); got != 3 {
		t.Errorf("oversized read returned %d entries, want configured max 3", got)
	}
}

func TestUnparseableAndUnknownEvents(t *testing.T) {
	fx := newFixture(t, false)
	conn := fx.connect(t)

	fx.handle(t, conn, `{not json`)
	if got := gjson.Get(conn.lastFrame(t), "payload.code").String(); got != "INVALID_PAYLOAD" {
		t.Errorf("code = %q, want INVALID_PAYLOAD for malformed JSON", got)
	}

	fx.handle(t, conn, `{"event":"self-destruct"}`)
	if got := gjson.Get(conn.lastFrame(t), "payload.code").String(); got != "INVALID_PAYLOAD" {
		t.Errorf("code = %q, want INVALID_PAYLOAD for unknown event", got)
	}
}

func TestProductionModeStripsErrorDetail(t *testing.T) {
	fx := newFixture(t, true)
	conn := fx.connect(t)

	fx.handle(t, conn, `{"event":"publish","payload":{"roomId":"game:42","type":"launch-missiles","data":{}}}`)

	frame := conn.lastFrame(t)
	message := gjson.Get(frame, "payload.message").String()
	if message != "the request payload is invalid" {
		t.Errorf("message = %q, want the generic text only", message)
	}
	if strings.Contains(message, "launch-missiles") {
		t.Error("production error leaked request detail")
	}
	if gjson.Get(frame, "payload.correlationId").String() == "" {
		t.Error("production error is missing its correlation id")
	}
}
