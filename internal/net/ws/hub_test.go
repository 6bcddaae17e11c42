package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/fish"
	"cast-and-keep/server/internal/session"
	"cast-and-keep/server/internal/telemetry"
)

type staticAuth struct{}

func (staticAuth) PlayerID(token string) (string, error) {
	return token, nil
}

type dropRecorder struct {
	mu    sync.Mutex
	drops []string
}

func (d *dropRecorder) record(playerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drops = append(d.drops, playerID)
}

func (d *dropRecorder) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.drops))
	copy(out, d.drops)
	return out
}

type wsFixture struct {
	hub    *Hub
	server *httptest.Server
	drops  *dropRecorder
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	hub := NewHub(Config{HeartbeatInterval: time.Second, EmoteTTL: 5 * time.Second}, zerolog.Nop(), telemetry.NewNop())
	drops := &dropRecorder{}
	hub.OnDrop(drops.record)

	handler := NewHandler(hub, staticAuth{}, zerolog.Nop())
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &wsFixture{hub: hub, server: server, drops: drops}
}

// dial connects as the given player and consumes the join message.
func (fx *wsFixture) dial(t *testing.T, playerID, area string) (*websocket.Conn, map[string]any) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/?token=" + playerID + "&area=" + area
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", playerID, err)
	}
	t.Cleanup(func() { conn.Close() })

	join := readMessage(t, conn)
	if join["type"] != "join" {
		t.Fatalf("expected join as first message, got %v", join)
	}
	return conn, join
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode message %s: %v", payload, err)
	}
	return msg
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	if _, payload, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected silence, got %s", payload)
	}
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func TestJoinSnapshotExcludesSelf(t *testing.T) {
	fx := newWSFixture(t)

	_, join1 := fx.dial(t, "p1", "dock")
	if players, ok := join1["players"].([]any); !ok || len(players) != 0 {
		t.Fatalf("expected empty snapshot for first joiner, got %v", join1["players"])
	}

	_, join2 := fx.dial(t, "p2", "dock")
	players, ok := join2["players"].([]any)
	if !ok || len(players) != 1 {
		t.Fatalf("expected p1 in p2's snapshot, got %v", join2["players"])
	}
	first := players[0].(map[string]any)
	if first["id"] != "p1" {
		t.Fatalf("expected snapshot entry p1, got %v", first)
	}
}

func TestPlayerJoinedBroadcast(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	fx.dial(t, "p2", "dock")

	msg := readMessage(t, conn1)
	if msg["type"] != "player_joined" {
		t.Fatalf("expected player_joined, got %v", msg)
	}
	player := msg["player"].(map[string]any)
	if player["id"] != "p2" {
		t.Fatalf("expected p2 joining, got %v", player)
	}
}

func TestMoveBroadcastSkipsSender(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	conn2, _ := fx.dial(t, "p2", "dock")
	// Drain p1's player_joined for p2.
	if msg := readMessage(t, conn1); msg["type"] != "player_joined" {
		t.Fatalf("expected player_joined, got %v", msg)
	}

	send(t, conn2, `{"type":"move","x":3,"y":4,"direction":"up"}`)

	msg := readMessage(t, conn1)
	if msg["type"] != "player_moved" || msg["id"] != "p2" {
		t.Fatalf("expected p2 player_moved, got %v", msg)
	}
	if msg["x"].(float64) != 3 || msg["y"].(float64) != 4 || msg["direction"] != "up" {
		t.Fatalf("unexpected move payload %v", msg)
	}

	// The sender must not hear its own move echoed back. A heartbeat ack is
	// the next thing conn2 may receive.
	send(t, conn2, `{"type":"heartbeat","sentAt":1}`)
	ack := readMessage(t, conn2)
	if ack["type"] != "heartbeat" {
		t.Fatalf("expected heartbeat ack, not an echoed move: %v", ack)
	}
}

func TestBroadcastScopedToArea(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	conn3, _ := fx.dial(t, "p3", "reef")
	conn2, _ := fx.dial(t, "p2", "dock")
	if msg := readMessage(t, conn1); msg["type"] != "player_joined" {
		t.Fatalf("expected player_joined on conn1, got %v", msg)
	}

	send(t, conn2, `{"type":"move","x":1,"y":1,"direction":"left"}`)

	if msg := readMessage(t, conn1); msg["type"] != "player_moved" {
		t.Fatalf("expected player_moved in dock, got %v", msg)
	}
	expectNoMessage(t, conn3, 200*time.Millisecond)
}

func TestDuplicateSessionEvictsOldest(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	conn1b, _ := fx.dial(t, "p1", "dock")

	msg := readMessage(t, conn1)
	if msg["type"] != "duplicate_session" {
		t.Fatalf("expected duplicate_session on the older connection, got %v", msg)
	}
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Fatalf("expected the older connection closed after eviction")
	}

	// The newest connection stays functional: the evicted connection's
	// teardown must not remove the replacement's registration.
	send(t, conn1b, `{"type":"heartbeat","sentAt":1}`)
	ack := readMessage(t, conn1b)
	if ack["type"] != "heartbeat" {
		t.Fatalf("expected surviving connection to get heartbeat ack, got %v", ack)
	}

	// Its presence entry survives too: area broadcasts still reach it.
	fx.dial(t, "p2", "dock")
	if msg := readMessage(t, conn1b); msg["type"] != "player_joined" {
		t.Fatalf("expected survivor to receive broadcasts, got %v", msg)
	}

	drops := fx.drops.all()
	if len(drops) == 0 || drops[0] != "p1" {
		t.Fatalf("expected drop callback for the evicted connection, got %v", drops)
	}
}

func TestEmoteBroadcastCarriesServerTime(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	conn2, _ := fx.dial(t, "p2", "dock")
	if msg := readMessage(t, conn1); msg["type"] != "player_joined" {
		t.Fatalf("expected player_joined, got %v", msg)
	}

	send(t, conn2, `{"type":"emote","emote":"wave"}`)

	msg := readMessage(t, conn1)
	if msg["type"] != "player_emote" || msg["id"] != "p2" || msg["emote"] != "wave" {
		t.Fatalf("unexpected emote broadcast %v", msg)
	}
	if msg["serverTime"].(float64) <= 0 {
		t.Fatalf("expected server timestamp on emote, got %v", msg["serverTime"])
	}
}

func TestEmoteExpiresFromSnapshots(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	_ = conn1

	send(t, conn1, `{"type":"emote","emote":"wave"}`)

	// Give the read loop a moment to apply the emote.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fx.hub.mu.Lock()
		applied := fx.hub.players["p1"].presence.Emote == "wave"
		fx.hub.mu.Unlock()
		if applied {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Within the TTL the emote shows up in snapshots.
	fx.hub.mu.Lock()
	snapshot := fx.hub.snapshotLocked("dock", "")
	fx.hub.mu.Unlock()
	if len(snapshot) != 1 || snapshot[0].Emote != "wave" {
		t.Fatalf("expected live emote in snapshot, got %+v", snapshot)
	}

	// Past the TTL it is filtered out.
	fx.hub.SetNowFunc(func() time.Time { return time.Now().Add(10 * time.Second) })
	fx.hub.mu.Lock()
	snapshot = fx.hub.snapshotLocked("dock", "")
	fx.hub.mu.Unlock()
	if len(snapshot) != 1 || snapshot[0].Emote != "" {
		t.Fatalf("expected expired emote filtered, got %+v", snapshot)
	}
}

func TestSessionStateChangedMirrorsToArea(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	fx.dial(t, "p2", "dock")
	if msg := readMessage(t, conn1); msg["type"] != "player_joined" {
		t.Fatalf("expected player_joined, got %v", msg)
	}

	result := &session.Result{
		SessionID: "s1",
		PlayerID:  "p2",
		Success:   true,
		Fish:      session.FishSummary{ID: "r1", Name: "R1", Rarity: fish.RarityRare},
		Quality:   session.QualityPerfect,
	}
	fx.hub.SessionStateChanged("p2", session.StateSuccess, result)

	msg := readMessage(t, conn1)
	if msg["type"] != "player_state" || msg["id"] != "p2" || msg["state"] != "success" {
		t.Fatalf("unexpected state broadcast %v", msg)
	}
	lastCatch := msg["lastCatch"].(map[string]any)
	if lastCatch["fishId"] != "r1" || lastCatch["rarity"] != "rare" || lastCatch["quality"] != "perfect" {
		t.Fatalf("unexpected lastCatch %v", lastCatch)
	}
}

func TestNotifyTargetsOnePlayer(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	conn2, _ := fx.dial(t, "p2", "dock")
	if msg := readMessage(t, conn1); msg["type"] != "player_joined" {
		t.Fatalf("expected player_joined, got %v", msg)
	}

	fx.hub.Notify("p2", "quota_exceeded", "daily cast limit reached")

	msg := readMessage(t, conn2)
	if msg["type"] != "notice" || msg["code"] != "quota_exceeded" {
		t.Fatalf("unexpected notice %v", msg)
	}
	expectNoMessage(t, conn1, 200*time.Millisecond)

	// Notifying a disconnected player is a no-op.
	fx.hub.Notify("ghost", "quota_exceeded", "")
}

func TestSweepEvictsSilentPlayers(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	conn2, _ := fx.dial(t, "p2", "dock")
	if msg := readMessage(t, conn1); msg["type"] != "player_joined" {
		t.Fatalf("expected player_joined, got %v", msg)
	}

	// p2 heartbeats at the advanced time; p1 stays silent past the cutoff.
	future := time.Now().Add(fx.hub.cfg.DisconnectAfter() + time.Second)
	fx.hub.SetNowFunc(func() time.Time { return future })
	send(t, conn2, `{"type":"heartbeat","sentAt":1}`)
	if ack := readMessage(t, conn2); ack["type"] != "heartbeat" {
		t.Fatalf("expected heartbeat ack, got %v", ack)
	}

	fx.hub.sweep()

	msg := readMessage(t, conn2)
	if msg["type"] != "player_left" || msg["id"] != "p1" {
		t.Fatalf("expected player_left for p1, got %v", msg)
	}
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn1.ReadMessage(); err == nil {
		t.Fatalf("expected p1's connection closed by the sweeper")
	}

	drops := fx.drops.all()
	found := false
	for _, id := range drops {
		if id == "p1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected drop callback for p1, got %v", drops)
	}
}

func TestMalformedEventsAreDroppedNotFatal(t *testing.T) {
	fx := newWSFixture(t)

	conn1, _ := fx.dial(t, "p1", "dock")
	send(t, conn1, `{"type":"teleport"}`)
	send(t, conn1, `not json at all`)

	// The connection survives; a heartbeat still gets its ack.
	send(t, conn1, `{"type":"heartbeat","sentAt":1}`)
	ack := readMessage(t, conn1)
	if ack["type"] != "heartbeat" {
		t.Fatalf("expected heartbeat ack after malformed events, got %v", ack)
	}
}

func TestDiagnosticsSnapshot(t *testing.T) {
	fx := newWSFixture(t)

	fx.dial(t, "p1", "dock")
	fx.dial(t, "p2", "reef")

	players := fx.hub.DiagnosticsSnapshot()
	if len(players) != 2 {
		t.Fatalf("expected 2 players in diagnostics, got %d", len(players))
	}
	areas := map[string]string{}
	for _, p := range players {
		areas[p.ID] = p.Area
	}
	if areas["p1"] != "dock" || areas["p2"] != "reef" {
		t.Fatalf("unexpected diagnostics areas %v", areas)
	}
}
