package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/net/proto"
	"cast-and-keep/server/internal/session"
	"cast-and-keep/server/internal/telemetry"
)

const writeWait = 10 * time.Second

// Config tunes the hub's liveness checks and emote lifetime.
type Config struct {
	HeartbeatInterval time.Duration
	EmoteTTL          time.Duration
}

// DisconnectAfter is how long a silent connection survives.
func (c Config) DisconnectAfter() time.Duration {
	return 3 * c.HeartbeatInterval
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type playerState struct {
	presence      proto.Presence
	area          string
	lastHeartbeat time.Time
	lastRTT       time.Duration
}

// Hub owns every connected player's presence and relays events within an
// area. Each presence is mutated only through its owning connection (or the
// session manager's authoritative state mirror); everyone else holds
// eventually-consistent copies.
type Hub struct {
	mu          sync.Mutex
	players     map[string]*playerState
	subscribers map[string]*subscriber

	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	// onDrop runs whenever a player's connection ends, whether by leave,
	// heartbeat timeout, or duplicate-session eviction. The autofish runner
	// hooks it to force-stop loops.
	onDrop func(playerID string)
}

func NewHub(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Hub {
	return &Hub{
		players:     make(map[string]*playerState),
		subscribers: make(map[string]*subscriber),
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// SetNowFunc overrides the clock, for sweep tests.
func (h *Hub) SetNowFunc(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

// OnDrop registers the connection-ended callback.
func (h *Hub) OnDrop(fn func(playerID string)) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

func (h *Hub) drop(playerID string) {
	h.mu.Lock()
	fn := h.onDrop
	h.mu.Unlock()
	if fn != nil {
		fn(playerID)
	}
}

// snapshotLocked renders the current presences of an area, excluding one
// player and any emote past its lifetime.
func (h *Hub) snapshotLocked(area, exclude string) []proto.Presence {
	now := h.now()
	players := make([]proto.Presence, 0, len(h.players))
	for id, state := range h.players {
		if id == exclude || state.area != area {
			continue
		}
		p := state.presence
		if p.Emote != "" && now.Sub(time.UnixMilli(p.EmoteAt)) > h.cfg.EmoteTTL {
			p.Emote = ""
			p.EmoteAt = 0
		}
		players = append(players, p)
	}
	return players
}

// Connect registers a player's connection and returns after the join
// snapshot is written. A second connection for the same account evicts the
// first: the old connection receives duplicate_session and is closed, and
// the newest one survives. The returned subscriber identifies this
// connection for teardown; an evicted connection tearing itself down must
// not take the replacement with it.
func (h *Hub) Connect(playerID, area string, conn *websocket.Conn) (*subscriber, error) {
	sub := &subscriber{conn: conn}

	h.mu.Lock()
	evicted := h.subscribers[playerID]
	oldArea := ""
	if old, ok := h.players[playerID]; ok {
		oldArea = old.area
	}
	h.subscribers[playerID] = sub
	h.players[playerID] = &playerState{
		presence:      proto.Presence{ID: playerID, Direction: "down", State: session.StateIdle.String()},
		area:          area,
		lastHeartbeat: h.now(),
	}
	snapshot := h.snapshotLocked(area, playerID)
	h.mu.Unlock()

	if evicted != nil {
		h.metrics.WSEvictions.Inc()
		h.logger.Info().Str("player", playerID).Msg("evicting older connection for duplicate session")
		if err := evicted.writeJSON(proto.DuplicateSessionMessage{Ver: proto.Version, Type: proto.TypeDuplicateSession}); err != nil {
			h.logger.Debug().Err(err).Str("player", playerID).Msg("duplicate_session notify failed")
		}
		evicted.conn.Close()
		h.drop(playerID)
		if oldArea != "" && oldArea != area {
			h.broadcast(oldArea, playerID, proto.PlayerLeftMessage{
				Ver:  proto.Version,
				Type: proto.TypePlayerLeft,
				ID:   playerID,
			})
		}
	}

	join := proto.JoinMessage{
		Ver:        proto.Version,
		Type:       proto.TypeJoin,
		ID:         playerID,
		Area:       area,
		Players:    snapshot,
		ServerTime: h.now().UnixMilli(),
	}
	if err := sub.writeJSON(join); err != nil {
		h.disconnectSub(playerID, sub)
		return nil, err
	}

	h.metrics.WSConnects.Inc()
	h.metrics.PresencePlayers.Set(float64(h.playerCount()))

	joined := proto.PlayerJoinedMessage{
		Ver:  proto.Version,
		Type: proto.TypePlayerJoined,
		Player: proto.Presence{
			ID:        playerID,
			Direction: "down",
			State:     session.StateIdle.String(),
		},
	}
	h.broadcast(area, playerID, joined)
	return sub, nil
}

// Disconnect tears down a player's presence regardless of which connection
// owns it. Used by the sweeper, where staleness itself is the verdict.
func (h *Hub) Disconnect(playerID string) {
	h.disconnectSub(playerID, nil)
}

// disconnectSub tears down a player's presence and tells the area. When sub
// is non-nil the entry is only removed if sub still owns it: a connection
// evicted by a newer one finds the slot re-owned and leaves the survivor
// alone.
func (h *Hub) disconnectSub(playerID string, sub *subscriber) {
	h.mu.Lock()
	cur, subOK := h.subscribers[playerID]
	if sub != nil && (!subOK || cur != sub) {
		h.mu.Unlock()
		sub.conn.Close()
		return
	}
	state, playerOK := h.players[playerID]
	delete(h.subscribers, playerID)
	delete(h.players, playerID)
	h.mu.Unlock()

	if subOK {
		cur.conn.Close()
	}
	if !playerOK {
		return
	}

	h.metrics.PresencePlayers.Set(float64(h.playerCount()))
	h.drop(playerID)
	h.broadcast(state.area, playerID, proto.PlayerLeftMessage{
		Ver:  proto.Version,
		Type: proto.TypePlayerLeft,
		ID:   playerID,
	})
}

func (h *Hub) playerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.players)
}

// HandleEvent applies one validated inbound event.
func (h *Hub) HandleEvent(playerID string, ev proto.ClientEvent) {
	switch ev := ev.(type) {
	case proto.MoveEvent:
		h.handleMove(playerID, ev)
	case proto.StateChangeEvent:
		h.handleStateChange(playerID, ev)
	case proto.EmoteEvent:
		h.handleEmote(playerID, ev)
	case proto.HeartbeatEvent:
		h.handleHeartbeat(playerID, ev)
	default:
		h.logger.Warn().Str("player", playerID).Msg("event type fell through the decoder")
	}
}

func (h *Hub) handleMove(playerID string, ev proto.MoveEvent) {
	h.mu.Lock()
	state, ok := h.players[playerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.presence.X = ev.X
	state.presence.Y = ev.Y
	state.presence.Direction = ev.Direction
	area := state.area
	h.mu.Unlock()

	h.broadcast(area, playerID, proto.PlayerMovedMessage{
		Ver:       proto.Version,
		Type:      proto.TypePlayerMoved,
		ID:        playerID,
		X:         ev.X,
		Y:         ev.Y,
		Direction: ev.Direction,
	})
}

func (h *Hub) handleStateChange(playerID string, ev proto.StateChangeEvent) {
	h.mu.Lock()
	state, ok := h.players[playerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.presence.State = ev.State
	if ev.LastCatch != nil {
		state.presence.LastCatch = ev.LastCatch
	}
	area := state.area
	h.mu.Unlock()

	h.broadcast(area, playerID, proto.PlayerStateMessage{
		Ver:       proto.Version,
		Type:      proto.TypePlayerState,
		ID:        playerID,
		State:     ev.State,
		LastCatch: ev.LastCatch,
	})
}

func (h *Hub) handleEmote(playerID string, ev proto.EmoteEvent) {
	now := h.now()

	h.mu.Lock()
	state, ok := h.players[playerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.presence.Emote = ev.Emote
	state.presence.EmoteAt = now.UnixMilli()
	area := state.area
	h.mu.Unlock()

	h.broadcast(area, playerID, proto.PlayerEmoteMessage{
		Ver:        proto.Version,
		Type:       proto.TypePlayerEmote,
		ID:         playerID,
		Emote:      ev.Emote,
		ServerTime: now.UnixMilli(),
	})
}

func (h *Hub) handleHeartbeat(playerID string, ev proto.HeartbeatEvent) {
	now := h.now()

	h.mu.Lock()
	state, ok := h.players[playerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.lastHeartbeat = now
	if ev.SentAt > 0 {
		clientTime := time.UnixMilli(ev.SentAt)
		if clientTime.Before(now.Add(5 * time.Second)) {
			rtt := now.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
			state.lastRTT = rtt
		}
	}
	rtt := state.lastRTT
	sub := h.subscribers[playerID]
	h.mu.Unlock()

	if sub == nil {
		return
	}
	ack := proto.HeartbeatAckMessage{
		Ver:        proto.Version,
		Type:       proto.TypeHeartbeat,
		ServerTime: now.UnixMilli(),
		ClientTime: ev.SentAt,
		RTTMillis:  rtt.Milliseconds(),
	}
	if err := sub.writeJSON(ack); err != nil {
		h.disconnectSub(playerID, sub)
	}
}

// SessionStateChanged mirrors the session manager's authoritative
// transitions into presence so remote players render them. Implements
// session.Observer.
func (h *Hub) SessionStateChanged(playerID string, state session.State, result *session.Result) {
	var lastCatch *proto.CatchSummary
	if result != nil {
		lastCatch = &proto.CatchSummary{
			FishID:   result.Fish.ID,
			FishName: result.Fish.Name,
			Rarity:   result.Fish.Rarity.String(),
			Quality:  string(result.Quality),
			Success:  result.Success,
		}
	}
	h.handleStateChange(playerID, proto.StateChangeEvent{State: state.String(), LastCatch: lastCatch})
}

// Notify sends a user-visible notice to a single player. No-op when the
// player is not connected.
func (h *Hub) Notify(playerID, code, detail string) {
	h.mu.Lock()
	sub := h.subscribers[playerID]
	h.mu.Unlock()
	if sub == nil {
		return
	}
	msg := proto.NoticeMessage{Ver: proto.Version, Type: proto.TypeNotice, Code: code, Detail: detail}
	if err := sub.writeJSON(msg); err != nil {
		h.disconnectSub(playerID, sub)
	}
}

// broadcast writes a payload to every subscriber in the area except the
// originating player. Write failures disconnect the broken subscriber.
func (h *Hub) broadcast(area, exclude string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal broadcast payload")
		return
	}

	h.mu.Lock()
	subs := make(map[string]*subscriber)
	for id, sub := range h.subscribers {
		// Echo filtering: a duplicate-session race must never let a client
		// see its own identity in the relay stream.
		if id == exclude {
			continue
		}
		if state, ok := h.players[id]; !ok || state.area != area {
			continue
		}
		subs[id] = sub
	}
	h.mu.Unlock()

	for id, sub := range subs {
		sub.mu.Lock()
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := sub.conn.WriteMessage(websocket.TextMessage, data)
		sub.mu.Unlock()
		if err != nil {
			h.logger.Debug().Err(err).Str("player", id).Msg("broadcast write failed")
			go h.disconnectSub(id, sub)
			continue
		}
		h.metrics.BroadcastBytes.Add(float64(len(data)))
	}
}

// RunSweeper evicts players whose heartbeats stopped. Blocks until ctx ends.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	cutoff := h.cfg.DisconnectAfter()
	now := h.now()

	h.mu.Lock()
	var stale []string
	for id, state := range h.players {
		if now.Sub(state.lastHeartbeat) > cutoff {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.logger.Info().Str("player", id).Msg("disconnecting player after heartbeat timeout")
		h.Disconnect(id)
	}
}

// DiagnosticsPlayer is one row of the /diagnostics payload.
type DiagnosticsPlayer struct {
	ID            string `json:"id"`
	Area          string `json:"area"`
	State         string `json:"state"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RTTMillis     int64  `json:"rttMillis"`
}

// DiagnosticsSnapshot reports connection health for every player.
func (h *Hub) DiagnosticsSnapshot() []DiagnosticsPlayer {
	h.mu.Lock()
	defer h.mu.Unlock()

	players := make([]DiagnosticsPlayer, 0, len(h.players))
	for id, state := range h.players {
		players = append(players, DiagnosticsPlayer{
			ID:            id,
			Area:          state.area,
			State:         state.presence.State,
			LastHeartbeat: state.lastHeartbeat.UnixMilli(),
			RTTMillis:     state.lastRTT.Milliseconds(),
		})
	}
	return players
}
