// Package proto defines the presence wire protocol: a closed set of tagged
// variants validated at the boundary. Malformed or unknown events are
// rejected here, before anything reaches the hub.
package proto

import (
	"encoding/json"
	"fmt"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client event type identifiers.
const (
	TypeMove        = "move"
	TypeStateChange = "state_change"
	TypeEmote       = "emote"
	TypeHeartbeat   = "heartbeat"
)

// Server message type identifiers.
const (
	TypeJoin             = "join"
	TypePlayerJoined     = "player_joined"
	TypePlayerLeft       = "player_left"
	TypePlayerMoved      = "player_moved"
	TypePlayerState      = "player_state"
	TypePlayerEmote      = "player_emote"
	TypeDuplicateSession = "duplicate_session"
	TypeNotice           = "notice"
)

// CatchSummary is the last-catch flavor other players render above a fisher.
type CatchSummary struct {
	FishID   string `json:"fishId"`
	FishName string `json:"fishName"`
	Rarity   string `json:"rarity"`
	Quality  string `json:"quality"`
	Success  bool   `json:"success"`
}

// Presence is one player's broadcast entity. It is never persisted.
type Presence struct {
	ID        string        `json:"id"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Direction string        `json:"direction"`
	State     string        `json:"state"`
	LastCatch *CatchSummary `json:"lastCatch,omitempty"`
	Emote     string        `json:"emote,omitempty"`
	EmoteAt   int64         `json:"emoteAt,omitempty"`
}

// ClientEvent is the closed set of inbound events.
type ClientEvent interface {
	clientEvent()
}

// MoveEvent updates position and facing. Clients only send it when either
// actually changed.
type MoveEvent struct {
	X         float64
	Y         float64
	Direction string
}

// StateChangeEvent mirrors the sender's session state for remote rendering.
type StateChangeEvent struct {
	State     string
	LastCatch *CatchSummary
}

// EmoteEvent is ephemeral; receivers expire it without a clear message.
type EmoteEvent struct {
	Emote string
}

// HeartbeatEvent keeps idle connections alive and measures RTT.
type HeartbeatEvent struct {
	SentAt int64
}

func (MoveEvent) clientEvent()        {}
func (StateChangeEvent) clientEvent() {}
func (EmoteEvent) clientEvent()       {}
func (HeartbeatEvent) clientEvent()   {}

var validDirections = map[string]bool{
	"up":    true,
	"down":  true,
	"left":  true,
	"right": true,
}

var validStates = map[string]bool{
	"idle":        true,
	"casting":     true,
	"waiting":     true,
	"bite_window": true,
	"resolving":   true,
	"success":     true,
	"failure":     true,
}

const maxEmoteLength = 32

type clientEnvelope struct {
	Ver       int           `json:"ver,omitempty"`
	Type      string        `json:"type"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Direction string        `json:"direction"`
	State     string        `json:"state"`
	LastCatch *CatchSummary `json:"lastCatch"`
	Emote     string        `json:"emote"`
	SentAt    int64         `json:"sentAt"`
}

// DecodeClientEvent parses and validates one inbound frame.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	switch env.Type {
	case TypeMove:
		if !validDirections[env.Direction] {
			return nil, fmt.Errorf("move event with invalid direction %q", env.Direction)
		}
		return MoveEvent{X: env.X, Y: env.Y, Direction: env.Direction}, nil
	case TypeStateChange:
		if !validStates[env.State] {
			return nil, fmt.Errorf("state_change event with invalid state %q", env.State)
		}
		return StateChangeEvent{State: env.State, LastCatch: env.LastCatch}, nil
	case TypeEmote:
		if env.Emote == "" || len(env.Emote) > maxEmoteLength {
			return nil, fmt.Errorf("emote event with invalid payload")
		}
		return EmoteEvent{Emote: env.Emote}, nil
	case TypeHeartbeat:
		return HeartbeatEvent{SentAt: env.SentAt}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// JoinMessage is the full snapshot a new connection receives, excluding self.
type JoinMessage struct {
	Ver        int        `json:"ver"`
	Type       string     `json:"type"`
	ID         string     `json:"id"`
	Area       string     `json:"area"`
	Players    []Presence `json:"players"`
	ServerTime int64      `json:"serverTime"`
}

// PlayerJoinedMessage announces a newcomer to the rest of the area.
type PlayerJoinedMessage struct {
	Ver    int      `json:"ver"`
	Type   string   `json:"type"`
	Player Presence `json:"player"`
}

// PlayerLeftMessage removes a departed player.
type PlayerLeftMessage struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PlayerMovedMessage relays a move to the rest of the area.
type PlayerMovedMessage struct {
	Ver       int     `json:"ver"`
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction"`
}

// PlayerStateMessage relays a session-state mirror.
type PlayerStateMessage struct {
	Ver       int           `json:"ver"`
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	State     string        `json:"state"`
	LastCatch *CatchSummary `json:"lastCatch,omitempty"`
}

// PlayerEmoteMessage relays an emote stamped with server time; receivers
// expire it after a fixed duration.
type PlayerEmoteMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ID         string `json:"id"`
	Emote      string `json:"emote"`
	ServerTime int64  `json:"serverTime"`
}

// DuplicateSessionMessage tells a connection it lost to a newer one for the
// same account. The receiving client must stop autofishing immediately.
type DuplicateSessionMessage struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
}

// HeartbeatAckMessage answers a heartbeat.
type HeartbeatAckMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}

// NoticeMessage carries user-visible engine notices (quota exhausted,
// autofish stopped, recovery hints).
type NoticeMessage struct {
	Ver    int    `json:"ver"`
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}
