package ws

import (
	nethttp "net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/net/proto"
)

// Authenticator resolves the opaque token supplied at connection
// establishment. There is no per-message auth.
type Authenticator interface {
	PlayerID(token string) (string, error)
}

// Handler upgrades presence connections and pumps their read loops.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, auth Authenticator, logger zerolog.Logger) *Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}
	return &Handler{hub: hub, auth: auth, logger: logger, upgrader: upgrader}
}

// ServeHTTP serves one presence connection until it drops.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		nethttp.Error(w, "missing token", nethttp.StatusBadRequest)
		return
	}
	playerID, err := h.auth.PlayerID(token)
	if err != nil {
		nethttp.Error(w, "invalid token", nethttp.StatusUnauthorized)
		return
	}
	area := r.URL.Query().Get("area")
	if area == "" {
		area = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("player", playerID).Msg("websocket upgrade failed")
		return
	}

	sub, err := h.hub.Connect(playerID, area, conn)
	if err != nil {
		h.logger.Warn().Err(err).Str("player", playerID).Msg("join snapshot write failed")
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// Teardown is keyed to this connection: if a duplicate session
			// already took the slot, the replacement stays registered.
			h.hub.disconnectSub(playerID, sub)
			return
		}

		ev, err := proto.DecodeClientEvent(payload)
		if err != nil {
			// Malformed events are dropped, never fatal to the connection.
			h.logger.Debug().Err(err).Str("player", playerID).Msg("discarding event")
			continue
		}
		h.hub.HandleEvent(playerID, ev)
	}
}
