package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// WSHandler upgrades HTTP requests to websocket sessions and runs their read loops.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWSHandler builds the websocket endpoint for the given hub.
func NewWSHandler(hub *Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the overlay page, which may be served
			// from anywhere; auth comes from the chat challenge, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and pumps inbound messages into the hub until the
// connection drops.
func (h *WSHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err), slog.String("remote_addr", r.RemoteAddr))
		return
	}

	c, err := h.hub.Connect(conn)
	if err != nil {
		slog.Error("failed to register connection", slog.Any("err", err))
		_ = conn.Close()
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.hub.Disconnect(c)
			return
		}
		h.hub.HandleMessage(c, payload)
	}
}
