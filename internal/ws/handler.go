// Package ws implements the websocket protocol between viewer clients and
// their rooms: handshake authentication, message validation and broadcast.
package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/strukturag/pdfdraw/internal/auth"
	"github.com/strukturag/pdfdraw/internal/room"
	"github.com/strukturag/pdfdraw/internal/util"
)

// Handler upgrades authenticated connections and joins them to their room.
type Handler struct {
	secret   []byte
	registry *room.Registry
	upgrader websocket.Upgrader
}

func NewHandler(secret []byte, registry *room.Registry) *Handler {
	return &Handler{
		secret:   secret,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The session token is the access control; viewers are
			// embedded from arbitrary CMS origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := handshakeToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := auth.Verify(h.secret, token)
	if err != nil {
		log.Printf("rejected connection: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	fileID := claims.DocumentID()
	if fileID == "" {
		log.Print("rejected connection: token without file id")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if claims.Issuer == "" {
		log.Print("rejected connection: token without issuer")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := newClient(util.NewID("conn"), conn, h.registry)
	client.room = h.registry.Join(fileID, claims.Issuer, client, room.Participant{
		DisplayName: claims.DisplayName,
		Permissions: claims.Permissions,
	})

	go client.WritePump()
	go client.ReadPump()
}

func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
