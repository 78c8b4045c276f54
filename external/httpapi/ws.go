package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/mediconnect/teleconsult/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type joinAck struct {
	Participant   room.View `json:"participant"`
	TransportMode string    `json:"transportMode"`
	RoomToken     string    `json:"roomToken,omitempty"`
	Warning       string    `json:"warning,omitempty"`
}

// ServeWS is the inbound connection protocol: one persistent socket per
// participant, every frame a typed envelope dispatched here.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	userID := r.URL.Query().Get("userId")
	role := room.Role(r.URL.Query().Get("role"))
	if roomID == "" || userID == "" || !role.Valid() {
		http.Error(w, "roomId, userId and a valid role are required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "room_id", roomID)
		return
	}

	conn := newWSConn(userID, ws)
	conn.start()

	result, err := h.svc.Join(r.Context(), roomID, userID, role, conn)
	if err != nil {
		_ = conn.Deliver(room.ErrorEnvelope(roomID, codeFor(err), err.Error()).Encode())
		conn.Close("join rejected")
		return
	}

	ack := joinAck{
		Participant:   result.Participant,
		TransportMode: string(result.Transport.Mode),
		RoomToken:     result.Transport.RoomToken,
	}
	if result.Warning != nil {
		ack.Warning = degradedWarning
	}
	ackBody, _ := json.Marshal(ack)
	_ = conn.Deliver(room.Envelope{Type: room.EnvelopeJoin, RoomID: roomID, FromUserID: userID, Payload: ackBody}.Encode())

	h.readLoop(roomID, userID, role, ws, conn)
}

// readLoop dispatches inbound envelopes until the socket drops. A socket
// closing without an explicit leave is a disconnection: the participant
// keeps its slot for the reconnect grace window.
func (h *Handler) readLoop(roomID, userID string, role room.Role, ws *websocket.Conn, conn *wsConn) {
	ctx := context.Background()
	left := false
	for {
		var env room.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "error", err, "room_id", roomID, "user_id", userID)
			}
			break
		}
		// The server, not the client, decides identity and room.
		env.RoomID = roomID
		env.FromUserID = userID

		switch env.Type {
		case room.EnvelopeSignalingOffer, room.EnvelopeSignalingAnswer, room.EnvelopeSignalingICE:
			if _, err := h.svc.RelaySignal(env); err != nil {
				_ = conn.Deliver(room.ErrorEnvelope(roomID, codeFor(err), err.Error()).Encode())
			}
		case room.EnvelopeChatMessage:
			if _, err := h.svc.SendChat(ctx, env, role); err != nil {
				_ = conn.Deliver(room.ErrorEnvelope(roomID, codeFor(err), err.Error()).Encode())
			}
		case room.EnvelopeMediaState:
			var state struct {
				room.MediaState
				Quality string `json:"quality"`
			}
			if err := json.Unmarshal(env.Payload, &state); err != nil {
				_ = conn.Deliver(room.ErrorEnvelope(roomID, "BadPayload", "media-state payload is invalid").Encode())
				continue
			}
			if err := h.svc.UpdateMediaState(roomID, userID, state.MediaState, state.Quality); err != nil {
				_ = conn.Deliver(room.ErrorEnvelope(roomID, codeFor(err), err.Error()).Encode())
			}
		case room.EnvelopeLeave:
			if err := h.svc.Leave(ctx, roomID, userID, "left room"); err != nil && !errors.Is(err, room.ErrNotJoined) {
				slog.Warn("leave failed", "error", err, "room_id", roomID, "user_id", userID)
			}
			left = true
		default:
			_ = conn.Deliver(room.ErrorEnvelope(roomID, "BadPayload", "unknown envelope type").Encode())
		}
		if left {
			break
		}
	}

	if !left {
		if err := h.svc.Disconnect(ctx, roomID, userID, "connection lost"); err != nil && !errors.Is(err, room.ErrNotJoined) && !errors.Is(err, room.ErrRoomNotFound) {
			slog.Warn("disconnect bookkeeping failed", "error", err, "room_id", roomID, "user_id", userID)
		}
	}
	conn.Close("read loop ended")
}
