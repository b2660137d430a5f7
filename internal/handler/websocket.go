package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"datatracker/internal/domain"
	"datatracker/internal/hub"
)

type WSHandler struct {
	hub     *hub.Hub
	tracker Tracker
	logger  *slog.Logger
}

func NewWSHandler(h *hub.Hub, t Tracker, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, tracker: t, logger: logger.With("component", "ws_handler")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload selects tiles either by id or by bounding box.
type SubscribePayload struct {
	TileIDs []string            `json:"tileIds"`
	BBox    *domain.BoundingBox `json:"bbox,omitempty"`
}

type PongMessage struct {
	Type string `json:"type"`
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	client := hub.NewClient(uuid.New().String(), 64)
	if !h.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.sendTracks(client)

	go h.writeLoop(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		ServerStats.IncWSMessagesIn()

		if msgType != websocket.MessageText {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", client.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			tiles, ok := h.tiles(msg.Payload)
			if ok && len(tiles) > 0 {
				client.AddTiles(tiles)
				h.sendTracks(client)
			}

		case "unsubscribe":
			tiles, ok := h.tiles(msg.Payload)
			if ok && len(tiles) > 0 {
				client.RemoveTiles(tiles)
			}

		case "ping":
			h.sendPong(client)
		}
	}
}

func (h *WSHandler) tiles(raw json.RawMessage) ([]string, bool) {
	var payload SubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}

	tiles := make([]string, 0, len(payload.TileIDs))
	for _, id := range payload.TileIDs {
		if zoom, _, _, ok := hub.ParseTileID(id); ok && zoom == h.hub.Zoom() {
			tiles = append(tiles, id)
		}
	}
	if payload.BBox != nil {
		tiles = append(tiles, hub.TilesInBBox(*payload.BBox, h.hub.Zoom())...)
	}
	return tiles, true
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) sendTracks(client *hub.Client) {
	data, err := h.hub.EncodeTracks(client, h.tracker.Tracks())
	if err != nil {
		return
	}

	select {
	case client.Send <- data:
	default:
		h.logger.Debug("failed to send tracks, buffer full", "client_id", client.ID)
	}
}

func (h *WSHandler) sendPong(client *hub.Client) {
	data, err := json.Marshal(PongMessage{Type: "pong"})
	if err != nil {
		return
	}

	select {
	case client.Send <- data:
	default:
	}
}
