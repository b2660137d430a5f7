package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"datatracker/internal/domain"
)

type Client struct {
	ID    string
	Send  chan []byte
	tiles map[string]struct{}
	mu    sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, bufferSize),
		tiles: make(map[string]struct{}),
	}
}

func (c *Client) AddTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		c.tiles[id] = struct{}{}
	}
}

func (c *Client) RemoveTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		delete(c.tiles, id)
	}
}

// Filter returns the features whose newest point lies in one of the
// client's tiles. A client without tiles receives every feature.
func (c *Client) Filter(fc domain.FeatureCollection, zoom int) domain.FeatureCollection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.tiles) == 0 {
		return fc
	}

	out := domain.NewFeatureCollection()
	for i := range fc.Features {
		lon, lat, ok := fc.Features[i].Head()
		if !ok {
			continue
		}
		if _, ok := c.tiles[TileID(lat, lon, zoom)]; ok {
			out.Features = append(out.Features, fc.Features[i])
		}
	}
	return out
}

// Hub fans track collections out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	zoom    int

	register   chan *Client
	unregister chan *Client
	broadcast  chan domain.FeatureCollection
	done       chan struct{}

	logger *slog.Logger
}

func NewHub(zoom int, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		zoom:       zoom,
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan domain.FeatureCollection, 16),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run serves registrations and broadcasts until ctx is done. Run must be
// called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case fc := <-h.broadcast:
			h.fanout(fc)
		}
	}
}

// Render queues fc for delivery. When the queue is full the collection is
// dropped; the next cycle carries the full state again.
func (h *Hub) Render(fc domain.FeatureCollection) {
	select {
	case h.broadcast <- fc:
	default:
		h.logger.Warn("broadcast channel full, dropping tracks", "features", len(fc.Features))
	}
}

// Register adds client and reports false once Run has returned.
func (h *Hub) Register(client *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister is a no-op once Run has returned.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Zoom() int {
	return h.zoom
}

// TracksMessage is the websocket frame carrying a track collection
type TracksMessage struct {
	Type    string                   `json:"type"`
	Payload domain.FeatureCollection `json:"payload"`
}

// EncodeTracks builds the frame a client receives for fc.
func (h *Hub) EncodeTracks(client *Client, fc domain.FeatureCollection) ([]byte, error) {
	return json.Marshal(TracksMessage{
		Type:    "tracks",
		Payload: client.Filter(fc, h.zoom),
	})
}

func (h *Hub) fanout(fc domain.FeatureCollection) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		data, err := h.EncodeTracks(client, fc)
		if err != nil {
			h.logger.Error("failed to encode tracks", "error", err)
			return
		}

		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	close(client.Send)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
}
