package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	maxChatRunes   = 1000
)

type channelKind int

const (
	kindLocation channelKind = iota
	kindChat
)

// Client is one live connection. Inbound events are handled on its read
// pump; outbound payloads go through a bounded egress queue so one slow
// reader never blocks a whole channel.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	ident     auth.Identity
	kind      channelKind
	key       string
	rideID    string
	partnerID string
	egress    chan []byte
}

func newClient(h *Hub, conn *websocket.Conn, ident auth.Identity, kind channelKind, key, rideID, partnerID string) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		ident:     ident,
		kind:      kind,
		key:       key,
		rideID:    rideID,
		partnerID: partnerID,
		egress:    make(chan []byte, h.sendBuf),
	}
}

// enqueue applies the drop-oldest overflow policy: telemetry that a slow
// member missed is stale anyway, and dropping beats unbounded growth or
// blocking the broadcaster.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.egress <- payload:
		return
	default:
	}
	select {
	case <-c.egress:
		observability.DroppedSends.Inc()
	default:
	}
	select {
	case c.egress <- payload:
	default:
		observability.DroppedSends.Inc()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch c.kind {
		case kindLocation:
			c.handleLocation(payload)
		case kindChat:
			c.handleChat(payload)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type locationEvent struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type chatEvent struct {
	Text string `json:"text"`
}

// handleLocation validates, persists and fans out one position update.
// Validation failures go back to the sender only; other members never see
// them.
func (c *Client) handleLocation(payload []byte) {
	var ev locationEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Lat == nil || ev.Lon == nil {
		c.sendError("malformed location payload")
		return
	}
	point := models.Coord{Lat: *ev.Lat, Lon: *ev.Lon}
	if !point.Valid() {
		c.sendError("invalid coordinates")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	if err := c.hub.store.UpdateRidePoint(ctx, c.rideID, point); err != nil {
		c.hub.log.Error("persist ride point", "ride", c.rideID, "error", err)
		c.sendError("internal error")
		return
	}
	if c.hub.publish != nil {
		if err := c.hub.publish.PublishLocation(ctx, c.rideID, c.ident.UserID, point, now); err != nil {
			c.hub.log.Warn("publish location event", "ride", c.rideID, "error", err)
		}
	}
	out, _ := json.Marshal(map[string]any{
		"type":      "location",
		"lat":       point.Lat,
		"lon":       point.Lon,
		"sender":    c.ident.UserID,
		"timestamp": now.Format(time.RFC3339),
	})
	observability.LocationUpdates.Inc()
	c.hub.broadcast(c, out, true)
}

// handleChat persists and fans out one message. Empty and over-length
// texts are dropped without an error on purpose: per-message noise is not
// worth surfacing, unlike connection-level failures.
func (c *Client) handleChat(payload []byte) {
	var ev chatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.sendError("malformed chat payload")
		return
	}
	if ev.Text == "" || utf8.RuneCountInString(ev.Text) > maxChatRunes {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	msg := &models.ChatMessage{
		ID:         newID(),
		RideID:     c.rideID,
		SenderID:   c.ident.UserID,
		ReceiverID: c.partnerID,
		Text:       ev.Text,
		Timestamp:  now,
	}
	if err := c.hub.store.AppendChatMessage(ctx, msg); err != nil {
		c.hub.log.Error("persist chat message", "ride", c.rideID, "error", err)
		c.sendError("internal error")
		return
	}
	out, _ := json.Marshal(map[string]any{
		"type":      "chat",
		"text":      ev.Text,
		"sender":    c.ident.UserID,
		"timestamp": now.Format(time.RFC3339),
	})
	observability.ChatMessages.Inc()
	c.hub.broadcast(c, out, false)
}

// sendError is point-to-point: only the offending sender hears about it.
func (c *Client) sendError(msg string) {
	out, _ := json.Marshal(map[string]string{"type": "error", "error": msg})
	c.enqueue(out)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
