package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/auth"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Connection refusals carry a close code the client can act on instead of
// a generic error.
const (
	CloseUnauthenticated = 4001
	CloseUnauthorized    = 4003
	CloseNotFound        = 4004
)

const defaultSendBuffer = 32

// Authorizer decides channel membership. It is called on every connection
// attempt; results are never cached across attempts.
type Authorizer interface {
	CanJoinLocationChannel(ctx context.Context, userID, rideID string) (bool, error)
	CanJoinChatChannel(ctx context.Context, userID, rideID, partnerID string) (bool, error)
}

// Publisher receives accepted location events for the downstream pipeline.
type Publisher interface {
	PublishLocation(ctx context.Context, rideID, senderID string, c models.Coord, at time.Time) error
}

// Hub owns two channel families: one location channel per ride, one chat
// channel per (ride, driver-passenger pair). Members of a channel receive
// every event relayed on it, in the order the hub accepted the events.
type Hub struct {
	store    storage.Store
	authz    Authorizer
	verifier *auth.Verifier
	log      *slog.Logger
	publish  Publisher // optional
	sendBuf  int

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]*channel
}

type Options struct {
	SendBuffer int
	Publisher  Publisher
}

func New(store storage.Store, authz Authorizer, verifier *auth.Verifier, log *slog.Logger, opts Options) *Hub {
	buf := opts.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	return &Hub{
		store:    store,
		authz:    authz,
		verifier: verifier,
		log:      log,
		publish:  opts.Publisher,
		sendBuf:  buf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		channels: make(map[string]*channel),
	}
}

// channel is one broadcast group. fan-out holds mu so every member sees
// events in the same order the hub accepted them.
type channel struct {
	mu      sync.Mutex
	members map[*Client]struct{}
}

func locationKey(rideID string) string { return "ride:" + rideID }

func chatKey(rideID, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "chat:" + rideID + ":" + a + ":" + b
}

// ServeLocation upgrades the request onto the ride's location channel.
func (h *Hub) ServeLocation(w http.ResponseWriter, r *http.Request, rideID string) {
	conn, ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	allowed, err := h.authz.CanJoinLocationChannel(r.Context(), ident.UserID, rideID)
	if !h.admit(conn, ident, allowed, err) {
		return
	}
	h.run(newClient(h, conn, ident, kindLocation, locationKey(rideID), rideID, ""))
}

// ServeChat upgrades the request onto the (ride, caller, partner) chat
// channel.
func (h *Hub) ServeChat(w http.ResponseWriter, r *http.Request, rideID, partnerID string) {
	conn, ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	allowed, err := h.authz.CanJoinChatChannel(r.Context(), ident.UserID, rideID, partnerID)
	if !h.admit(conn, ident, allowed, err) {
		return
	}
	h.run(newClient(h, conn, ident, kindChat, chatKey(rideID, ident.UserID, partnerID), rideID, partnerID))
}

// authenticate upgrades the connection first so a refusal can carry a
// close code, then verifies the bearer credential.
func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request) (*websocket.Conn, auth.Identity, bool) {
	token := auth.TokenFromRequest(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, auth.Identity{}, false
	}
	ident, err := h.verifier.Verify(token)
	if err != nil {
		h.refuse(conn, CloseUnauthenticated, "unauthenticated")
		return nil, auth.Identity{}, false
	}
	return conn, ident, true
}

func (h *Hub) admit(conn *websocket.Conn, ident auth.Identity, allowed bool, err error) bool {
	if errors.Is(err, auth.ErrRideNotFound) {
		h.refuse(conn, CloseNotFound, "ride not found")
		return false
	}
	if err != nil {
		h.log.Error("membership check failed", "user", ident.UserID, "error", err)
		h.refuse(conn, websocket.CloseInternalServerErr, "internal error")
		return false
	}
	if !allowed {
		h.refuse(conn, CloseUnauthorized, "not a participant")
		return false
	}
	return true
}

func (h *Hub) refuse(conn *websocket.Conn, code int, reason string) {
	observability.HubRefusals.WithLabelValues(reason).Inc()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (h *Hub) run(c *Client) {
	h.mu.Lock()
	ch, ok := h.channels[c.key]
	if !ok {
		ch = &channel{members: make(map[*Client]struct{})}
		h.channels[c.key] = ch
	}
	ch.mu.Lock()
	ch.members[c] = struct{}{}
	ch.mu.Unlock()
	h.mu.Unlock()
	observability.HubConnections.Inc()

	go c.writePump()
	go c.readPump()
}

// remove detaches the client from its channel and releases the channel
// once it has no members. The egress channel is closed only after the
// client can no longer be a fan-out target.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	ch, ok := h.channels[c.key]
	if !ok {
		h.mu.Unlock()
		return
	}
	ch.mu.Lock()
	_, member := ch.members[c]
	delete(ch.members, c)
	empty := len(ch.members) == 0
	ch.mu.Unlock()
	if empty {
		delete(h.channels, c.key)
	}
	h.mu.Unlock()
	if !member {
		return
	}
	close(c.egress)
	observability.HubConnections.Dec()
}

// broadcast relays payload to every current member of the client's
// channel; when skipSender is set the sender does not get an echo.
func (h *Hub) broadcast(c *Client, payload []byte, skipSender bool) {
	h.mu.RLock()
	ch, ok := h.channels[c.key]
	h.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for member := range ch.members {
		if skipSender && member == c {
			continue
		}
		member.enqueue(payload)
	}
}
