package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jogardn/fooddash/internal/auth"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/metrics"
	"github.com/jogardn/fooddash/internal/presence"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Identity comes from the token, not the origin.
		return true
	},
}

// Outbound message types.
const (
	TypeOrderUpdated         = "order_updated"
	TypeDriverLocationUpdate = "driver_location_update"
	TypeNewOrder             = "new_order"
	TypeDriverAssigned       = "driver_assigned"
	TypeOrderReady           = "order_ready"
	TypeAck                  = "ack"
	TypeError                = "error"
)

const availableDriversTopic = "drivers:available"

func orderTopic(id string) string      { return "order:" + id }
func restaurantTopic(id string) string { return "restaurant:" + id }

type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Orders loads orders for subscription checks.
type Orders interface {
	Get(ctx context.Context, id string) (*models.Order, error)
}

// Drivers applies driver commands received over the socket.
type Drivers interface {
	UpdateLocation(ctx context.Context, driverID, orderID string, p models.Point) error
	SetOnline(ctx context.Context, driverID string, online bool) error
}

type Authenticator interface {
	AuthenticateRequest(r *http.Request) (*auth.Claims, error)
}

type Config struct {
	// LocationRate and LocationBurst bound driver_location frames per connection.
	LocationRate  rate.Limit
	LocationBurst int
}

func DefaultConfig() Config {
	return Config{LocationRate: 2, LocationBurst: 5}
}

// delivery is an event resolved to the message and the targets it goes to.
// direct actors are looked up in presence and replaced by connIDs before the
// message is sent.
type delivery struct {
	message Message
	topics  []string
	direct  []actorRef
	connIDs []string
}

type actorRef struct {
	role models.Role
	id   string
}

// Hub tracks live connections, their topic subscriptions and the actor each
// one speaks for. Deliveries are best effort: a target without a connection,
// or a connection whose buffer is full, misses the message.
type Hub struct {
	clients map[*Client]bool
	byID    map[string]*Client
	topics  map[string]map[*Client]bool
	mutex   sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	done       chan struct{}

	presence presence.Store
	orders   Orders
	owners   auth.OwnerLookup
	drivers  Drivers
	auth     Authenticator
	config   Config
	logger   *logrus.Logger
	now      func() time.Time
	cleanup  sync.WaitGroup
}

func NewHub(store presence.Store, orders Orders, owners auth.OwnerLookup, drivers Drivers, authenticator Authenticator, config Config, logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byID:       make(map[string]*Client),
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 256),
		done:       make(chan struct{}),
		presence:   store,
		orders:     orders,
		owners:     owners,
		drivers:    drivers,
		auth:       authenticator,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// Run serves registrations and deliveries until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.byID[client.id] = client
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetRealtimeClients(count)
			h.logger.WithFields(logrus.Fields{
				"client_id":    client.id,
				"user_id":      client.actor.ID,
				"role":         client.actor.Role,
				"client_count": count,
			}).Info("Client connected")

		case client := <-h.unregister:
			h.disconnect(client)

		case d := <-h.broadcast:
			h.deliver(d)

		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mutex.Unlock()
			metrics.SetRealtimeClients(0)
			h.cleanup.Wait()
			return
		}
	}
}

func (h *Hub) disconnect(client *Client) {
	h.mutex.Lock()
	known := h.clients[client]
	if known {
		h.removeLocked(client)
	}
	count := len(h.clients)
	h.mutex.Unlock()
	if !known {
		return
	}
	metrics.SetRealtimeClients(count)

	h.logger.WithFields(logrus.Fields{
		"client_id":    client.id,
		"user_id":      client.actor.ID,
		"role":         client.actor.Role,
		"client_count": count,
	}).Info("Client disconnected")
}

// removeLocked drops client from every index, closes its send channel and
// clears its presence. Every path that forgets a client goes through here, so
// the cleanup runs exactly once. h.mutex must be held.
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	if h.byID[client.id] == client {
		delete(h.byID, client.id)
	}
	for topic := range client.topics {
		if members := h.topics[topic]; members != nil {
			delete(members, client)
			if len(members) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	client.topics = nil
	client.closed = true
	close(client.send)

	if client.joined() {
		h.cleanup.Add(1)
		go h.clearPresence(client)
	}
}

// clearPresence releases the client's presence entry and, for a driver whose
// entry it still held, marks the driver offline. Presence and the driver's
// online flag live outside the process, so this runs off the hub loop.
func (h *Hub) clearPresence(client *Client) {
	defer h.cleanup.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := h.logger.WithFields(logrus.Fields{
		"client_id": client.id,
		"user_id":   client.actor.ID,
		"role":      client.actor.Role,
	})
	removed, err := h.presence.Delete(ctx, client.actor.Role, client.actor.ID, client.id)
	if err != nil {
		logger.WithError(err).Warn("Failed to clear presence")
		return
	}
	if !removed || client.actor.Role != models.RoleDriver {
		return
	}
	if err := h.drivers.SetOnline(ctx, client.actor.ID, false); err != nil {
		logger.WithError(err).Warn("Failed to mark disconnected driver offline")
	}
}

func (h *Hub) subscribe(client *Client, topic string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if client.closed {
		return
	}
	members := h.topics[topic]
	if members == nil {
		members = make(map[*Client]bool)
		h.topics[topic] = members
	}
	members[client] = true
	client.topics[topic] = true
}

func (h *Hub) unsubscribe(client *Client, topic string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if members := h.topics[topic]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	if client.topics != nil {
		delete(client.topics, topic)
	}
}

// reply queues msg for client alone. It reports false if the client is gone
// or its buffer is full.
func (h *Hub) reply(client *Client, msg Message) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if client.closed {
		return false
	}
	select {
	case client.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) deliver(d delivery) {
	if len(d.direct) > 0 {
		go h.resolve(d)
		return
	}

	targets := make(map[*Client]bool)
	h.mutex.RLock()
	for _, topic := range d.topics {
		for client := range h.topics[topic] {
			targets[client] = true
		}
	}
	for _, connID := range d.connIDs {
		if client, found := h.byID[connID]; found {
			targets[client] = true
		}
	}
	h.mutex.RUnlock()

	if len(targets) == 0 {
		metrics.RecordRealtimeEvent(d.message.Type, false)
		return
	}

	evicted := false
	h.mutex.Lock()
	for client := range targets {
		if client.closed {
			continue
		}
		select {
		case client.send <- d.message:
		default:
			h.logger.WithField("client_id", client.id).Warn("Client send buffer full, dropping connection")
			h.removeLocked(client)
			evicted = true
		}
	}
	count := len(h.clients)
	h.mutex.Unlock()
	if evicted {
		metrics.SetRealtimeClients(count)
	}
	metrics.RecordRealtimeEvent(d.message.Type, true)
}

// resolve looks up the connections behind d's direct targets and queues d
// again with them, keeping presence round trips off the hub loop.
func (h *Hub) resolve(d delivery) {
	for _, ref := range d.direct {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		connID, ok, err := h.presence.Get(ctx, ref.role, ref.id)
		cancel()
		if err != nil {
			h.logger.WithError(err).WithField("user_id", ref.id).Warn("Presence lookup failed")
			continue
		}
		if ok {
			d.connIDs = append(d.connIDs, connID)
		}
	}
	d.direct = nil

	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

// Publish implements events.Publisher. It never blocks: when the hub is
// backed up the event is dropped.
func (h *Hub) Publish(_ context.Context, e events.Event) {
	for _, d := range h.route(e) {
		select {
		case h.broadcast <- d:
		default:
			metrics.RecordRealtimeEvent(d.message.Type, false)
			h.logger.WithFields(logrus.Fields{
				"event_type": e.Type,
				"order_id":   e.OrderID,
			}).Warn("Broadcast channel full, dropping message")
		}
	}
}

func (h *Hub) route(e events.Event) []delivery {
	at := e.OccurredAt
	if at.IsZero() {
		at = h.now()
	}
	stamp := at.UTC().Format(time.RFC3339)
	msg := func(t string, data interface{}) Message {
		return Message{Type: t, Data: data, Timestamp: stamp}
	}

	switch e.Type {
	case events.OrderPlaced:
		return []delivery{{
			message: msg(TypeNewOrder, e.Order),
			topics:  []string{restaurantTopic(e.RestaurantID)},
		}}

	case events.OrderStatusChanged:
		out := []delivery{{
			message: msg(TypeOrderUpdated, map[string]interface{}{
				"order_id":     e.OrderID,
				"order_number": e.OrderNumber,
				"status":       e.Status,
				"note":         e.Note,
				"timestamp":    stamp,
			}),
			topics: []string{orderTopic(e.OrderID), restaurantTopic(e.RestaurantID)},
		}}
		if e.Status == models.StatusReady {
			out = append(out, delivery{
				message: msg(TypeOrderReady, e.Order),
				topics:  []string{availableDriversTopic},
			})
		}
		return out

	case events.OrderDriverAssigned:
		return []delivery{{
			message: msg(TypeDriverAssigned, map[string]interface{}{
				"order_id":     e.OrderID,
				"order_number": e.OrderNumber,
				"driver_id":    e.DriverID,
			}),
			topics: []string{orderTopic(e.OrderID), restaurantTopic(e.RestaurantID)},
			direct: []actorRef{{role: models.RoleCustomer, id: e.CustomerID}},
		}}

	case events.DriverLocationUpdated:
		return []delivery{{
			message: msg(TypeDriverLocationUpdate, map[string]interface{}{
				"order_id":  e.OrderID,
				"driver_id": e.DriverID,
				"location":  e.Location,
				"timestamp": stamp,
			}),
			topics: []string{orderTopic(e.OrderID)},
		}}
	}
	return nil
}

// HandleWebSocket authenticates the request and upgrades it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.AuthenticateRequest(r)
	if err != nil {
		h.logger.WithError(err).Warn("Rejected unauthenticated WebSocket connection")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		id:      uuid.New().String(),
		actor:   claims.Actor(),
		conn:    conn,
		send:    make(chan Message, 256),
		hub:     h,
		logger:  h.logger,
		topics:  make(map[string]bool),
		limiter: rate.NewLimiter(h.config.LocationRate, h.config.LocationBurst),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// SubscriberCount reports how many connections follow topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.topics[topic])
}
