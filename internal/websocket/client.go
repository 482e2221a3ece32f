package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/auth"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	commandTimeout = 10 * time.Second
)

// Inbound command types.
const (
	CmdJoin             = "join"
	CmdSubscribeOrder   = "subscribe_order"
	CmdUnsubscribeOrder = "unsubscribe_order"
	CmdRestaurantJoin   = "restaurant_join"
	CmdDriverOnline     = "driver_online"
	CmdDriverOffline    = "driver_offline"
	CmdDriverLocation   = "driver_location"
)

const (
	CodeNotJoined   = "NOT_JOINED"
	CodeRateLimited = "RATE_LIMITED"
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinData struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

type orderData struct {
	OrderID string `json:"order_id"`
}

type restaurantData struct {
	RestaurantID string `json:"restaurant_id"`
}

type locationData struct {
	OrderID string  `json:"order_id"`
	Lng     float64 `json:"lng"`
	Lat     float64 `json:"lat"`
}

// Client is one authenticated connection. topics and closed are guarded by
// the hub's mutex.
type Client struct {
	id      string
	actor   models.Actor
	conn    *websocket.Conn
	send    chan Message
	hub     *Hub
	logger  *logrus.Logger
	limiter *rate.Limiter
	active  atomic.Bool

	topics map[string]bool
	closed bool
}

func (c *Client) joined() bool {
	return c.active.Load()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("client_id", c.id).Error("WebSocket error")
			}
			break
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.fail("", apperr.Invalid("frame is not valid JSON"))
			continue
		}
		c.handle(in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(in inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var (
		ack interface{}
		err error
	)
	if in.Type != CmdJoin && !c.joined() {
		err = apperr.PreconditionFailed(CodeNotJoined, "send join before other commands")
	} else {
		ack, err = c.dispatch(ctx, in)
	}

	if err != nil {
		c.fail(in.Type, err)
		return
	}
	c.hub.reply(c, Message{
		Type:      TypeAck,
		Data:      ack,
		Timestamp: c.hub.now().UTC().Format(time.RFC3339),
	})
}

func (c *Client) dispatch(ctx context.Context, in inbound) (interface{}, error) {
	switch in.Type {
	case CmdJoin:
		var d joinData
		if err := decode(in.Data, &d); err != nil {
			return nil, err
		}
		return c.join(ctx, d)

	case CmdSubscribeOrder, CmdUnsubscribeOrder:
		var d orderData
		if err := decode(in.Data, &d); err != nil {
			return nil, err
		}
		if d.OrderID == "" {
			return nil, apperr.Invalid("order_id is required")
		}
		if in.Type == CmdUnsubscribeOrder {
			c.hub.unsubscribe(c, orderTopic(d.OrderID))
			return ackData(in.Type, "order_id", d.OrderID), nil
		}
		return c.subscribeOrder(ctx, d.OrderID)

	case CmdRestaurantJoin:
		var d restaurantData
		if err := decode(in.Data, &d); err != nil {
			return nil, err
		}
		return c.restaurantJoin(ctx, d.RestaurantID)

	case CmdDriverOnline, CmdDriverOffline:
		if c.actor.Role != models.RoleDriver {
			return nil, apperr.Unauthorized("only drivers can change availability")
		}
		online := in.Type == CmdDriverOnline
		if err := c.hub.drivers.SetOnline(ctx, c.actor.ID, online); err != nil {
			return nil, err
		}
		if online {
			c.hub.subscribe(c, availableDriversTopic)
		} else {
			c.hub.unsubscribe(c, availableDriversTopic)
		}
		return ackData(in.Type, "driver_id", c.actor.ID), nil

	case CmdDriverLocation:
		if c.actor.Role != models.RoleDriver {
			return nil, apperr.Unauthorized("only drivers can report a location")
		}
		if !c.limiter.Allow() {
			return nil, apperr.PreconditionFailed(CodeRateLimited, "location updates are arriving too fast")
		}
		var d locationData
		if err := decode(in.Data, &d); err != nil {
			return nil, err
		}
		p := models.Point{Lng: d.Lng, Lat: d.Lat}
		if err := c.hub.drivers.UpdateLocation(ctx, c.actor.ID, d.OrderID, p); err != nil {
			return nil, err
		}
		return ackData(in.Type, "order_id", d.OrderID), nil
	}
	return nil, apperr.Invalid("unknown command " + in.Type)
}

// join binds this connection to the token's identity. The declared identity
// must match the token.
func (c *Client) join(ctx context.Context, d joinData) (interface{}, error) {
	if d.UserID != c.actor.ID || d.Role != c.actor.Role {
		return nil, apperr.Unauthorized("join identity does not match the token")
	}
	if err := c.hub.presence.Set(ctx, c.actor.Role, c.actor.ID, c.id); err != nil {
		return nil, apperr.Internal(err)
	}
	c.active.Store(true)

	c.logger.WithFields(logrus.Fields{
		"client_id": c.id,
		"user_id":   c.actor.ID,
		"role":      c.actor.Role,
	}).Info("Client joined")
	return ackData(CmdJoin, "user_id", c.actor.ID), nil
}

func (c *Client) subscribeOrder(ctx context.Context, orderID string) (interface{}, error) {
	order, err := c.hub.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(ctx, c.actor, auth.TrackOrder, order, c.hub.owners); err != nil {
		return nil, err
	}
	c.hub.subscribe(c, orderTopic(orderID))
	c.logger.WithFields(logrus.Fields{
		"client_id": c.id,
		"order_id":  orderID,
		"topic":     orderTopic(orderID),
	}).Debug("Subscribed to order")
	return ackData(CmdSubscribeOrder, "order_id", orderID), nil
}

func (c *Client) restaurantJoin(ctx context.Context, restaurantID string) (interface{}, error) {
	if restaurantID == "" {
		return nil, apperr.Invalid("restaurant_id is required")
	}
	switch c.actor.Role {
	case models.RoleAdmin:
	case models.RoleRestaurant:
		owner, err := c.hub.owners.RestaurantOwner(ctx, restaurantID)
		if err != nil && !errors.Is(err, auth.ErrNoOwner) {
			return nil, apperr.Internal(err)
		}
		if err != nil || owner != c.actor.ID {
			return nil, apperr.Unauthorized("not the owner of this restaurant")
		}
	default:
		return nil, apperr.Unauthorized("only restaurant owners can join a restaurant")
	}
	c.hub.subscribe(c, restaurantTopic(restaurantID))
	return ackData(CmdRestaurantJoin, "restaurant_id", restaurantID), nil
}

// fail sends an error frame. Internal failures are logged and reported
// without detail.
func (c *Client) fail(command string, err error) {
	code := apperr.CodeOf(err)
	message := "internal error"
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind != apperr.KindInternal {
		message = e.Message
	} else {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"client_id": c.id,
			"command":   command,
		}).Error("Realtime command failed")
	}
	c.hub.reply(c, Message{
		Type: TypeError,
		Data: map[string]string{
			"code":    code,
			"message": message,
			"command": command,
		},
		Timestamp: c.hub.now().UTC().Format(time.RFC3339),
	})
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperr.Invalid("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Invalid("data is malformed")
	}
	return nil
}

func ackData(command, key, value string) map[string]string {
	return map[string]string{"command": command, key: value}
}
