// Package notify renders and delivers customer notifications about orders.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateOrderStatus       = "order_status"
)

type Message struct {
	To       string `json:"to"`
	Template string `json:"template"`
	Data     Data   `json:"data"`
}

type Data struct {
	Name        string     `json:"name"`
	OrderID     string     `json:"order_id,omitempty"`
	OrderNumber string     `json:"order_number"`
	Status      string     `json:"status,omitempty"`
	Message     string     `json:"message,omitempty"`
	Items       []ItemLine `json:"items,omitempty"`
	Total       string     `json:"total,omitempty"`
}

type ItemLine struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Subtotal string `json:"subtotal"`
}

// ErrUndeliverable marks a message that no retry can deliver.
var ErrUndeliverable = errors.New("undeliverable notification")

// Sender delivers one message synchronously.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var statusMessages = map[models.Status]string{
	models.StatusConfirmed: "Your order has been confirmed by the restaurant!",
	models.StatusPreparing: "Your order is being prepared",
	models.StatusReady:     "Your order is ready for pickup",
	models.StatusPickedUp:  "Your order has been picked up by the delivery partner",
	models.StatusOnTheWay:  "Your order is on the way!",
	models.StatusDelivered: "Your order has been delivered. Enjoy!",
	models.StatusCancelled: "Your order has been cancelled",
}

// StatusMessage returns the customer-facing sentence for a status. Pending has none.
func StatusMessage(s models.Status) (string, bool) {
	msg, ok := statusMessages[s]
	return msg, ok
}

// StatusLabel formats a status for display, e.g. "on_the_way" becomes "ON THE WAY".
func StatusLabel(s models.Status) string {
	return strings.ToUpper(strings.ReplaceAll(string(s), "_", " "))
}

func StatusUpdate(contact models.Contact, order *models.Order) (Message, bool) {
	text, ok := StatusMessage(order.Status)
	if !ok || contact.Email == "" {
		return Message{}, false
	}
	return Message{
		To:       contact.Email,
		Template: TemplateOrderStatus,
		Data: Data{
			Name:        contact.Name,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Status:      StatusLabel(order.Status),
			Message:     text,
		},
	}, true
}

func OrderConfirmation(contact models.Contact, order *models.Order) (Message, bool) {
	if contact.Email == "" {
		return Message{}, false
	}
	items := make([]ItemLine, len(order.Items))
	for i, item := range order.Items {
		items[i] = ItemLine{Name: item.Name, Quantity: item.Quantity, Subtotal: item.Subtotal.StringFixed(2)}
	}
	return Message{
		To:       contact.Email,
		Template: TemplateOrderConfirmation,
		Data: Data{
			Name:        contact.Name,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Items:       items,
			Total:       order.Total.StringFixed(2),
		},
	}, true
}

// Dispatcher hands messages to a Sender in the background. Failures are logged
// and never reach the caller.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, timeout: 30 * time.Second, logger: logger}
}

func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.sender.Send(sendCtx, msg); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"template":     msg.Template,
				"order_number": msg.Data.OrderNumber,
			}).Error("Failed to send notification")
			return
		}
		d.logger.WithFields(logrus.Fields{
			"template":     msg.Template,
			"order_number": msg.Data.OrderNumber,
		}).Debug("Notification sent")
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSender writes messages to the log instead of delivering them. Used when
// no mail server is configured.
type LogSender struct {
	Logger *logrus.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Logger.WithFields(logrus.Fields{
		"to":           msg.To,
		"template":     msg.Template,
		"order_number": msg.Data.OrderNumber,
		"status":       msg.Data.Status,
	}).Info("Notification (not delivered, no mail server configured)")
	return nil
}
