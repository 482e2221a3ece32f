// Package events carries order lifecycle events from the engine and driver
// assignment to realtime clients and downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/jogardn/fooddash/pkg/models"
)

const (
	OrderPlaced           = "order.placed"
	OrderStatusChanged    = "order.status_changed"
	OrderDriverAssigned   = "order.driver_assigned"
	DriverLocationUpdated = "driver.location_updated"
)

type Event struct {
	Type           string        `json:"type"`
	OrderID        string        `json:"order_id"`
	OrderNumber    string        `json:"order_number,omitempty"`
	RestaurantID   string        `json:"restaurant_id,omitempty"`
	CustomerID     string        `json:"customer_id,omitempty"`
	DriverID       string        `json:"driver_id,omitempty"`
	Status         models.Status `json:"status,omitempty"`
	PreviousStatus models.Status `json:"previous_status,omitempty"`
	Note           string        `json:"note,omitempty"`
	Role           models.Role   `json:"role,omitempty"`
	Location       *models.Point `json:"location,omitempty"`
	Order          *models.Order `json:"order,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// Publisher accepts events without blocking the caller on delivery and never
// reports failure: delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Fanout publishes every event to each publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
