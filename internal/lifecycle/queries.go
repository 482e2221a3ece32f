package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
)

func (e *Engine) Get(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := e.store.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeOrderNotFound, "Order not found")
		}
		return nil, apperr.Internal(fmt.Errorf("failed to load order %s: %w", orderID, err))
	}
	return order, nil
}

// Tracking is the customer-facing view of an order in flight.
type Tracking struct {
	OrderID               string               `json:"order_id"`
	OrderNumber           string               `json:"order_number"`
	Status                models.Status        `json:"status"`
	StatusHistory         []models.StatusEntry `json:"status_history"`
	EstimatedDeliveryTime time.Time            `json:"estimated_delivery_time"`
	ActualDeliveryTime    *time.Time           `json:"actual_delivery_time,omitempty"`
	DeliveryAddress       models.Address       `json:"delivery_address"`
	DriverID              string               `json:"driver_id,omitempty"`
	DriverLocation        *models.Point        `json:"driver_location,omitempty"`
}

func (e *Engine) Track(ctx context.Context, orderID string) (*Tracking, error) {
	order, err := e.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &Tracking{
		OrderID:               order.ID,
		OrderNumber:           order.OrderNumber,
		Status:                order.Status,
		StatusHistory:         order.StatusHistory,
		EstimatedDeliveryTime: order.EstimatedDeliveryTime,
		ActualDeliveryTime:    order.ActualDeliveryTime,
		DeliveryAddress:       order.DeliveryAddress,
		DriverID:              order.DriverID,
		DriverLocation:        order.DriverLocation,
	}, nil
}

func (e *Engine) List(ctx context.Context, q store.Query) (store.Page, error) {
	page, err := e.store.Find(ctx, q.Normalize())
	if err != nil {
		return store.Page{}, apperr.Internal(fmt.Errorf("failed to list orders: %w", err))
	}
	return page, nil
}

func (e *Engine) Stats(ctx context.Context, q store.StatsQuery) (store.Stats, error) {
	stats, err := e.store.Stats(ctx, q)
	if err != nil {
		return store.Stats{}, apperr.Internal(fmt.Errorf("failed to compute order stats: %w", err))
	}
	return stats, nil
}
