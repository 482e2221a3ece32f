// Package lifecycle owns the order state machine: creation and pricing,
// status transitions, payment confirmation and cancellation with refunds.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/catalog"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/metrics"
	"github.com/jogardn/fooddash/internal/notify"
	"github.com/jogardn/fooddash/internal/paygateway"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxSpecialInstructions = 500

// Catalog is the read side of restaurants, menus and customers, plus the
// driver release performed on delivery.
type Catalog interface {
	Restaurant(ctx context.Context, id string) (*models.Restaurant, error)
	MenuItem(ctx context.Context, id string) (*models.MenuItem, error)
	SavedAddress(ctx context.Context, customerID, addressID string) (*models.Address, error)
	CustomerContact(ctx context.Context, customerID string) (*models.Contact, error)
	ReleaseDriver(ctx context.Context, userID, orderID string) error
}

type Gateway interface {
	KeyID() string
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, notes map[string]string) (*paygateway.Intent, error)
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (*paygateway.Refund, error)
	VerifySignature(intentID, paymentID, signature string) bool
}

// Notifier accepts a message for background delivery.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

type Config struct {
	Currency        string
	DefaultPrepTime time.Duration
	TravelTime      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Currency:        "INR",
		DefaultPrepTime: 20 * time.Minute,
		TravelTime:      30 * time.Minute,
	}
}

type Engine struct {
	store    store.OrderStore
	catalog  Catalog
	gateway  Gateway
	events   events.Publisher
	notifier Notifier
	config   Config
	logger   *logrus.Logger

	now         func() time.Time
	orderNumber func(time.Time) string
}

func NewEngine(orders store.OrderStore, cat Catalog, gateway Gateway, publisher events.Publisher, notifier Notifier, config Config, logger *logrus.Logger) *Engine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Engine{
		store:       orders,
		catalog:     cat,
		gateway:     gateway,
		events:      publisher,
		notifier:    notifier,
		config:      config,
		logger:      logger,
		now:         time.Now,
		orderNumber: NewOrderNumber,
	}
}

type ItemRequest struct {
	MenuItemID          string                `json:"menu_item_id"`
	Quantity            int                   `json:"quantity"`
	Customizations      []CustomizationChoice `json:"customizations,omitempty"`
	SpecialInstructions string                `json:"special_instructions,omitempty"`
}

// CreateRequest places an order. The delivery address is either given inline
// or by reference to one of the customer's saved addresses.
type CreateRequest struct {
	RestaurantID        string               `json:"restaurant_id"`
	Items               []ItemRequest        `json:"items"`
	DeliveryAddress     *models.Address      `json:"delivery_address,omitempty"`
	AddressID           string               `json:"address_id,omitempty"`
	PaymentMethod       models.PaymentMethod `json:"payment_method"`
	CouponCode          string               `json:"coupon_code,omitempty"`
	SpecialInstructions string               `json:"special_instructions,omitempty"`
}

// PaymentIntent is what a client needs to open the gateway checkout.
type PaymentIntent struct {
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	KeyID          string `json:"key_id"`
}

type CreateResult struct {
	Order   *models.Order  `json:"order"`
	Payment *PaymentIntent `json:"payment,omitempty"`
}

func (r CreateRequest) validate() error {
	if r.RestaurantID == "" {
		return apperr.Invalid("restaurant_id is required")
	}
	if len(r.Items) == 0 {
		return apperr.Invalid("at least one item is required")
	}
	for i, item := range r.Items {
		if item.MenuItemID == "" {
			return apperr.Invalid(fmt.Sprintf("items[%d].menu_item_id is required", i))
		}
		if item.Quantity < 1 {
			return apperr.Invalid(fmt.Sprintf("items[%d].quantity must be at least 1", i))
		}
	}
	if !r.PaymentMethod.Valid() {
		return apperr.Invalid("payment_method must be one of cod, online, wallet")
	}
	if len(r.SpecialInstructions) > maxSpecialInstructions {
		return apperr.Invalid("special_instructions must be at most 500 characters")
	}
	if r.DeliveryAddress != nil && r.DeliveryAddress.Location != nil {
		if err := r.DeliveryAddress.Location.Validate(); err != nil {
			return apperr.Invalid(err.Error())
		}
	}
	return nil
}

// Create validates and prices the request and stores a pending order. For
// online payment a gateway order is opened afterwards; if that fails the order
// is still returned, without payment details, and the client retries through
// InitiatePayment.
func (e *Engine) Create(ctx context.Context, customer models.Actor, req CreateRequest) (*CreateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	restaurant, err := e.catalog.Restaurant(ctx, req.RestaurantID)
	if err != nil {
		return nil, catalogError(err, apperr.CodeRestaurantNotFound, "Restaurant not found")
	}
	if !restaurant.AcceptingOrders() {
		return nil, apperr.PreconditionFailed(apperr.CodeRestaurantUnavailable, "Restaurant is currently not accepting orders")
	}

	address, err := e.resolveAddress(ctx, customer.ID, req)
	if err != nil {
		return nil, err
	}

	items, subtotal, err := e.priceItems(ctx, restaurant.ID, req.Items)
	if err != nil {
		return nil, err
	}

	now := e.now()
	prep := e.config.DefaultPrepTime
	if restaurant.AvgPrepMinutes > 0 {
		prep = time.Duration(restaurant.AvgPrepMinutes) * time.Minute
	}

	order := &models.Order{
		ID:                    uuid.New().String(),
		OrderNumber:           e.orderNumber(now),
		CustomerID:            customer.ID,
		RestaurantID:          restaurant.ID,
		Items:                 items,
		Subtotal:              subtotal,
		Tax:                   decimal.Zero,
		DeliveryFee:           decimal.Zero,
		PackagingFee:          decimal.Zero,
		Discount:              decimal.Zero,
		CouponCode:            req.CouponCode,
		SpecialInstructions:   req.SpecialInstructions,
		DeliveryAddress:       address,
		Status:                models.StatusPending,
		StatusHistory:         []models.StatusEntry{{Status: models.StatusPending, Timestamp: now, Note: "Order placed"}},
		PaymentMethod:         req.PaymentMethod,
		PaymentStatus:         models.PaymentPending,
		EstimatedDeliveryTime: now.Add(prep + e.config.TravelTime),
		RefundAmount:          decimal.Zero,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	order.Total = order.ComputeTotal()

	created, err := e.store.Create(ctx, order)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOrderNumber) {
			return nil, apperr.Wrap(apperr.KindDuplicateKey, apperr.CodeDuplicateOrderNumber, "Order number collision, please retry", err)
		}
		return nil, apperr.Internal(fmt.Errorf("failed to store order: %w", err))
	}
	metrics.RecordOrderCreated(string(created.PaymentMethod))

	e.logger.WithFields(logrus.Fields{
		"order_id":       created.ID,
		"order_number":   created.OrderNumber,
		"customer_id":    created.CustomerID,
		"restaurant_id":  created.RestaurantID,
		"total":          created.Total.String(),
		"items_count":    len(created.Items),
		"payment_method": created.PaymentMethod,
	}).Info("Order created")

	result := &CreateResult{Order: created}
	if created.PaymentMethod == models.PaymentOnline {
		intent, withPayment, err := e.openPayment(ctx, created)
		if err != nil {
			e.logger.WithError(err).WithField("order_id", created.ID).Warn("Payment initiation failed, order left pending without payment details")
		} else {
			result.Order = withPayment
			result.Payment = intent
		}
	}

	e.events.Publish(ctx, events.Event{
		Type:         events.OrderPlaced,
		OrderID:      result.Order.ID,
		OrderNumber:  result.Order.OrderNumber,
		RestaurantID: result.Order.RestaurantID,
		CustomerID:   result.Order.CustomerID,
		Status:       result.Order.Status,
		Role:         customer.Role,
		Order:        result.Order,
		OccurredAt:   now,
	})
	return result, nil
}

func (e *Engine) resolveAddress(ctx context.Context, customerID string, req CreateRequest) (models.Address, error) {
	if req.DeliveryAddress != nil && !req.DeliveryAddress.IsZero() {
		return *req.DeliveryAddress, nil
	}
	if req.AddressID == "" {
		return models.Address{}, apperr.PreconditionFailed(apperr.CodeAddressRequired, "Delivery address is required")
	}
	saved, err := e.catalog.SavedAddress(ctx, customerID, req.AddressID)
	if err != nil {
		return models.Address{}, catalogError(err, apperr.CodeAddressNotFound, "Saved address not found")
	}
	return *saved, nil
}

func (e *Engine) priceItems(ctx context.Context, restaurantID string, requested []ItemRequest) ([]models.LineItem, decimal.Decimal, error) {
	items := make([]models.LineItem, 0, len(requested))
	subtotal := decimal.Zero
	for _, req := range requested {
		menuItem, err := e.catalog.MenuItem(ctx, req.MenuItemID)
		if err != nil {
			return nil, decimal.Zero, catalogError(err, apperr.CodeItemNotFound, "Menu item "+req.MenuItemID+" not found")
		}
		if menuItem.RestaurantID != restaurantID {
			return nil, decimal.Zero, apperr.NotFound(apperr.CodeItemNotFound, "Menu item "+req.MenuItemID+" not found")
		}
		if !menuItem.IsAvailable {
			return nil, decimal.Zero, apperr.PreconditionFailed(apperr.CodeItemUnavailable, menuItem.Name+" is currently unavailable")
		}

		unit, selected := EffectiveUnitPrice(menuItem, req.Customizations)
		lineTotal := unit.Mul(decimal.NewFromInt(int64(req.Quantity)))
		items = append(items, models.LineItem{
			MenuItemID:          menuItem.ID,
			Name:                menuItem.Name,
			Quantity:            req.Quantity,
			UnitPrice:           unit,
			Customizations:      selected,
			Subtotal:            lineTotal,
			SpecialInstructions: req.SpecialInstructions,
		})
		subtotal = subtotal.Add(lineTotal)
	}
	return items, subtotal, nil
}

// InitiatePayment opens a gateway order for a pending online order. An order
// that already has one gets it back unchanged.
func (e *Engine) InitiatePayment(ctx context.Context, orderID string) (*PaymentIntent, error) {
	order, err := e.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != models.PaymentOnline {
		return nil, apperr.PreconditionFailed(apperr.CodePaymentNotInitiated, "Order is not paid online")
	}
	if order.Status != models.StatusPending || order.PaymentStatus != models.PaymentPending {
		return nil, apperr.PreconditionFailed(apperr.CodePaymentNotInitiated, "Order is no longer awaiting payment")
	}
	if order.PaymentDetails.GatewayOrderID != "" {
		return &PaymentIntent{
			GatewayOrderID: order.PaymentDetails.GatewayOrderID,
			Amount:         order.Total.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
			Currency:       e.config.Currency,
			KeyID:          e.gateway.KeyID(),
		}, nil
	}

	intent, _, err := e.openPayment(ctx, order)
	if err != nil {
		return nil, apperr.Gateway("Failed to initiate payment", err)
	}
	return intent, nil
}

func (e *Engine) openPayment(ctx context.Context, order *models.Order) (*PaymentIntent, *models.Order, error) {
	intent, err := e.gateway.CreateIntent(ctx, order.Total, e.config.Currency, map[string]string{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
	})
	if err != nil {
		return nil, nil, err
	}

	updated, err := e.store.Update(ctx, order.ID, models.Update{GatewayOrderID: &intent.ID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record gateway order: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"order_id":         order.ID,
		"gateway_order_id": intent.ID,
		"amount":           strconv.FormatInt(intent.Amount, 10),
	}).Info("Payment initiated")

	return &PaymentIntent{
		GatewayOrderID: intent.ID,
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		KeyID:          e.gateway.KeyID(),
	}, updated, nil
}

func catalogError(err error, code, message string) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return apperr.NotFound(code, message)
	}
	return apperr.Internal(err)
}
