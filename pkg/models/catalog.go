package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Restaurant struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	IsOpen     bool   `json:"is_open"`
	IsApproved bool   `json:"is_approved"`
	// AvgPrepMinutes is the kitchen's average preparation time. Zero means unknown.
	AvgPrepMinutes int `json:"avg_prep_minutes"`
}

// AcceptingOrders reports whether the restaurant is both open and approved.
func (r Restaurant) AcceptingOrders() bool {
	return r.IsOpen && r.IsApproved
}

type MenuItem struct {
	ID             string           `json:"id"`
	RestaurantID   string           `json:"restaurant_id"`
	Name           string           `json:"name"`
	Price          decimal.Decimal  `json:"price"`
	DiscountPrice  *decimal.Decimal `json:"discount_price,omitempty"`
	IsAvailable    bool             `json:"is_available"`
	Customizations []Customization  `json:"customizations,omitempty"`
}

type Customization struct {
	Name    string         `json:"name"`
	Options []CustomOption `json:"options"`
}

type CustomOption struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type Driver struct {
	UserID             string     `json:"user_id"`
	VehicleType        string     `json:"vehicle_type"`
	IsVerified         bool       `json:"is_verified"`
	IsOnline           bool       `json:"is_online"`
	IsAvailable        bool       `json:"is_available"`
	CurrentLocation    Point      `json:"current_location"`
	CurrentOrderID     string     `json:"current_order_id,omitempty"`
	LastLocationUpdate *time.Time `json:"last_location_update,omitempty"`
}

// CanTakeOrder reports whether the driver may be assigned a new order.
func (d Driver) CanTakeOrder() bool {
	return d.IsOnline && d.IsAvailable && d.IsVerified && d.CurrentOrderID == ""
}

// Contact is the notification address of a customer.
type Contact struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}
