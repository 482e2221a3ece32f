package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID           string `json:"id"`
	OrderNumber  string `json:"order_number"`
	CustomerID   string `json:"customer_id"`
	RestaurantID string `json:"restaurant_id"`
	DriverID     string `json:"driver_id,omitempty"`

	Items        []LineItem      `json:"items"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	DeliveryFee  decimal.Decimal `json:"delivery_fee"`
	PackagingFee decimal.Decimal `json:"packaging_fee"`
	Discount     decimal.Decimal `json:"discount"`
	Total        decimal.Decimal `json:"total"`
	CouponCode   string          `json:"coupon_code,omitempty"`

	SpecialInstructions string  `json:"special_instructions,omitempty"`
	DeliveryAddress     Address `json:"delivery_address"`

	Status        Status        `json:"status"`
	StatusHistory []StatusEntry `json:"status_history"`

	PaymentMethod  PaymentMethod  `json:"payment_method"`
	PaymentStatus  PaymentStatus  `json:"payment_status"`
	PaymentDetails PaymentDetails `json:"payment_details"`

	DriverLocation        *Point     `json:"driver_location,omitempty"`
	EstimatedDeliveryTime time.Time  `json:"estimated_delivery_time"`
	ActualDeliveryTime    *time.Time `json:"actual_delivery_time,omitempty"`

	CancellationReason string          `json:"cancellation_reason,omitempty"`
	RefundAmount       decimal.Decimal `json:"refund_amount"`

	// Version counts status changes and backs optimistic transition checks.
	// Location and payment-detail writes leave it untouched.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LineItem is a priced snapshot of a menu item at order time.
type LineItem struct {
	MenuItemID          string                  `json:"menu_item_id"`
	Name                string                  `json:"name"`
	Quantity            int                     `json:"quantity"`
	UnitPrice           decimal.Decimal         `json:"unit_price"`
	Customizations      []SelectedCustomization `json:"customizations,omitempty"`
	Subtotal            decimal.Decimal         `json:"subtotal"`
	SpecialInstructions string                  `json:"special_instructions,omitempty"`
}

type SelectedCustomization struct {
	Name   string          `json:"name"`
	Option string          `json:"option"`
	Price  decimal.Decimal `json:"price"`
}

type StatusEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

type PaymentDetails struct {
	GatewayOrderID   string `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	GatewaySignature string `json:"gateway_signature,omitempty"`
}

// Address is copied onto the order; later edits to the address book do not reach it.
type Address struct {
	Street   string `json:"street"`
	City     string `json:"city"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
	Landmark string `json:"landmark,omitempty"`
	Location *Point `json:"location,omitempty"`
}

func (a Address) IsZero() bool {
	return a.Street == "" && a.City == "" && a.State == "" && a.Pincode == ""
}

// Point is a longitude/latitude pair.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

func (p Point) Validate() error {
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range", p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", p.Lat)
	}
	return nil
}

// ComputeTotal applies total = subtotal + tax + delivery fee + packaging fee - discount.
func (o *Order) ComputeTotal() decimal.Decimal {
	return o.Subtotal.Add(o.Tax).Add(o.DeliveryFee).Add(o.PackagingFee).Sub(o.Discount)
}

// CheckTotals verifies the monetary invariants of the order.
func (o *Order) CheckTotals() error {
	amounts := map[string]decimal.Decimal{
		"subtotal":      o.Subtotal,
		"tax":           o.Tax,
		"delivery_fee":  o.DeliveryFee,
		"packaging_fee": o.PackagingFee,
		"discount":      o.Discount,
		"total":         o.Total,
	}
	for name, v := range amounts {
		if v.IsNegative() {
			return fmt.Errorf("%s is negative: %s", name, v)
		}
	}

	itemsTotal := decimal.Zero
	for _, item := range o.Items {
		itemsTotal = itemsTotal.Add(item.Subtotal)
	}
	if !itemsTotal.Equal(o.Subtotal) {
		return fmt.Errorf("subtotal %s does not match line items %s", o.Subtotal, itemsTotal)
	}
	if want := o.ComputeTotal(); !want.Equal(o.Total) {
		return fmt.Errorf("total %s does not match computed %s", o.Total, want)
	}
	return nil
}

// CheckHistory verifies that the current status equals the last history entry.
func (o *Order) CheckHistory() error {
	if len(o.StatusHistory) == 0 {
		return fmt.Errorf("order %s has no status history", o.ID)
	}
	last := o.StatusHistory[len(o.StatusHistory)-1].Status
	if last != o.Status {
		return fmt.Errorf("order %s status %s differs from last history entry %s", o.ID, o.Status, last)
	}
	return nil
}

func (o *Order) LastStatusChange() time.Time {
	if len(o.StatusHistory) == 0 {
		return o.CreatedAt
	}
	return o.StatusHistory[len(o.StatusHistory)-1].Timestamp
}

// Clone returns a deep copy so callers never share slices with a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Items = make([]LineItem, len(o.Items))
	for i, item := range o.Items {
		cp.Items[i] = item
		cp.Items[i].Customizations = append([]SelectedCustomization(nil), item.Customizations...)
	}
	cp.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	if o.DriverLocation != nil {
		p := *o.DriverLocation
		cp.DriverLocation = &p
	}
	if o.DeliveryAddress.Location != nil {
		p := *o.DeliveryAddress.Location
		cp.DeliveryAddress.Location = &p
	}
	if o.ActualDeliveryTime != nil {
		t := *o.ActualDeliveryTime
		cp.ActualDeliveryTime = &t
	}
	return &cp
}
