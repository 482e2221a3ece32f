package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Update lists every order field that may change after creation. Nil fields are
// left alone. The guard fields are checked against the stored order before any
// field is written.
type Update struct {
	ExpectedVersion *int64
	RequireStatus   *Status
	RequireNoDriver bool

	// Status appends a history entry and moves the current status with it.
	Status *StatusEntry

	PaymentStatus      *PaymentStatus
	GatewayOrderID     *string
	GatewayPaymentID   *string
	GatewaySignature   *string
	DriverID           *string
	DriverLocation     *Point
	ActualDeliveryTime *time.Time
	CancellationReason *string
	RefundAmount       *decimal.Decimal
}

// Check returns a descriptive error when a guard does not hold for o.
func (u Update) Check(o *Order) error {
	if u.ExpectedVersion != nil && o.Version != *u.ExpectedVersion {
		return fmt.Errorf("version is %d, expected %d", o.Version, *u.ExpectedVersion)
	}
	if u.RequireStatus != nil && o.Status != *u.RequireStatus {
		return fmt.Errorf("status is %s, expected %s", o.Status, *u.RequireStatus)
	}
	if u.RequireNoDriver && o.DriverID != "" {
		return fmt.Errorf("driver %s already assigned", o.DriverID)
	}
	return nil
}

// ApplyTo writes the non-nil fields onto o.
func (u Update) ApplyTo(o *Order, now time.Time) {
	if u.Status != nil {
		o.StatusHistory = append(o.StatusHistory, *u.Status)
		o.Status = u.Status.Status
		o.Version++
	}
	if u.PaymentStatus != nil {
		o.PaymentStatus = *u.PaymentStatus
	}
	if u.GatewayOrderID != nil {
		o.PaymentDetails.GatewayOrderID = *u.GatewayOrderID
	}
	if u.GatewayPaymentID != nil {
		o.PaymentDetails.GatewayPaymentID = *u.GatewayPaymentID
	}
	if u.GatewaySignature != nil {
		o.PaymentDetails.GatewaySignature = *u.GatewaySignature
	}
	if u.DriverID != nil {
		o.DriverID = *u.DriverID
	}
	if u.DriverLocation != nil {
		p := *u.DriverLocation
		o.DriverLocation = &p
	}
	if u.ActualDeliveryTime != nil {
		t := *u.ActualDeliveryTime
		o.ActualDeliveryTime = &t
	}
	if u.CancellationReason != nil {
		o.CancellationReason = *u.CancellationReason
	}
	if u.RefundAmount != nil {
		o.RefundAmount = *u.RefundAmount
	}
	o.UpdatedAt = now
}
