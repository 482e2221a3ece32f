package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/metrics"
	"github.com/jogardn/fooddash/internal/notify"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
)

var transitions = map[models.Status][]models.Status{
	models.StatusPending:   {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed: {models.StatusPreparing, models.StatusCancelled},
	models.StatusPreparing: {models.StatusReady, models.StatusCancelled},
	models.StatusReady:     {models.StatusPickedUp},
	models.StatusPickedUp:  {models.StatusOnTheWay},
	models.StatusOnTheWay:  {models.StatusDelivered},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses lists the statuses reachable from s in one step.
func NextStatuses(s models.Status) []models.Status {
	return append([]models.Status(nil), transitions[s]...)
}

// step describes one guarded status change.
type step struct {
	target models.Status
	note   string
	// idempotent makes a request for the current status a successful no-op.
	idempotent bool
	// check runs against the freshly read order. Nil means the adjacency table.
	check func(o *models.Order) error
	// fields adds non-status fields to the same write.
	fields func(u *models.Update, o *models.Order)
}

// apply runs a read, validate and version-guarded write. A concurrent writer
// makes the write fail with store.ErrConflict; the order is then re-read and
// re-validated once so a racing duplicate becomes a no-op and a racing
// different target fails validation.
func (e *Engine) apply(ctx context.Context, orderID string, s step) (before, after *models.Order, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := e.Get(ctx, orderID)
		if err != nil {
			return nil, nil, err
		}
		if s.idempotent && current.Status == s.target {
			return current, current, nil
		}

		check := s.check
		if check == nil {
			check = func(o *models.Order) error { return checkEdge(o.Status, s.target) }
		}
		if err := check(current); err != nil {
			return nil, nil, err
		}

		version := current.Version
		now := e.now()
		u := models.Update{
			ExpectedVersion: &version,
			Status:          &models.StatusEntry{Status: s.target, Timestamp: now, Note: s.note},
		}
		if s.target == models.StatusDelivered {
			u.ActualDeliveryTime = &now
		}
		if s.fields != nil {
			s.fields(&u, current)
		}

		updated, err := e.store.Update(ctx, orderID, u)
		switch {
		case err == nil:
			return current, updated, nil
		case errors.Is(err, store.ErrConflict):
			e.logger.WithFields(logrus.Fields{
				"order_id":  orderID,
				"to_status": s.target,
				"attempt":   attempt + 1,
			}).Warn("Concurrent order update, re-reading")
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, nil, apperr.NotFound(apperr.CodeOrderNotFound, "Order not found")
		default:
			return nil, nil, apperr.Internal(fmt.Errorf("failed to update order %s: %w", orderID, err))
		}
	}
	return nil, nil, apperr.New(apperr.KindConflict, apperr.CodeVersionConflict, "Order was modified concurrently, please retry")
}

func checkEdge(from, to models.Status) error {
	if CanTransition(from, to) {
		return nil
	}
	metrics.RecordRejectedTransition(string(from), string(to))
	return apperr.InvalidTransition(fmt.Sprintf("Cannot transition order from %s to %s", from, to))
}

// Transition moves an order to target. Requesting the current status succeeds
// without writing anything. Whether actor may do this is decided by the caller.
func (e *Engine) Transition(ctx context.Context, actor models.Actor, orderID string, target models.Status, note string) (*models.Order, error) {
	if !target.Valid() {
		return nil, apperr.Invalid(fmt.Sprintf("Unknown status %q", target))
	}

	s := step{target: target, note: note, idempotent: true}
	if target == models.StatusCancelled {
		reason := note
		s.fields = func(u *models.Update, _ *models.Order) { u.CancellationReason = &reason }
	}

	before, after, err := e.apply(ctx, orderID, s)
	if err != nil {
		return nil, err
	}
	if before == after {
		return after, nil
	}

	if target == models.StatusCancelled {
		after = e.refundIfPaid(ctx, after)
	}
	e.afterTransition(ctx, actor, before, after, note, false)
	return after, nil
}

// Cancel cancels an order that the kitchen has not started on. A paid order is
// refunded in full; if the refund call fails the order stays cancelled and paid.
func (e *Engine) Cancel(ctx context.Context, actor models.Actor, orderID, reason string) (*models.Order, error) {
	if reason == "" {
		reason = "Cancelled by " + string(actor.Role)
	}
	before, after, err := e.apply(ctx, orderID, step{
		target: models.StatusCancelled,
		note:   reason,
		check: func(o *models.Order) error {
			if o.Status != models.StatusPending && o.Status != models.StatusConfirmed {
				return apperr.PreconditionFailed(apperr.CodeNotCancellable, fmt.Sprintf("Order cannot be cancelled once it is %s", o.Status))
			}
			return nil
		},
		fields: func(u *models.Update, _ *models.Order) { u.CancellationReason = &reason },
	})
	if err != nil {
		return nil, err
	}

	after = e.refundIfPaid(ctx, after)
	e.afterTransition(ctx, actor, before, after, reason, false)
	return after, nil
}

func (e *Engine) refundIfPaid(ctx context.Context, order *models.Order) *models.Order {
	if order.PaymentStatus != models.PaymentPaid || order.PaymentDetails.GatewayPaymentID == "" {
		return order
	}

	logger := e.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"payment_id": order.PaymentDetails.GatewayPaymentID,
		"amount":     order.Total.String(),
	})

	amount := order.Total
	refund, err := e.gateway.Refund(ctx, order.PaymentDetails.GatewayPaymentID, &amount)
	if err != nil {
		metrics.RecordRefund(false)
		logger.WithError(err).Error("Refund failed, payment left as paid for manual reconciliation")
		return order
	}
	metrics.RecordRefund(true)

	refunded := models.PaymentRefunded
	updated, err := e.store.Update(ctx, order.ID, models.Update{PaymentStatus: &refunded, RefundAmount: &amount})
	if err != nil {
		logger.WithError(err).WithField("refund_id", refund.ID).Error("Refund issued but not recorded on the order")
		return order
	}
	logger.WithField("refund_id", refund.ID).Info("Order refunded")
	return updated
}

// ConfirmPayment verifies the gateway signature for an online order. A valid
// signature marks the payment paid and confirms a pending order. An invalid
// one marks the payment failed and cancels the order where that is still
// legal; the error returned is PaymentVerificationFailed either way. Orders
// that are closed or whose payment already failed are rejected with
// NOT_AWAITING_PAYMENT.
func (e *Engine) ConfirmPayment(ctx context.Context, orderID, paymentID, signature string) (*models.Order, error) {
	order, err := e.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != models.PaymentOnline || order.PaymentDetails.GatewayOrderID == "" {
		return nil, apperr.PreconditionFailed(apperr.CodePaymentNotInitiated, "No payment has been initiated for this order")
	}

	valid := e.gateway.VerifySignature(order.PaymentDetails.GatewayOrderID, paymentID, signature)
	metrics.RecordPaymentVerification(valid)

	logger := e.logger.WithFields(logrus.Fields{
		"order_id":         order.ID,
		"gateway_order_id": order.PaymentDetails.GatewayOrderID,
		"payment_id":       paymentID,
	})

	if order.PaymentStatus == models.PaymentPaid {
		if valid && order.PaymentDetails.GatewayPaymentID == paymentID {
			return order, nil
		}
		logger.Warn("Payment confirmation rejected for an order that is already paid")
		return nil, apperr.New(apperr.KindPaymentVerificationFailed, apperr.CodePaymentVerificationFailed, "Payment verification failed")
	}

	// A failed verification or a closed order is final; a late valid
	// signature must not resurrect it.
	if order.Status.IsTerminal() || order.PaymentStatus != models.PaymentPending {
		logger.WithFields(logrus.Fields{
			"status":         order.Status,
			"payment_status": order.PaymentStatus,
		}).Warn("Payment confirmation for an order that is no longer awaiting payment")
		return nil, apperr.PreconditionFailed(apperr.CodeNotAwaitingPayment, "Order is no longer awaiting payment")
	}

	if !valid {
		logger.Warn("Payment signature mismatch")
		e.failPayment(ctx, order)
		return nil, apperr.New(apperr.KindPaymentVerificationFailed, apperr.CodePaymentVerificationFailed, "Payment verification failed")
	}

	paid := models.PaymentPaid
	fields := func(u *models.Update, _ *models.Order) {
		u.PaymentStatus = &paid
		u.GatewayPaymentID = &paymentID
		u.GatewaySignature = &signature
	}

	if order.Status != models.StatusPending {
		version := order.Version
		u := models.Update{ExpectedVersion: &version}
		fields(&u, order)
		updated, err := e.store.Update(ctx, order.ID, u)
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.New(apperr.KindConflict, apperr.CodeVersionConflict, "Order changed while recording payment")
		}
		if err != nil {
			return nil, apperr.Internal(fmt.Errorf("failed to record payment: %w", err))
		}
		logger.Info("Payment recorded")
		return updated, nil
	}

	before, after, err := e.apply(ctx, orderID, step{
		target: models.StatusConfirmed,
		note:   "Payment received",
		check: func(o *models.Order) error {
			if o.PaymentStatus == models.PaymentPaid {
				return apperr.New(apperr.KindConflict, apperr.CodeVersionConflict, "Payment already recorded")
			}
			return checkEdge(o.Status, models.StatusConfirmed)
		},
		fields: fields,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Payment verified")
	e.afterTransition(ctx, models.System, before, after, "Payment received", true)
	return after, nil
}

func (e *Engine) failPayment(ctx context.Context, order *models.Order) {
	failed := models.PaymentFailed
	note := "Payment verification failed"

	if CanTransition(order.Status, models.StatusCancelled) {
		before, after, err := e.apply(ctx, order.ID, step{
			target: models.StatusCancelled,
			note:   note,
			check:  func(o *models.Order) error { return checkEdge(o.Status, models.StatusCancelled) },
			fields: func(u *models.Update, _ *models.Order) {
				u.PaymentStatus = &failed
				u.CancellationReason = &note
			},
		})
		if err == nil {
			e.afterTransition(ctx, models.System, before, after, note, false)
			return
		}
		e.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to cancel order after payment verification failure")
	}

	if _, err := e.store.Update(ctx, order.ID, models.Update{PaymentStatus: &failed}); err != nil {
		e.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to mark payment as failed")
	}
}

// afterTransition runs the best-effort side effects of a committed status
// change. None of them can fail the operation.
func (e *Engine) afterTransition(ctx context.Context, actor models.Actor, before, after *models.Order, note string, paymentConfirmed bool) {
	metrics.RecordTransition(string(before.Status), string(after.Status))

	e.logger.WithFields(logrus.Fields{
		"order_id":     after.ID,
		"order_number": after.OrderNumber,
		"from_status":  before.Status,
		"to_status":    after.Status,
		"role":         actor.Role,
	}).Info("Order status updated")

	e.events.Publish(ctx, events.Event{
		Type:           events.OrderStatusChanged,
		OrderID:        after.ID,
		OrderNumber:    after.OrderNumber,
		RestaurantID:   after.RestaurantID,
		CustomerID:     after.CustomerID,
		DriverID:       after.DriverID,
		Status:         after.Status,
		PreviousStatus: before.Status,
		Note:           note,
		Role:           actor.Role,
		Order:          after,
		OccurredAt:     after.UpdatedAt,
	})

	if after.Status == models.StatusDelivered && after.DriverID != "" {
		if err := e.catalog.ReleaseDriver(ctx, after.DriverID, after.ID); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"order_id":  after.ID,
				"driver_id": after.DriverID,
			}).Warn("Failed to release driver after delivery")
		}
	}

	e.notifyCustomer(ctx, after, paymentConfirmed)
}

func (e *Engine) notifyCustomer(ctx context.Context, order *models.Order, paymentConfirmed bool) {
	if e.notifier == nil {
		return
	}
	contact, err := e.catalog.CustomerContact(ctx, order.CustomerID)
	if err != nil {
		e.logger.WithError(err).WithField("order_id", order.ID).Warn("No contact for order notification")
		return
	}

	var (
		msg notify.Message
		ok  bool
	)
	if paymentConfirmed {
		msg, ok = notify.OrderConfirmation(*contact, order)
	} else {
		msg, ok = notify.StatusUpdate(*contact, order)
	}
	if ok {
		e.notifier.Notify(ctx, msg)
	}
}
