// Package assignment hands ready orders to drivers and relays driver locations.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/catalog"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/metrics"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
)

// Drivers is the driver directory.
type Drivers interface {
	Driver(ctx context.Context, userID string) (*models.Driver, error)
	ClaimDriver(ctx context.Context, userID, orderID string) error
	ReleaseDriver(ctx context.Context, userID, orderID string) error
	UpdateDriverLocation(ctx context.Context, userID string, p models.Point) error
	SetDriverOnline(ctx context.Context, userID string, online bool) error
}

type Service struct {
	store   store.OrderStore
	drivers Drivers
	events  events.Publisher
	logger  *logrus.Logger
	now     func() time.Time
}

func NewService(orders store.OrderStore, drivers Drivers, publisher events.Publisher, logger *logrus.Logger) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{store: orders, drivers: drivers, events: publisher, logger: logger, now: time.Now}
}

// Accept assigns driverID to a ready, unassigned order. The order's status is
// left at ready; pickup is a separate transition. At most one of any number
// of concurrent accepts for the same order succeeds.
func (s *Service) Accept(ctx context.Context, driverID, orderID string) (*models.Order, error) {
	logger := s.logger.WithFields(logrus.Fields{"order_id": orderID, "driver_id": driverID})

	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := assignable(order); err != nil {
		s.reject(err)
		return nil, err
	}

	driver, err := s.drivers.Driver(ctx, driverID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeDriverNotFound, "Driver profile not found")
		}
		return nil, apperr.Internal(err)
	}
	if !driver.CanTakeOrder() {
		err := apperr.PreconditionFailed(apperr.CodeDriverUnavailable, "Driver must be verified, online and free to accept orders")
		s.reject(err)
		return nil, err
	}

	if err := s.drivers.ClaimDriver(ctx, driverID, orderID); err != nil {
		if errors.Is(err, catalog.ErrDriverUnavailable) {
			err := apperr.PreconditionFailed(apperr.CodeDriverUnavailable, "Driver is already on another order")
			s.reject(err)
			return nil, err
		}
		return nil, apperr.Internal(fmt.Errorf("failed to claim driver: %w", err))
	}

	ready := models.StatusReady
	updated, err := s.store.Update(ctx, orderID, models.Update{
		RequireStatus:   &ready,
		RequireNoDriver: true,
		DriverID:        &driverID,
	})
	if err != nil {
		if releaseErr := s.drivers.ReleaseDriver(ctx, driverID, orderID); releaseErr != nil {
			logger.WithError(releaseErr).Error("Failed to release driver after losing assignment")
		}
		if errors.Is(err, store.ErrConflict) {
			latest, loadErr := s.load(ctx, orderID)
			if loadErr != nil {
				return nil, loadErr
			}
			err := assignable(latest)
			if err == nil {
				err = apperr.New(apperr.KindConflict, apperr.CodeVersionConflict, "Order changed while accepting, please retry")
			}
			s.reject(err)
			return nil, err
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeOrderNotFound, "Order not found")
		}
		return nil, apperr.Internal(fmt.Errorf("failed to assign driver: %w", err))
	}

	metrics.RecordAssignment("assigned")
	logger.WithField("order_number", updated.OrderNumber).Info("Driver assigned to order")

	s.events.Publish(ctx, events.Event{
		Type:         events.OrderDriverAssigned,
		OrderID:      updated.ID,
		OrderNumber:  updated.OrderNumber,
		RestaurantID: updated.RestaurantID,
		CustomerID:   updated.CustomerID,
		DriverID:     driverID,
		Status:       updated.Status,
		Role:         models.RoleDriver,
		Order:        updated,
		OccurredAt:   s.now(),
	})
	return updated, nil
}

func assignable(o *models.Order) error {
	if o.DriverID != "" {
		return apperr.PreconditionFailed(apperr.CodeAlreadyAssigned, "Order already has a driver")
	}
	if o.Status != models.StatusReady {
		return apperr.PreconditionFailed(apperr.CodeNotReady, fmt.Sprintf("Order is %s, not ready for pickup", o.Status))
	}
	return nil
}

func (s *Service) reject(err error) {
	switch apperr.CodeOf(err) {
	case apperr.CodeAlreadyAssigned:
		metrics.RecordAssignment("already_assigned")
	case apperr.CodeNotReady:
		metrics.RecordAssignment("not_ready")
	case apperr.CodeDriverUnavailable:
		metrics.RecordAssignment("driver_unavailable")
	default:
		metrics.RecordAssignment("conflict")
	}
}

func (s *Service) load(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.store.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(apperr.CodeOrderNotFound, "Order not found")
		}
		return nil, apperr.Internal(err)
	}
	return order, nil
}

// ListAvailable pages through ready orders without a driver, most recently
// updated first.
func (s *Service) ListAvailable(ctx context.Context, page, limit int) (store.Page, error) {
	q := store.PageQuery(store.Filter{
		Statuses:   []models.Status{models.StatusReady},
		Unassigned: true,
	}, store.SortUpdatedDesc, page, limit)
	result, err := s.store.Find(ctx, q)
	if err != nil {
		return store.Page{}, apperr.Internal(fmt.Errorf("failed to list available orders: %w", err))
	}
	return result, nil
}

func (s *Service) ListForDriver(ctx context.Context, driverID string, statuses []models.Status, page, limit int) (store.Page, error) {
	q := store.PageQuery(store.Filter{DriverID: driverID, Statuses: statuses}, store.SortCreatedDesc, page, limit)
	result, err := s.store.Find(ctx, q)
	if err != nil {
		return store.Page{}, apperr.Internal(fmt.Errorf("failed to list driver orders: %w", err))
	}
	return result, nil
}

// UpdateLocation records the driver's position and, when orderID is set,
// copies it onto that order and tells the order's subscribers.
func (s *Service) UpdateLocation(ctx context.Context, driverID, orderID string, p models.Point) error {
	if err := p.Validate(); err != nil {
		return apperr.Invalid(err.Error())
	}

	if err := s.drivers.UpdateDriverLocation(ctx, driverID, p); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return apperr.NotFound(apperr.CodeDriverNotFound, "Driver profile not found")
		}
		return apperr.Internal(fmt.Errorf("failed to update driver location: %w", err))
	}
	if orderID == "" {
		return nil
	}

	order, err := s.store.Update(ctx, orderID, models.Update{DriverLocation: &p})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound(apperr.CodeOrderNotFound, "Order not found")
		}
		return apperr.Internal(fmt.Errorf("failed to update order location: %w", err))
	}

	s.events.Publish(ctx, events.Event{
		Type:         events.DriverLocationUpdated,
		OrderID:      order.ID,
		OrderNumber:  order.OrderNumber,
		RestaurantID: order.RestaurantID,
		CustomerID:   order.CustomerID,
		DriverID:     driverID,
		Status:       order.Status,
		Role:         models.RoleDriver,
		Location:     &p,
		OccurredAt:   s.now(),
	})
	return nil
}

// SetOnline flips the driver's online flag only; availability is untouched.
func (s *Service) SetOnline(ctx context.Context, driverID string, online bool) error {
	if err := s.drivers.SetDriverOnline(ctx, driverID, online); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return apperr.NotFound(apperr.CodeDriverNotFound, "Driver profile not found")
		}
		return apperr.Internal(fmt.Errorf("failed to set driver online=%t: %w", online, err))
	}
	s.logger.WithFields(logrus.Fields{"driver_id": driverID, "online": online}).Info("Driver availability changed")
	return nil
}
