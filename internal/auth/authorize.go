package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/pkg/models"
)

// Capability names an action on an existing order.
type Capability string

const (
	ViewOrder       Capability = "view"
	TransitionOrder Capability = "transition"
	CancelOrder     Capability = "cancel"
	AcceptOrder     Capability = "accept"
	PayOrder        Capability = "pay"
	TrackOrder      Capability = "track"
)

// ErrNoOwner may be returned by an OwnerLookup when the restaurant is unknown.
// Authorize treats it as a denial rather than a failure.
var ErrNoOwner = errors.New("restaurant has no owner")

// OwnerLookup resolves the user who owns a restaurant.
type OwnerLookup interface {
	RestaurantOwner(ctx context.Context, restaurantID string) (string, error)
}

// Authorize decides whether actor may exercise c on order using the order's
// participants: its customer, the owner of its restaurant, its assigned driver,
// and admins. A denial is an apperr Unauthorized.
func Authorize(ctx context.Context, actor models.Actor, c Capability, order *models.Order, owners OwnerLookup) error {
	if actor.Role == models.RoleAdmin {
		return nil
	}

	var allowed bool
	switch actor.Role {
	case models.RoleCustomer:
		switch c {
		case ViewOrder, TrackOrder, CancelOrder, PayOrder:
			allowed = order.CustomerID == actor.ID
		}
	case models.RoleRestaurant:
		switch c {
		case ViewOrder, TrackOrder, TransitionOrder:
			owner, err := owners.RestaurantOwner(ctx, order.RestaurantID)
			if err != nil && !errors.Is(err, ErrNoOwner) {
				return fmt.Errorf("failed to resolve restaurant owner: %w", err)
			}
			allowed = err == nil && owner == actor.ID
		}
	case models.RoleDriver:
		switch c {
		case ViewOrder, TrackOrder, TransitionOrder:
			allowed = order.DriverID != "" && order.DriverID == actor.ID
		case AcceptOrder:
			allowed = true
		}
	}

	if !allowed {
		return apperr.Unauthorized(fmt.Sprintf("Not authorized to %s this order", c))
	}
	return nil
}
