package models

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusPickedUp  Status = "picked_up"
	StatusOnTheWay  Status = "on_the_way"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusPickedUp,
	StatusOnTheWay,
	StatusDelivered,
	StatusCancelled,
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// IsActive reports whether the order is still in the kitchen's hands.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "cod"
	PaymentOnline PaymentMethod = "online"
	PaymentWallet PaymentMethod = "wallet"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCOD || m == PaymentOnline || m == PaymentWallet
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Role identifies the kind of party acting on the platform.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleRestaurant Role = "restaurant"
	RoleDriver     Role = "driver"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleRestaurant || r == RoleDriver || r == RoleAdmin
}

// Actor is an authenticated party. Identity is established by the session layer.
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// System is the actor used for gateway callbacks and other platform-initiated changes.
var System = Actor{ID: "system", Role: RoleAdmin}
