// Package store defines the durable order record contract shared by the
// lifecycle engine, driver assignment and the read-only projections.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jogardn/fooddash/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("order not found")
	ErrConflict             = errors.New("order changed concurrently")
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// OrderStore persists orders. Update applies a models.Update atomically: guards
// are checked and fields written within one serialized read-modify-write.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	FindByID(ctx context.Context, id string) (*models.Order, error)
	Find(ctx context.Context, q Query) (Page, error)
	Update(ctx context.Context, id string, u models.Update) (*models.Order, error)
	Stats(ctx context.Context, q StatsQuery) (Stats, error)
}

type Filter struct {
	CustomerID    string
	RestaurantIDs []string
	DriverID      string
	Statuses      []models.Status
	// Unassigned restricts results to orders with no driver.
	Unassigned  bool
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type Sort int

const (
	SortCreatedDesc Sort = iota
	SortUpdatedDesc
)

type Query struct {
	Filter Filter
	Sort   Sort
	Skip   int
	Limit  int
}

// Normalize clamps the limit to 1..MaxLimit and the skip to non-negative values.
func (q Query) Normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Skip < 0 {
		q.Skip = 0
	}
	return q
}

type Page struct {
	Orders []*models.Order `json:"orders"`
	Total  int             `json:"total"`
	Skip   int             `json:"skip"`
	Limit  int             `json:"limit"`
}

// PageQuery converts a 1-based page number into a Query window.
func PageQuery(f Filter, sort Sort, page, limit int) Query {
	if page < 1 {
		page = 1
	}
	q := Query{Filter: f, Sort: sort, Limit: limit}.Normalize()
	q.Skip = (page - 1) * q.Limit
	return q
}

type StatsQuery struct {
	RestaurantIDs []string
	// Revenue and PeriodOrders cover [From, To). A zero bound is open.
	From time.Time
	To   time.Time
}

type Stats struct {
	TotalOrders   int                   `json:"total_orders"`
	PeriodOrders  int                   `json:"period_orders"`
	PeriodRevenue decimal.Decimal       `json:"period_revenue"`
	ActiveOrders  int                   `json:"active_orders"`
	ByStatus      map[models.Status]int `json:"by_status"`
}

// Matches reports whether o satisfies the filter. Backends without a query
// language use it directly; SQL backends mirror it in their WHERE clause.
func (f Filter) Matches(o *models.Order) bool {
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if len(f.RestaurantIDs) > 0 && !contains(f.RestaurantIDs, o.RestaurantID) {
		return false
	}
	if f.DriverID != "" && o.DriverID != f.DriverID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Unassigned && o.DriverID != "" {
		return false
	}
	if f.CreatedFrom != nil && o.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && !o.CreatedAt.Before(*f.CreatedTo) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
