// Package memory is an in-process order store used for development and tests.
// Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu       sync.RWMutex
	orders   map[string]*models.Order
	byNumber map[string]string
	now      func() time.Time
}

func New() *Store {
	return &Store{
		orders:   make(map[string]*models.Order),
		byNumber: make(map[string]string),
		now:      time.Now,
	}
}

func (s *Store) Create(_ context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byNumber[order.OrderNumber]; exists {
		return nil, store.ErrDuplicateOrderNumber
	}

	stored := order.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	s.orders[stored.ID] = stored
	s.byNumber[stored.OrderNumber] = stored.ID
	return stored.Clone(), nil
}

func (s *Store) FindByID(_ context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return order.Clone(), nil
}

func (s *Store) Find(_ context.Context, q store.Query) (store.Page, error) {
	q = q.Normalize()

	s.mu.RLock()
	var matched []*models.Order
	for _, order := range s.orders {
		if q.Filter.Matches(order) {
			matched = append(matched, order.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if q.Sort == store.SortUpdatedDesc {
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		} else if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	page := store.Page{Total: len(matched), Skip: q.Skip, Limit: q.Limit, Orders: []*models.Order{}}
	if q.Skip < len(matched) {
		end := q.Skip + q.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Orders = matched[q.Skip:end]
	}
	return page, nil
}

func (s *Store) Update(_ context.Context, id string, u models.Update) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := u.Check(order); err != nil {
		return nil, store.ErrConflict
	}

	next := order.Clone()
	u.ApplyTo(next, s.now())
	s.orders[id] = next
	return next.Clone(), nil
}

func (s *Store) Stats(_ context.Context, q store.StatsQuery) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := store.Stats{PeriodRevenue: decimal.Zero, ByStatus: make(map[models.Status]int)}
	filter := store.Filter{RestaurantIDs: q.RestaurantIDs}
	for _, order := range s.orders {
		if !filter.Matches(order) {
			continue
		}
		stats.TotalOrders++
		stats.ByStatus[order.Status]++
		if order.Status.IsActive() {
			stats.ActiveOrders++
		}
		if inWindow(order.CreatedAt, q.From, q.To) && order.Status != models.StatusCancelled {
			stats.PeriodOrders++
			stats.PeriodRevenue = stats.PeriodRevenue.Add(order.Total)
		}
	}
	return stats, nil
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
