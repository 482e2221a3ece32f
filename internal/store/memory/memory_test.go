package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/shopspring/decimal"
)

func newOrder(number, restaurant string, total int64) *models.Order {
	return &models.Order{
		OrderNumber:  number,
		CustomerID:   "cust-1",
		RestaurantID: restaurant,
		Status:       models.StatusPending,
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusPending, Timestamp: time.Now(), Note: "Order placed"},
		},
		Subtotal: decimal.NewFromInt(total),
		Total:    decimal.NewFromInt(total),
	}
}

func withClock(s *Store, start time.Time) {
	current := start
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func TestCreateAssignsIDAndRejectsDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.Create(ctx, newOrder("FD1", "r1", 100))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Expected an assigned ID")
	}

	if _, err := s.Create(ctx, newOrder("FD1", "r1", 100)); !errors.Is(err, store.ErrDuplicateOrderNumber) {
		t.Errorf("Expected ErrDuplicateOrderNumber, got %v", err)
	}
}

func TestFindByIDReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.Create(ctx, newOrder("FD1", "r1", 100))

	created.StatusHistory[0].Note = "mutated"

	fetched, err := s.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if fetched.StatusHistory[0].Note != "Order placed" {
		t.Error("Expected store to be isolated from caller mutations")
	}

	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateGuards(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.Create(ctx, newOrder("FD1", "r1", 100))

	stale := int64(5)
	_, err := s.Update(ctx, created.ID, models.Update{
		ExpectedVersion: &stale,
		Status:          &models.StatusEntry{Status: models.StatusConfirmed},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Expected ErrConflict for stale version, got %v", err)
	}

	version := created.Version
	updated, err := s.Update(ctx, created.ID, models.Update{
		ExpectedVersion: &version,
		Status:          &models.StatusEntry{Status: models.StatusConfirmed, Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != version+1 {
		t.Errorf("Expected version %d, got %d", version+1, updated.Version)
	}
	if err := updated.CheckHistory(); err != nil {
		t.Errorf("History invariant broken: %v", err)
	}

	driver := "driver-1"
	if _, err := s.Update(ctx, created.ID, models.Update{RequireNoDriver: true, DriverID: &driver}); err != nil {
		t.Fatalf("First assignment failed: %v", err)
	}
	other := "driver-2"
	if _, err := s.Update(ctx, created.ID, models.Update{RequireNoDriver: true, DriverID: &other}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected second assignment to conflict, got %v", err)
	}
}

func TestConcurrentGuardedUpdates(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.Create(ctx, newOrder("FD1", "r1", 100))

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			driver := fmt.Sprintf("driver-%d", i)
			if _, err := s.Update(ctx, created.ID, models.Update{RequireNoDriver: true, DriverID: &driver}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Expected exactly one successful assignment, got %d", successes)
	}
}

func TestFindFiltersSortsAndPaginates(t *testing.T) {
	s := New()
	withClock(s, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		o, _ := s.Create(ctx, newOrder(fmt.Sprintf("FD%d", i), "r1", 100))
		ids = append(ids, o.ID)
	}
	s.Create(ctx, newOrder("FDX", "r2", 100))

	page, err := s.Find(ctx, store.Query{Filter: store.Filter{RestaurantIDs: []string{"r1"}}, Limit: 2, Skip: 1})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("Expected total 5, got %d", page.Total)
	}
	if len(page.Orders) != 2 {
		t.Fatalf("Expected 2 orders, got %d", len(page.Orders))
	}
	if page.Orders[0].ID != ids[3] {
		t.Errorf("Expected newest-first ordering, got %s", page.Orders[0].ID)
	}

	// Touching the oldest order moves it to the front when sorting by update time.
	loc := models.Point{Lng: 77.5, Lat: 12.9}
	if _, err := s.Update(ctx, ids[0], models.Update{DriverLocation: &loc}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	page, _ = s.Find(ctx, store.Query{Sort: store.SortUpdatedDesc, Limit: 1})
	if page.Orders[0].ID != ids[0] {
		t.Errorf("Expected most recently updated order first, got %s", page.Orders[0].ID)
	}
}

func TestFindUnassignedReady(t *testing.T) {
	s := New()
	ctx := context.Background()
	a, _ := s.Create(ctx, newOrder("FDA", "r1", 100))
	b, _ := s.Create(ctx, newOrder("FDB", "r1", 100))

	ready := &models.StatusEntry{Status: models.StatusReady}
	s.Update(ctx, a.ID, models.Update{Status: ready})
	s.Update(ctx, b.ID, models.Update{Status: ready})
	driver := "d1"
	s.Update(ctx, b.ID, models.Update{DriverID: &driver})

	page, _ := s.Find(ctx, store.Query{Filter: store.Filter{
		Statuses:   []models.Status{models.StatusReady},
		Unassigned: true,
	}})
	if page.Total != 1 || page.Orders[0].ID != a.ID {
		t.Errorf("Expected only the unassigned ready order, got %+v", page.Orders)
	}
}

func TestStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	a, _ := s.Create(ctx, newOrder("FDA", "r1", 100))
	s.Create(ctx, newOrder("FDB", "r1", 50))
	c, _ := s.Create(ctx, newOrder("FDC", "r1", 70))
	s.Create(ctx, newOrder("FDD", "r2", 999))

	s.Update(ctx, c.ID, models.Update{Status: &models.StatusEntry{Status: models.StatusCancelled}})
	s.Update(ctx, a.ID, models.Update{Status: &models.StatusEntry{Status: models.StatusDelivered}})

	stats, err := s.Stats(ctx, store.StatsQuery{RestaurantIDs: []string{"r1"}})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalOrders != 3 {
		t.Errorf("Expected 3 orders, got %d", stats.TotalOrders)
	}
	if stats.ActiveOrders != 1 {
		t.Errorf("Expected 1 active order, got %d", stats.ActiveOrders)
	}
	if !stats.PeriodRevenue.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Expected revenue 150, got %s", stats.PeriodRevenue)
	}
	if stats.ByStatus[models.StatusCancelled] != 1 {
		t.Errorf("Expected 1 cancelled order, got %d", stats.ByStatus[models.StatusCancelled])
	}
}
