package assignment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/catalog"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/internal/store/memory"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	service   *Service
	orders    *memory.Store
	catalog   *catalog.Catalog
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := catalog.Open("sqlite", ":memory:", logger)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	cat := catalog.New(db, logger)
	require.NoError(t, cat.Migrate())

	f := &fixture{
		orders:    memory.New(),
		catalog:   cat,
		publisher: &recordingPublisher{},
	}
	f.service = NewService(f.orders, cat, f.publisher, logger)
	return f
}

func (f *fixture) addDriver(t *testing.T, id string, online bool) {
	t.Helper()
	require.NoError(t, f.catalog.UpsertDriver(context.Background(), models.Driver{
		UserID: id, VehicleType: "bike", IsVerified: true, IsOnline: online, IsAvailable: true,
	}))
}

func (f *fixture) addOrder(t *testing.T, number string, status models.Status) *models.Order {
	t.Helper()
	created, err := f.orders.Create(context.Background(), &models.Order{
		OrderNumber:   number,
		CustomerID:    "cust-1",
		RestaurantID:  "rest-1",
		Status:        status,
		StatusHistory: []models.StatusEntry{{Status: status, Timestamp: time.Now()}},
	})
	require.NoError(t, err)
	return created
}

func TestAcceptAssignsDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "driver-1", true)
	order := f.addOrder(t, "FD1", models.StatusReady)

	accepted, err := f.service.Accept(ctx, "driver-1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, "driver-1", accepted.DriverID)
	assert.Equal(t, models.StatusReady, accepted.Status)
	assert.Len(t, accepted.StatusHistory, 1)

	driver, err := f.catalog.Driver(ctx, "driver-1")
	require.NoError(t, err)
	assert.False(t, driver.IsAvailable)
	assert.Equal(t, order.ID, driver.CurrentOrderID)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.OrderDriverAssigned, f.publisher.events[0].Type)
	assert.Equal(t, "driver-1", f.publisher.events[0].DriverID)
}

func TestAcceptPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "driver-1", true)
	f.addDriver(t, "driver-2", true)
	f.addDriver(t, "offline", false)

	preparing := f.addOrder(t, "FD1", models.StatusPreparing)
	_, err := f.service.Accept(ctx, "driver-1", preparing.ID)
	assert.Equal(t, apperr.CodeNotReady, apperr.CodeOf(err))

	_, err = f.service.Accept(ctx, "driver-1", "missing")
	assert.Equal(t, apperr.CodeOrderNotFound, apperr.CodeOf(err))

	ready := f.addOrder(t, "FD2", models.StatusReady)
	_, err = f.service.Accept(ctx, "offline", ready.ID)
	assert.Equal(t, apperr.CodeDriverUnavailable, apperr.CodeOf(err))

	_, err = f.service.Accept(ctx, "ghost", ready.ID)
	assert.Equal(t, apperr.CodeDriverNotFound, apperr.CodeOf(err))

	_, err = f.service.Accept(ctx, "driver-1", ready.ID)
	require.NoError(t, err)

	_, err = f.service.Accept(ctx, "driver-2", ready.ID)
	assert.Equal(t, apperr.CodeAlreadyAssigned, apperr.CodeOf(err))

	another := f.addOrder(t, "FD3", models.StatusReady)
	_, err = f.service.Accept(ctx, "driver-1", another.ID)
	assert.Equal(t, apperr.CodeDriverUnavailable, apperr.CodeOf(err), "a busy driver cannot take a second order")
}

func TestConcurrentAcceptIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const drivers = 8
	for i := 0; i < drivers; i++ {
		f.addDriver(t, fmt.Sprintf("driver-%d", i), true)
	}
	order := f.addOrder(t, "FD1", models.StatusReady)

	var (
		mu        sync.Mutex
		successes []string
		failures  []error
	)
	var g errgroup.Group
	for i := 0; i < drivers; i++ {
		driverID := fmt.Sprintf("driver-%d", i)
		g.Go(func() error {
			_, err := f.service.Accept(ctx, driverID, order.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			} else {
				successes = append(successes, driverID)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, successes, 1)
	for _, err := range failures {
		code := apperr.CodeOf(err)
		assert.True(t, code == apperr.CodeAlreadyAssigned || code == apperr.CodeNotReady, "unexpected failure %v", err)
	}

	stored, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, successes[0], stored.DriverID)

	for i := 0; i < drivers; i++ {
		d, err := f.catalog.Driver(ctx, fmt.Sprintf("driver-%d", i))
		require.NoError(t, err)
		if d.UserID == successes[0] {
			assert.Equal(t, order.ID, d.CurrentOrderID)
		} else {
			assert.True(t, d.IsAvailable, "losing driver %s must be released", d.UserID)
			assert.Empty(t, d.CurrentOrderID)
		}
	}
}

func TestListAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "driver-1", true)

	first := f.addOrder(t, "FD1", models.StatusReady)
	time.Sleep(2 * time.Millisecond)
	second := f.addOrder(t, "FD2", models.StatusReady)
	f.addOrder(t, "FD3", models.StatusPreparing)
	taken := f.addOrder(t, "FD4", models.StatusReady)
	_, err := f.service.Accept(ctx, "driver-1", taken.ID)
	require.NoError(t, err)

	page, err := f.service.ListAvailable(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, second.ID, page.Orders[0].ID)
	assert.Equal(t, first.ID, page.Orders[1].ID)

	mine, err := f.service.ListForDriver(ctx, "driver-1", nil, 1, store.DefaultLimit)
	require.NoError(t, err)
	require.Equal(t, 1, mine.Total)
	assert.Equal(t, taken.ID, mine.Orders[0].ID)
}

func TestUpdateLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "driver-1", true)
	order := f.addOrder(t, "FD1", models.StatusPickedUp)

	p := models.Point{Lng: 77.59, Lat: 12.97}
	require.NoError(t, f.service.UpdateLocation(ctx, "driver-1", "", p))
	assert.Empty(t, f.publisher.events)

	require.NoError(t, f.service.UpdateLocation(ctx, "driver-1", order.ID, p))
	stored, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DriverLocation)
	assert.Equal(t, p, *stored.DriverLocation)
	assert.Equal(t, order.Version, stored.Version, "location writes must not bump the version")

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.DriverLocationUpdated, f.publisher.events[0].Type)
	assert.Equal(t, &p, f.publisher.events[0].Location)

	driver, err := f.catalog.Driver(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, p, driver.CurrentLocation)
	assert.NotNil(t, driver.LastLocationUpdate)

	err = f.service.UpdateLocation(ctx, "driver-1", "", models.Point{Lng: 200, Lat: 0})
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	err = f.service.UpdateLocation(ctx, "ghost", "", p)
	assert.Equal(t, apperr.CodeDriverNotFound, apperr.CodeOf(err))

	err = f.service.UpdateLocation(ctx, "driver-1", "missing", p)
	assert.Equal(t, apperr.CodeOrderNotFound, apperr.CodeOf(err))
}

func TestSetOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDriver(t, "driver-1", true)

	require.NoError(t, f.service.SetOnline(ctx, "driver-1", false))
	d, err := f.catalog.Driver(ctx, "driver-1")
	require.NoError(t, err)
	assert.False(t, d.IsOnline)
	assert.True(t, d.IsAvailable)

	assert.Equal(t, apperr.CodeDriverNotFound, apperr.CodeOf(f.service.SetOnline(ctx, "ghost", true)))
}
