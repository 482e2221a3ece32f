package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/catalog"
	"github.com/jogardn/fooddash/internal/events"
	"github.com/jogardn/fooddash/internal/notify"
	"github.com/jogardn/fooddash/internal/paygateway"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/internal/store/memory"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const gatewaySecret = "test-secret"

var (
	customer   = models.Actor{ID: "cust-1", Role: models.RoleCustomer}
	restaurant = models.Actor{ID: "owner-1", Role: models.RoleRestaurant}
	driver     = models.Actor{ID: "driver-1", Role: models.RoleDriver}
	admin      = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
)

type fakeCatalog struct {
	mu          sync.Mutex
	restaurants map[string]*models.Restaurant
	items       map[string]*models.MenuItem
	addresses   map[string]*models.Address
	contacts    map[string]*models.Contact
	released    []string
}

func newFakeCatalog() *fakeCatalog {
	discount := decimal.NewFromInt(90)
	return &fakeCatalog{
		restaurants: map[string]*models.Restaurant{
			"rest-1":   {ID: "rest-1", OwnerID: "owner-1", Name: "Dosa Corner", IsOpen: true, IsApproved: true, AvgPrepMinutes: 15},
			"closed":   {ID: "closed", OwnerID: "owner-2", IsOpen: false, IsApproved: true},
			"unproved": {ID: "unproved", OwnerID: "owner-3", IsOpen: true, IsApproved: false},
			"no-prep":  {ID: "no-prep", OwnerID: "owner-4", IsOpen: true, IsApproved: true},
		},
		items: map[string]*models.MenuItem{
			"item-a": {ID: "item-a", RestaurantID: "rest-1", Name: "Masala Dosa", Price: decimal.NewFromInt(100), IsAvailable: true},
			"item-b": {
				ID: "item-b", RestaurantID: "rest-1", Name: "Idli", Price: decimal.NewFromInt(50), IsAvailable: true,
				Customizations: []models.Customization{
					{Name: "Chutney", Options: []models.CustomOption{
						{Name: "Coconut", Price: decimal.NewFromInt(10)},
						{Name: "Tomato", Price: decimal.NewFromInt(5)},
					}},
				},
			},
			"item-c":   {ID: "item-c", RestaurantID: "rest-1", Name: "Vada", Price: decimal.NewFromInt(100), DiscountPrice: &discount, IsAvailable: true},
			"sold-out": {ID: "sold-out", RestaurantID: "rest-1", Name: "Pongal", Price: decimal.NewFromInt(80), IsAvailable: false},
			"foreign":  {ID: "foreign", RestaurantID: "no-prep", Name: "Burger", Price: decimal.NewFromInt(80), IsAvailable: true},
			"np-item":  {ID: "np-item", RestaurantID: "no-prep", Name: "Fries", Price: decimal.NewFromInt(40), IsAvailable: true},
		},
		addresses: map[string]*models.Address{
			"cust-1/home": {Street: "12 MG Road", City: "Bengaluru", State: "KA", Pincode: "560001"},
		},
		contacts: map[string]*models.Contact{
			"cust-1": {CustomerID: "cust-1", Name: "Asha", Email: "asha@example.com"},
		},
	}
}

func (c *fakeCatalog) Restaurant(_ context.Context, id string) (*models.Restaurant, error) {
	r, ok := c.restaurants[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (c *fakeCatalog) MenuItem(_ context.Context, id string) (*models.MenuItem, error) {
	m, ok := c.items[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (c *fakeCatalog) SavedAddress(_ context.Context, customerID, addressID string) (*models.Address, error) {
	a, ok := c.addresses[customerID+"/"+addressID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (c *fakeCatalog) CustomerContact(_ context.Context, customerID string) (*models.Contact, error) {
	contact, ok := c.contacts[customerID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return contact, nil
}

func (c *fakeCatalog) ReleaseDriver(_ context.Context, userID, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, userID+"/"+orderID)
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	refundErr error
	intents   int
	refunds   []string
}

func (g *fakeGateway) KeyID() string { return "key_test" }

func (g *fakeGateway) CreateIntent(_ context.Context, amount decimal.Decimal, currency string, _ map[string]string) (*paygateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.intents++
	return &paygateway.Intent{
		ID:       fmt.Sprintf("gw_order_%d", g.intents),
		Amount:   amount.Mul(decimal.NewFromInt(100)).IntPart(),
		Currency: currency,
	}, nil
}

func (g *fakeGateway) Refund(_ context.Context, paymentID string, amount *decimal.Decimal) (*paygateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, paymentID)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &paygateway.Refund{ID: "rfnd_1", Amount: *amount, Status: "processed"}, nil
}

func (g *fakeGateway) VerifySignature(intentID, paymentID, signature string) bool {
	return paygateway.Sign(gatewaySecret, intentID, paymentID) == signature
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) ofType(t string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

type harness struct {
	engine    *Engine
	store     *memory.Store
	catalog   *fakeCatalog
	gateway   *fakeGateway
	publisher *recordingPublisher
	notifier  *recordingNotifier
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := &harness{
		store:     memory.New(),
		catalog:   newFakeCatalog(),
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		now:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = NewEngine(h.store, h.catalog, h.gateway, h.publisher, h.notifier, DefaultConfig(), logger)
	h.engine.now = func() time.Time { return h.now }
	return h
}

func (h *harness) place(t *testing.T, method models.PaymentMethod) *CreateResult {
	t.Helper()
	result, err := h.engine.Create(context.Background(), customer, CreateRequest{
		RestaurantID: "rest-1",
		Items: []ItemRequest{
			{MenuItemID: "item-a", Quantity: 2},
			{MenuItemID: "item-b", Quantity: 1, Customizations: []CustomizationChoice{{Name: "Chutney", Option: "Coconut"}}},
		},
		DeliveryAddress: &models.Address{Street: "1 Residency Rd", City: "Bengaluru", State: "KA", Pincode: "560025"},
		PaymentMethod:   method,
	})
	require.NoError(t, err)
	return result
}

func assertInvariants(t *testing.T, o *models.Order) {
	t.Helper()
	require.NoError(t, o.CheckHistory())
	require.NoError(t, o.CheckTotals())
}

func TestCreateComputesTotals(t *testing.T) {
	h := newHarness(t)
	result := h.place(t, models.PaymentCOD)
	order := result.Order

	assert.True(t, order.Subtotal.Equal(decimal.NewFromInt(260)), "subtotal %s", order.Subtotal)
	assert.True(t, order.Total.Equal(decimal.NewFromInt(260)), "total %s", order.Total)
	assert.True(t, order.Items[1].UnitPrice.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, []models.SelectedCustomization{{Name: "Chutney", Option: "Coconut", Price: decimal.NewFromInt(10)}}, order.Items[1].Customizations)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.Equal(t, []models.StatusEntry{{Status: models.StatusPending, Timestamp: h.now, Note: "Order placed"}}, order.StatusHistory)
	assert.Equal(t, models.PaymentPending, order.PaymentStatus)
	assert.Equal(t, h.now.Add(45*time.Minute), order.EstimatedDeliveryTime)
	assert.Nil(t, order.ActualDeliveryTime)
	assert.Nil(t, result.Payment)
	assertInvariants(t, order)

	placed := h.publisher.ofType(events.OrderPlaced)
	require.Len(t, placed, 1)
	assert.Equal(t, "rest-1", placed[0].RestaurantID)
}

func TestCreateUsesDefaultPrepTime(t *testing.T) {
	h := newHarness(t)
	result, err := h.engine.Create(context.Background(), customer, CreateRequest{
		RestaurantID:  "no-prep",
		Items:         []ItemRequest{{MenuItemID: "np-item", Quantity: 1}},
		AddressID:     "home",
		PaymentMethod: models.PaymentCOD,
	})
	require.NoError(t, err)
	assert.Equal(t, h.now.Add(50*time.Minute), result.Order.EstimatedDeliveryTime)
	assert.Equal(t, "12 MG Road", result.Order.DeliveryAddress.Street)
}

func TestEffectiveUnitPrice(t *testing.T) {
	discount := decimal.NewFromInt(120)
	item := &models.MenuItem{
		Price:         decimal.NewFromInt(100),
		DiscountPrice: &discount,
		Customizations: []models.Customization{
			{Name: "Size", Options: []models.CustomOption{{Name: "Large", Price: decimal.NewFromInt(30)}}},
		},
	}

	price, selected := EffectiveUnitPrice(item, []CustomizationChoice{
		{Name: "Size", Option: "Large"},
		{Name: "Size", Option: "Huge"},
		{Name: "Sauce", Option: "Mint"},
	})
	assert.True(t, price.Equal(decimal.NewFromInt(130)), "discount above list price must be ignored, got %s", price)
	assert.Len(t, selected, 1)

	lower := decimal.NewFromInt(70)
	item.DiscountPrice = &lower
	price, _ = EffectiveUnitPrice(item, nil)
	assert.True(t, price.Equal(decimal.NewFromInt(70)))
}

func TestCreateFailures(t *testing.T) {
	address := &models.Address{Street: "1 Residency Rd", City: "Bengaluru", State: "KA", Pincode: "560025"}
	tests := []struct {
		name string
		req  CreateRequest
		kind apperr.Kind
		code string
	}{
		{"unknown restaurant", CreateRequest{RestaurantID: "nope", Items: []ItemRequest{{MenuItemID: "item-a", Quantity: 1}}, DeliveryAddress: address, PaymentMethod: models.PaymentCOD}, apperr.KindNotFound, apperr.CodeRestaurantNotFound},
		{"closed restaurant", CreateRequest{RestaurantID: "closed", Items: []ItemRequest{{MenuItemID: "item-a", Quantity: 1}}, DeliveryAddress: address, PaymentMethod: models.PaymentCOD}, apperr.KindPreconditionFailed, apperr.CodeRestaurantUnavailable},
		{"unapproved restaurant", CreateRequest{RestaurantID: "unproved", Items: []ItemRequest{{MenuItemID: "item-a", Quantity: 1}}, DeliveryAddress: address, PaymentMethod: models.PaymentCOD}, apperr.KindPreconditionFailed, apperr.CodeRestaurantUnavailable},
		{"no address", CreateRequest{RestaurantID: "rest-1", Items: []ItemRequest{{MenuItemID: "item-a", Quantity: 1}}, PaymentMethod: models.PaymentCOD}, apperr.KindPreconditionFailed, apperr.CodeAddressRequired},
		{"unknown saved address", CreateRequest{RestaurantID: "rest-1", Items: []ItemRequest{{MenuItemID: "item-a", Quantity: 1}}, AddressID: "office", PaymentMethod: models.PaymentCOD}, apperr.KindNotFound, apperr.CodeAddressNotFound},
		{"unknown item", CreateRequest{RestaurantID: "rest-1", Items: []ItemRequest{{MenuItemID: "ghost", Quantity: 1}}, DeliveryAddress: address, PaymentMethod: models.PaymentCOD}, apperr.KindNotFound, apperr.CodeItemNotFound},
		{"item from another restaurant", CreateRequest{RestaurantID: "rest-1", Items: []ItemRequest{{MenuItemID: "foreign", Quantity: 1}}, DeliveryAddress: address, PaymentMethod: models.PaymentCOD}, apperr.KindNotFound, apperr.CodeItemNotFound},
		{"unavailable item", CreateRequest{RestaurantID: "rest-1", Items: []ItemRequest{{MenuItemID: "sold-out", Quantity: 1}}, DeliveryAddress: address, PaymentMethod: models.PaymentCOD}, apperr.KindPreconditionFailed, apperr.CodeItemUnavailable},
		{"zero quantity", CreateRequest{RestaurantID: "rest-1", Items: []ItemRequest{{MenuItemID: "item-a", Quantity: 0}}, DeliveryAddress: address, PaymentMethod: models.PaymentCOD}, apperr.KindInvalid, apperr.CodeInvalidRequest},
		{"bad payment method", CreateRequest{RestaurantID: "rest-1", Items: []ItemRequest{{MenuItemID: "item-a", Quantity: 1}}, DeliveryAddress: address, PaymentMethod: "barter"}, apperr.KindInvalid, apperr.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Create(context.Background(), customer, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.code, apperr.CodeOf(err))

			page, err := h.store.Find(context.Background(), store.Query{})
			require.NoError(t, err)
			assert.Zero(t, page.Total, "no order may be stored on failure")
		})
	}
}

func TestCreateDuplicateOrderNumber(t *testing.T) {
	h := newHarness(t)
	h.engine.orderNumber = func(time.Time) string { return "FDFIXED0001" }

	h.place(t, models.PaymentCOD)
	_, err := h.engine.Create(context.Background(), customer, CreateRequest{
		RestaurantID:    "rest-1",
		Items:           []ItemRequest{{MenuItemID: "item-a", Quantity: 1}},
		DeliveryAddress: &models.Address{Street: "x", City: "y", State: "z", Pincode: "1"},
		PaymentMethod:   models.PaymentCOD,
	})
	assert.Equal(t, apperr.KindDuplicateKey, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeDuplicateOrderNumber, apperr.CodeOf(err))
}

func TestOrderNumberFormat(t *testing.T) {
	number := NewOrderNumber(time.UnixMilli(1700000000000))
	assert.Regexp(t, `^FD[0-9A-Z]+$`, number)
	assert.Equal(t, "FDLOYW3V28", number[:10])
	assert.Len(t, number, 14)
}

func TestCreateOnlineOpensPayment(t *testing.T) {
	h := newHarness(t)
	result := h.place(t, models.PaymentOnline)

	require.NotNil(t, result.Payment)
	assert.Equal(t, "gw_order_1", result.Payment.GatewayOrderID)
	assert.Equal(t, int64(26000), result.Payment.Amount)
	assert.Equal(t, "key_test", result.Payment.KeyID)
	assert.Equal(t, "gw_order_1", result.Order.PaymentDetails.GatewayOrderID)

	stored, err := h.engine.Get(context.Background(), result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "gw_order_1", stored.PaymentDetails.GatewayOrderID)
}

func TestCreateOnlineSurvivesGatewayFailure(t *testing.T) {
	h := newHarness(t)
	h.gateway.createErr = errors.New("gateway down")

	result := h.place(t, models.PaymentOnline)
	assert.Nil(t, result.Payment)
	assert.Equal(t, models.StatusPending, result.Order.Status)
	assert.Empty(t, result.Order.PaymentDetails.GatewayOrderID)

	_, err := h.engine.InitiatePayment(context.Background(), result.Order.ID)
	assert.Equal(t, apperr.KindGatewayError, apperr.KindOf(err))

	h.gateway.createErr = nil
	intent, err := h.engine.InitiatePayment(context.Background(), result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "gw_order_1", intent.GatewayOrderID)

	again, err := h.engine.InitiatePayment(context.Background(), result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.GatewayOrderID, again.GatewayOrderID)
	assert.Equal(t, int64(26000), again.Amount)
	assert.Equal(t, 1, h.gateway.intents)
}

func TestInitiatePaymentRejectsCOD(t *testing.T) {
	h := newHarness(t)
	result := h.place(t, models.PaymentCOD)
	_, err := h.engine.InitiatePayment(context.Background(), result.Order.ID)
	assert.Equal(t, apperr.CodePaymentNotInitiated, apperr.CodeOf(err))
}

func TestTransitionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentCOD).Order

	first, err := h.engine.Transition(ctx, restaurant, order.ID, models.StatusConfirmed, "Accepted")
	require.NoError(t, err)
	second, err := h.engine.Transition(ctx, restaurant, order.ID, models.StatusConfirmed, "Accepted again")
	require.NoError(t, err)

	assert.Len(t, second.StatusHistory, 2)
	assert.Equal(t, first.Version, second.Version)
	assertInvariants(t, second)
	assert.Len(t, h.publisher.ofType(events.OrderStatusChanged), 1)
	assert.Len(t, h.notifier.msgs, 1)
}

func TestTransitionRejectsSkips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentCOD).Order

	for _, target := range []models.Status{models.StatusPickedUp, models.StatusPreparing, models.StatusDelivered} {
		_, err := h.engine.Transition(ctx, restaurant, order.ID, target, "")
		assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err), "pending -> %s", target)
	}

	stored, err := h.engine.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Len(t, stored.StatusHistory, 1)

	_, err = h.engine.Transition(ctx, restaurant, order.ID, "teleported", "")
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	_, err = h.engine.Transition(ctx, restaurant, "missing", models.StatusConfirmed, "")
	assert.Equal(t, apperr.CodeOrderNotFound, apperr.CodeOf(err))
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range models.AllStatuses() {
		if s.IsTerminal() {
			assert.Empty(t, NextStatuses(s), "%s must be terminal", s)
		}
	}
	assert.True(t, CanTransition(models.StatusPreparing, models.StatusCancelled))
	assert.False(t, CanTransition(models.StatusReady, models.StatusCancelled))
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentCOD).Order

	for _, s := range []models.Status{models.StatusConfirmed, models.StatusPreparing, models.StatusReady} {
		h.now = h.now.Add(time.Minute)
		updated, err := h.engine.Transition(ctx, restaurant, order.ID, s, "")
		require.NoError(t, err)
		assertInvariants(t, updated)
		assert.Nil(t, updated.ActualDeliveryTime)
	}

	driverID := driver.ID
	_, err := h.store.Update(ctx, order.ID, models.Update{DriverID: &driverID, RequireNoDriver: true})
	require.NoError(t, err)

	var last *models.Order
	for _, s := range []models.Status{models.StatusPickedUp, models.StatusOnTheWay, models.StatusDelivered} {
		h.now = h.now.Add(time.Minute)
		last, err = h.engine.Transition(ctx, driver, order.ID, s, "")
		require.NoError(t, err)
		assertInvariants(t, last)
		if s != models.StatusDelivered {
			assert.Nil(t, last.ActualDeliveryTime)
		}
	}

	require.NotNil(t, last.ActualDeliveryTime)
	assert.Equal(t, h.now, *last.ActualDeliveryTime)
	assert.Len(t, last.StatusHistory, 7)
	assert.Equal(t, []string{"driver-1/" + order.ID}, h.catalog.released)

	_, err = h.engine.Transition(ctx, driver, order.ID, models.StatusCancelled, "")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	changes := h.publisher.ofType(events.OrderStatusChanged)
	require.Len(t, changes, 6)
	assert.Equal(t, models.StatusOnTheWay, changes[5].PreviousStatus)
	assert.Equal(t, models.RoleDriver, changes[5].Role)
}

func TestConcurrentDuplicateTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentCOD).Order

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := h.engine.Transition(ctx, restaurant, order.ID, models.StatusConfirmed, "")
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := h.engine.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, stored.StatusHistory, 2)
	assertInvariants(t, stored)
	assert.Len(t, h.publisher.ofType(events.OrderStatusChanged), 1)
}

type conflictingStore struct {
	store.OrderStore
}

func (conflictingStore) Update(context.Context, string, models.Update) (*models.Order, error) {
	return nil, store.ErrConflict
}

func TestPersistentConflictSurfaces(t *testing.T) {
	h := newHarness(t)
	order := h.place(t, models.PaymentCOD).Order
	h.engine.store = conflictingStore{h.store}

	_, err := h.engine.Transition(context.Background(), restaurant, order.ID, models.StatusConfirmed, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeVersionConflict, apperr.CodeOf(err))
}

func TestConfirmPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentOnline).Order
	sig := paygateway.Sign(gatewaySecret, "gw_order_1", "pay_1")

	confirmed, err := h.engine.ConfirmPayment(ctx, order.ID, "pay_1", sig)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
	assert.Equal(t, models.PaymentPaid, confirmed.PaymentStatus)
	assert.Equal(t, "pay_1", confirmed.PaymentDetails.GatewayPaymentID)
	assert.Equal(t, sig, confirmed.PaymentDetails.GatewaySignature)
	assertInvariants(t, confirmed)

	require.Len(t, h.notifier.msgs, 1)
	assert.Equal(t, notify.TemplateOrderConfirmation, h.notifier.msgs[0].Template)

	again, err := h.engine.ConfirmPayment(ctx, order.ID, "pay_1", sig)
	require.NoError(t, err)
	assert.Len(t, again.StatusHistory, 2)

	_, err = h.engine.ConfirmPayment(ctx, order.ID, "pay_1", "forged")
	assert.Equal(t, apperr.KindPaymentVerificationFailed, apperr.KindOf(err))
	stored, _ := h.engine.Get(ctx, order.ID)
	assert.Equal(t, models.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
}

func TestConfirmPaymentTamperedSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentOnline).Order

	_, err := h.engine.ConfirmPayment(ctx, order.ID, "pay_1", paygateway.Sign("wrong", "gw_order_1", "pay_1"))
	assert.Equal(t, apperr.KindPaymentVerificationFailed, apperr.KindOf(err))

	stored, err := h.engine.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, models.PaymentFailed, stored.PaymentStatus)
	assert.Equal(t, "Payment verification failed", stored.StatusHistory[len(stored.StatusHistory)-1].Note)
	assertInvariants(t, stored)
}

func TestValidSignatureAfterFailedVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentOnline).Order

	_, err := h.engine.ConfirmPayment(ctx, order.ID, "pay_1", "forged")
	require.Equal(t, apperr.KindPaymentVerificationFailed, apperr.KindOf(err))

	_, err = h.engine.ConfirmPayment(ctx, order.ID, "pay_1", paygateway.Sign(gatewaySecret, "gw_order_1", "pay_1"))
	assert.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeNotAwaitingPayment, apperr.CodeOf(err))

	stored, err := h.engine.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, models.PaymentFailed, stored.PaymentStatus)
	assert.Empty(t, stored.PaymentDetails.GatewayPaymentID)
}

func TestValidSignatureAfterCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.place(t, models.PaymentOnline).Order

	_, err := h.engine.Cancel(ctx, customer, order.ID, "Ordered by mistake")
	require.NoError(t, err)

	_, err = h.engine.ConfirmPayment(ctx, order.ID, "pay_1", paygateway.Sign(gatewaySecret, "gw_order_1", "pay_1"))
	assert.Equal(t, apperr.CodeNotAwaitingPayment, apperr.CodeOf(err))

	stored, err := h.engine.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, models.PaymentPending, stored.PaymentStatus)
	assert.Empty(t, h.gateway.refunds)
	assertInvariants(t, stored)
}

func TestConfirmPaymentRequiresInitiation(t *testing.T) {
	h := newHarness(t)
	order := h.place(t, models.PaymentCOD).Order
	_, err := h.engine.ConfirmPayment(context.Background(), order.ID, "pay_1", "sig")
	assert.Equal(t, apperr.CodePaymentNotInitiated, apperr.CodeOf(err))
}

func paidOrder(t *testing.T, h *harness) *models.Order {
	t.Helper()
	order := h.place(t, models.PaymentOnline).Order
	paid, err := h.engine.ConfirmPayment(context.Background(), order.ID, "pay_1", paygateway.Sign(gatewaySecret, "gw_order_1", "pay_1"))
	require.NoError(t, err)
	return paid
}

func TestCancelRefundsPaidOrder(t *testing.T) {
	h := newHarness(t)
	order := paidOrder(t, h)

	cancelled, err := h.engine.Cancel(context.Background(), customer, order.ID, "Changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.PaymentRefunded, cancelled.PaymentStatus)
	assert.True(t, cancelled.RefundAmount.Equal(order.Total))
	assert.Equal(t, "Changed my mind", cancelled.CancellationReason)
	assert.Equal(t, []string{"pay_1"}, h.gateway.refunds)
	assertInvariants(t, cancelled)
}

func TestCancelRefundFailureLeavesPaid(t *testing.T) {
	h := newHarness(t)
	order := paidOrder(t, h)
	h.gateway.refundErr = errors.New("gateway timeout")

	cancelled, err := h.engine.Cancel(context.Background(), admin, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, models.PaymentPaid, cancelled.PaymentStatus)
	assert.Len(t, h.gateway.refunds, 1)
}

func TestCancelRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cod := h.place(t, models.PaymentCOD).Order
	cancelled, err := h.engine.Cancel(ctx, customer, cod.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, cancelled.PaymentStatus)
	assert.Empty(t, h.gateway.refunds)

	_, err = h.engine.Cancel(ctx, customer, cod.ID, "")
	assert.Equal(t, apperr.CodeNotCancellable, apperr.CodeOf(err))

	preparing := h.place(t, models.PaymentCOD).Order
	_, err = h.engine.Transition(ctx, restaurant, preparing.ID, models.StatusConfirmed, "")
	require.NoError(t, err)
	_, err = h.engine.Transition(ctx, restaurant, preparing.ID, models.StatusPreparing, "")
	require.NoError(t, err)
	_, err = h.engine.Cancel(ctx, customer, preparing.ID, "")
	assert.Equal(t, apperr.CodeNotCancellable, apperr.CodeOf(err))

	rejected, err := h.engine.Transition(ctx, restaurant, preparing.ID, models.StatusCancelled, "Out of stock")
	require.NoError(t, err)
	assert.Equal(t, "Out of stock", rejected.CancellationReason)
}

func TestTrack(t *testing.T) {
	h := newHarness(t)
	order := h.place(t, models.PaymentCOD).Order

	tracking, err := h.engine.Track(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, tracking.OrderNumber)
	assert.Equal(t, order.EstimatedDeliveryTime, tracking.EstimatedDeliveryTime)
	assert.Len(t, tracking.StatusHistory, 1)
}
