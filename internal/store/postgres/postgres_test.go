package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columnNames = []string{
	"id", "order_number", "customer_id", "restaurant_id", "driver_id",
	"subtotal", "tax", "delivery_fee", "packaging_fee", "discount", "total", "coupon_code",
	"special_instructions", "delivery_address", "status", "payment_method", "payment_status",
	"gateway_order_id", "gateway_payment_id", "gateway_signature", "driver_lng", "driver_lat",
	"estimated_delivery_time", "actual_delivery_time", "cancellation_reason", "refund_amount",
	"version", "created_at", "updated_at",
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s := New(db, logger)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return s, mock
}

func orderRow(id, status string, version int64) *sqlmock.Rows {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(columnNames).AddRow(
		id, "FDTEST0001", "cust-1", "rest-1", nil,
		"260", "0", "0", "0", "0", "260", "",
		"", []byte(`{"street":"1 Main St","city":"Pune","state":"MH","pincode":"411001"}`), status, "cod", "pending",
		"", "", "", nil, nil,
		created.Add(50*time.Minute), nil, "", "0",
		version, created, created,
	)
}

func expectChildren(mock sqlmock.Sqlmock, id string, history ...string) {
	mock.ExpectQuery("SELECT order_id, menu_item_id").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "menu_item_id", "name", "quantity", "unit_price", "customizations", "subtotal", "special_instructions"}).
			AddRow(id, "item-a", "Paneer Tikka", 2, "100", []byte(`[]`), "200", ""))
	rows := sqlmock.NewRows([]string{"order_id", "status", "note", "created_at"})
	for _, h := range history {
		rows.AddRow(id, h, "", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	}
	mock.ExpectQuery("SELECT order_id, status, note, created_at").WillReturnRows(rows)
}

func TestCreateDuplicateOrderNumber(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.Create(context.Background(), &models.Order{
		OrderNumber: "FDTEST0001",
		Status:      models.StatusPending,
		Subtotal:    decimal.Zero,
		Total:       decimal.Zero,
	})
	assert.True(t, errors.Is(err, store.ErrDuplicateOrderNumber), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWritesItemsAndHistory(t *testing.T) {
	s, mock := newTestStore(t)

	order := &models.Order{
		OrderNumber: "FDTEST0001",
		CustomerID:  "cust-1",
		Items: []models.LineItem{
			{MenuItemID: "a", Name: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(100), Subtotal: decimal.NewFromInt(200)},
			{MenuItemID: "b", Name: "B", Quantity: 1, UnitPrice: decimal.NewFromInt(60), Subtotal: decimal.NewFromInt(60)},
		},
		Status:        models.StatusPending,
		StatusHistory: []models.StatusEntry{{Status: models.StatusPending, Note: "Order placed"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("INSERT INTO order_status_history").
		WithArgs(sqlmock.AnyArg(), "pending", "Order placed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	created, err := s.Create(context.Background(), order)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, s.now(), created.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT .* FROM orders WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := s.FindByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDLoadsChildren(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT .* FROM orders WHERE id = \\$1").
		WithArgs("o1").
		WillReturnRows(orderRow("o1", "confirmed", 1))
	expectChildren(mock, "o1", "pending", "confirmed")

	order, err := s.FindByID(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, "Pune", order.DeliveryAddress.City)
	assert.Len(t, order.Items, 1)
	assert.Len(t, order.StatusHistory, 2)
	assert.NoError(t, order.CheckHistory())
	assert.Nil(t, order.ActualDeliveryTime)
	assert.Empty(t, order.DriverID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGuardFailureRollsBack(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FOR UPDATE").WithArgs("o1").WillReturnRows(orderRow("o1", "pending", 3))
	mock.ExpectRollback()

	expected := int64(2)
	_, err := s.Update(context.Background(), "o1", models.Update{
		ExpectedVersion: &expected,
		Status:          &models.StatusEntry{Status: models.StatusConfirmed},
	})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAppendsHistory(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FOR UPDATE").WithArgs("o1").WillReturnRows(orderRow("o1", "pending", 0))
	mock.ExpectExec("UPDATE orders SET").
		WithArgs("o1", sqlmock.AnyArg(), "confirmed", "pending", "", "", "", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", sqlmock.AnyArg(), int64(1), s.now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_status_history").
		WithArgs("o1", "confirmed", "ok", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	expectChildren(mock, "o1", "pending", "confirmed")
	mock.ExpectCommit()

	version := int64(0)
	updated, err := s.Update(context.Background(), "o1", models.Update{
		ExpectedVersion: &version,
		Status:          &models.StatusEntry{Status: models.StatusConfirmed, Note: "ok", Timestamp: s.now()},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, updated.Status)
	assert.Equal(t, int64(1), updated.Version)
	assert.NoError(t, updated.CheckHistory())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindEmptySkipsRowQuery(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders WHERE status = ANY\\(\\$1\\) AND driver_id IS NULL").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	page, err := s.Find(context.Background(), store.Query{Filter: store.Filter{
		Statuses:   []models.Status{models.StatusReady},
		Unassigned: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.Orders)
	assert.Equal(t, store.DefaultLimit, page.Limit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWhereClause(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := whereClause(store.Filter{
		CustomerID:  "c1",
		DriverID:    "d1",
		CreatedFrom: &from,
	})

	assert.Equal(t, " WHERE customer_id = $1 AND driver_id = $2 AND created_at >= $3", where)
	assert.Len(t, args, 3)

	where, args = whereClause(store.Filter{})
	assert.Empty(t, where)
	assert.Empty(t, args)
	assert.False(t, strings.Contains(where, "AND"))
}

func TestStatsAggregatesByStatus(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "period", "revenue"}).
			AddRow("pending", 2, 2, "300").
			AddRow("delivered", 5, 1, "120.50").
			AddRow("cancelled", 1, 0, "0"))

	stats, err := s.Stats(context.Background(), store.StatsQuery{RestaurantIDs: []string{"rest-1"}})
	require.NoError(t, err)
	assert.Equal(t, 8, stats.TotalOrders)
	assert.Equal(t, 3, stats.PeriodOrders)
	assert.Equal(t, 2, stats.ActiveOrders)
	assert.True(t, stats.PeriodRevenue.Equal(decimal.RequireFromString("420.50")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
