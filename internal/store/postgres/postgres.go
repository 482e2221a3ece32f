// Package postgres stores orders in PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

const orderColumns = `id, order_number, customer_id, restaurant_id, driver_id,
	subtotal, tax, delivery_fee, packaging_fee, discount, total, coupon_code,
	special_instructions, delivery_address, status, payment_method, payment_status,
	gateway_order_id, gateway_payment_id, gateway_signature, driver_lng, driver_lat,
	estimated_delivery_time, actual_delivery_time, cancellation_reason, refund_amount,
	version, created_at, updated_at`

type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

func New(db *sql.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// Open connects to dsn and waits for the database to accept connections.
func Open(ctx context.Context, dsn string, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			return db, nil
		}
		logger.Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("database not reachable: %w", err)
}

// Migrate creates the order tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(36) PRIMARY KEY,
			order_number VARCHAR(32) NOT NULL UNIQUE,
			customer_id VARCHAR(255) NOT NULL,
			restaurant_id VARCHAR(255) NOT NULL,
			driver_id VARCHAR(255),
			subtotal NUMERIC(12,2) NOT NULL,
			tax NUMERIC(12,2) NOT NULL DEFAULT 0,
			delivery_fee NUMERIC(12,2) NOT NULL DEFAULT 0,
			packaging_fee NUMERIC(12,2) NOT NULL DEFAULT 0,
			discount NUMERIC(12,2) NOT NULL DEFAULT 0,
			total NUMERIC(12,2) NOT NULL,
			coupon_code VARCHAR(64) NOT NULL DEFAULT '',
			special_instructions VARCHAR(500) NOT NULL DEFAULT '',
			delivery_address JSONB NOT NULL,
			status VARCHAR(20) NOT NULL,
			payment_method VARCHAR(20) NOT NULL,
			payment_status VARCHAR(20) NOT NULL,
			gateway_order_id VARCHAR(255) NOT NULL DEFAULT '',
			gateway_payment_id VARCHAR(255) NOT NULL DEFAULT '',
			gateway_signature VARCHAR(255) NOT NULL DEFAULT '',
			driver_lng DOUBLE PRECISION,
			driver_lat DOUBLE PRECISION,
			estimated_delivery_time TIMESTAMPTZ NOT NULL,
			actual_delivery_time TIMESTAMPTZ,
			cancellation_reason TEXT NOT NULL DEFAULT '',
			refund_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(36) NOT NULL REFERENCES orders(id),
			position INTEGER NOT NULL,
			menu_item_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			unit_price NUMERIC(12,2) NOT NULL,
			customizations JSONB,
			subtotal NUMERIC(12,2) NOT NULL,
			special_instructions TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS order_status_history (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(36) NOT NULL REFERENCES orders(id),
			status VARCHAR(20) NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_restaurant_status ON orders(restaurant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_driver_id ON orders(driver_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_status_history_order_id ON order_status_history(order_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	o := order.Clone()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.UpdatedAt = o.CreatedAt

	address, err := json.Marshal(o.DeliveryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal address: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	driverLng, driverLat := nullPoint(o.DriverLocation)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		o.ID, o.OrderNumber, o.CustomerID, o.RestaurantID, nullString(o.DriverID),
		o.Subtotal, o.Tax, o.DeliveryFee, o.PackagingFee, o.Discount, o.Total, o.CouponCode,
		o.SpecialInstructions, address, string(o.Status), string(o.PaymentMethod), string(o.PaymentStatus),
		o.PaymentDetails.GatewayOrderID, o.PaymentDetails.GatewayPaymentID, o.PaymentDetails.GatewaySignature,
		driverLng, driverLat, o.EstimatedDeliveryTime, nullTime(o.ActualDeliveryTime), o.CancellationReason,
		o.RefundAmount, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateOrderNumber
		}
		return nil, err
	}

	for i, item := range o.Items {
		customizations, err := json.Marshal(item.Customizations)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, menu_item_id, name, quantity, unit_price,
				customizations, subtotal, special_instructions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			o.ID, i, item.MenuItemID, item.Name, item.Quantity, item.UnitPrice,
			customizations, item.Subtotal, item.SpecialInstructions,
		)
		if err != nil {
			return nil, err
		}
	}

	for _, entry := range o.StatusHistory {
		if err := insertHistory(ctx, tx, o.ID, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":     o.ID,
		"order_number": o.OrderNumber,
	}).Debug("Order stored")
	return o, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := loadChildren(ctx, s.db, []*models.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) Find(ctx context.Context, q store.Query) (store.Page, error) {
	q = q.Normalize()
	where, args := whereClause(q.Filter)

	page := store.Page{Skip: q.Skip, Limit: q.Limit, Orders: []*models.Order{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&page.Total); err != nil {
		return page, err
	}
	if page.Total == 0 {
		return page, nil
	}

	orderBy := " ORDER BY created_at DESC, id DESC"
	if q.Sort == store.SortUpdatedDesc {
		orderBy = " ORDER BY updated_at DESC, id DESC"
	}
	args = append(args, q.Limit, q.Skip)
	query := fmt.Sprintf(`SELECT %s FROM orders%s%s LIMIT $%d OFFSET $%d`,
		orderColumns, where, orderBy, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, err
	}
	defer rows.Close()

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return page, err
		}
		page.Orders = append(page.Orders, order)
	}
	if err := rows.Err(); err != nil {
		return page, err
	}

	if err := loadChildren(ctx, s.db, page.Orders); err != nil {
		return page, err
	}
	return page, nil
}

// Update locks the row, checks the guards in Go and writes every mutable
// column back in one transaction.
func (s *Store) Update(ctx context.Context, id string, u models.Update) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := u.Check(order); err != nil {
		s.logger.WithFields(logrus.Fields{
			"order_id": id,
			"reason":   err.Error(),
		}).Debug("Order update guard failed")
		return nil, store.ErrConflict
	}

	u.ApplyTo(order, s.now())

	driverLng, driverLat := nullPoint(order.DriverLocation)
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET driver_id = $2, status = $3, payment_status = $4,
			gateway_order_id = $5, gateway_payment_id = $6, gateway_signature = $7,
			driver_lng = $8, driver_lat = $9, actual_delivery_time = $10,
			cancellation_reason = $11, refund_amount = $12, version = $13, updated_at = $14
		WHERE id = $1`,
		id, nullString(order.DriverID), string(order.Status), string(order.PaymentStatus),
		order.PaymentDetails.GatewayOrderID, order.PaymentDetails.GatewayPaymentID, order.PaymentDetails.GatewaySignature,
		driverLng, driverLat, nullTime(order.ActualDeliveryTime),
		order.CancellationReason, order.RefundAmount, order.Version, order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if u.Status != nil {
		if err := insertHistory(ctx, tx, id, *u.Status); err != nil {
			return nil, err
		}
	}

	if err := loadChildren(ctx, tx, []*models.Order{order}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) Stats(ctx context.Context, q store.StatsQuery) (store.Stats, error) {
	stats := store.Stats{PeriodRevenue: decimal.Zero, ByStatus: make(map[models.Status]int)}

	var from, to sql.NullTime
	if !q.From.IsZero() {
		from = sql.NullTime{Time: q.From, Valid: true}
	}
	if !q.To.IsZero() {
		to = sql.NullTime{Time: q.To, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*),
			COUNT(*) FILTER (WHERE status <> 'cancelled'
				AND ($2::timestamptz IS NULL OR created_at >= $2)
				AND ($3::timestamptz IS NULL OR created_at < $3)),
			COALESCE(SUM(total) FILTER (WHERE status <> 'cancelled'
				AND ($2::timestamptz IS NULL OR created_at >= $2)
				AND ($3::timestamptz IS NULL OR created_at < $3)), 0)
		FROM orders
		WHERE cardinality($1::text[]) = 0 OR restaurant_id = ANY($1)
		GROUP BY status`,
		pq.Array(q.RestaurantIDs), from, to,
	)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status  string
			count   int
			period  int
			revenue decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &period, &revenue); err != nil {
			return stats, err
		}
		st := models.Status(status)
		stats.ByStatus[st] = count
		stats.TotalOrders += count
		stats.PeriodOrders += period
		stats.PeriodRevenue = stats.PeriodRevenue.Add(revenue)
		if st.IsActive() {
			stats.ActiveOrders += count
		}
	}
	return stats, rows.Err()
}

func whereClause(f store.Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if len(f.RestaurantIDs) > 0 {
		add("restaurant_id = ANY($%d)", pq.Array(f.RestaurantIDs))
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if f.Unassigned {
		conds = append(conds, "driver_id IS NULL")
	}
	if f.CreatedFrom != nil {
		add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at < $%d", *f.CreatedTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o                    models.Order
		driverID             sql.NullString
		address              []byte
		status, method, paid string
		driverLng, driverLat sql.NullFloat64
		delivered            sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.CustomerID, &o.RestaurantID, &driverID,
		&o.Subtotal, &o.Tax, &o.DeliveryFee, &o.PackagingFee, &o.Discount, &o.Total, &o.CouponCode,
		&o.SpecialInstructions, &address, &status, &method, &paid,
		&o.PaymentDetails.GatewayOrderID, &o.PaymentDetails.GatewayPaymentID, &o.PaymentDetails.GatewaySignature,
		&driverLng, &driverLat, &o.EstimatedDeliveryTime, &delivered, &o.CancellationReason,
		&o.RefundAmount, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(address, &o.DeliveryAddress); err != nil {
		return nil, fmt.Errorf("failed to decode delivery address: %w", err)
	}
	o.DriverID = driverID.String
	o.Status = models.Status(status)
	o.PaymentMethod = models.PaymentMethod(method)
	o.PaymentStatus = models.PaymentStatus(paid)
	if driverLng.Valid && driverLat.Valid {
		o.DriverLocation = &models.Point{Lng: driverLng.Float64, Lat: driverLat.Float64}
	}
	if delivered.Valid {
		t := delivered.Time
		o.ActualDeliveryTime = &t
	}
	return &o, nil
}

// loadChildren fills items and status history for every order with one query each.
func loadChildren(ctx context.Context, db queryer, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]*models.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Items = nil
		o.StatusHistory = nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT order_id, menu_item_id, name, quantity, unit_price, customizations, subtotal, special_instructions
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, pq.Array(ids))
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			orderID        string
			item           models.LineItem
			customizations []byte
		)
		if err := rows.Scan(&orderID, &item.MenuItemID, &item.Name, &item.Quantity, &item.UnitPrice,
			&customizations, &item.Subtotal, &item.SpecialInstructions); err != nil {
			rows.Close()
			return err
		}
		if len(customizations) > 0 {
			if err := json.Unmarshal(customizations, &item.Customizations); err != nil {
				rows.Close()
				return err
			}
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = db.QueryContext(ctx, `
		SELECT order_id, status, note, created_at
		FROM order_status_history WHERE order_id = ANY($1) ORDER BY order_id, id`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			status  string
			entry   models.StatusEntry
		)
		if err := rows.Scan(&orderID, &status, &entry.Note, &entry.Timestamp); err != nil {
			return err
		}
		entry.Status = models.Status(status)
		if o, ok := byID[orderID]; ok {
			o.StatusHistory = append(o.StatusHistory, entry)
		}
	}
	return rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, orderID string, entry models.StatusEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, note, created_at)
		VALUES ($1, $2, $3, $4)`,
		orderID, string(entry.Status), entry.Note, entry.Timestamp,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullPoint(p *models.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lng, Valid: true}, sql.NullFloat64{Float64: p.Lat, Valid: true}
}
