// Package catalog is the read side of restaurants, menus and customers plus the
// driver directory. It is backed by gorm so the same code runs on PostgreSQL in
// production and SQLite in development and tests.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	ErrNotFound          = errors.New("catalog record not found")
	ErrDriverUnavailable = errors.New("driver unavailable")
)

type restaurantRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	OwnerID        string `gorm:"index;size:64;not null"`
	Name           string `gorm:"not null"`
	IsOpen         bool
	IsApproved     bool
	AvgPrepMinutes int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (restaurantRecord) TableName() string { return "restaurants" }

type menuItemRecord struct {
	ID             string              `gorm:"primaryKey;size:64"`
	RestaurantID   string              `gorm:"index;size:64;not null"`
	Name           string              `gorm:"not null"`
	Price          decimal.Decimal     `gorm:"type:numeric(12,2);not null"`
	DiscountPrice  decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	IsAvailable    bool
	Customizations []models.Customization `gorm:"serializer:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (menuItemRecord) TableName() string { return "menu_items" }

type driverRecord struct {
	UserID             string `gorm:"primaryKey;size:64"`
	VehicleType        string
	IsVerified         bool
	IsOnline           bool `gorm:"index"`
	IsAvailable        bool
	Lng                float64
	Lat                float64
	CurrentOrderID     string `gorm:"size:64"`
	LastLocationUpdate *time.Time
	UpdatedAt          time.Time
}

func (driverRecord) TableName() string { return "drivers" }

type customerRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string
	Email     string `gorm:"index"`
	CreatedAt time.Time
}

func (customerRecord) TableName() string { return "customers" }

type addressRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	CustomerID string `gorm:"index;size:64;not null"`
	Street     string
	City       string
	State      string
	Pincode    string
	Landmark   string
	Lng        *float64
	Lat        *float64
}

func (addressRecord) TableName() string { return "customer_addresses" }

type Catalog struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

// Open connects with the named driver ("postgres" or "sqlite").
func Open(driver, dsn string, logger *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	logger.WithField("driver", driver).Info("Catalog database connected")
	return db, nil
}

func New(db *gorm.DB, logger *logrus.Logger) *Catalog {
	return &Catalog{db: db, logger: logger, now: time.Now}
}

func (c *Catalog) Migrate() error {
	return c.db.AutoMigrate(
		&restaurantRecord{},
		&menuItemRecord{},
		&driverRecord{},
		&customerRecord{},
		&addressRecord{},
	)
}

func (c *Catalog) Restaurant(ctx context.Context, id string) (*models.Restaurant, error) {
	var rec restaurantRecord
	if err := c.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &models.Restaurant{
		ID:             rec.ID,
		OwnerID:        rec.OwnerID,
		Name:           rec.Name,
		IsOpen:         rec.IsOpen,
		IsApproved:     rec.IsApproved,
		AvgPrepMinutes: rec.AvgPrepMinutes,
	}, nil
}

// RestaurantOwner returns the user id of the restaurant's owner.
func (c *Catalog) RestaurantOwner(ctx context.Context, restaurantID string) (string, error) {
	r, err := c.Restaurant(ctx, restaurantID)
	if err != nil {
		return "", err
	}
	return r.OwnerID, nil
}

func (c *Catalog) RestaurantsOwnedBy(ctx context.Context, ownerID string) ([]string, error) {
	var ids []string
	err := c.db.WithContext(ctx).Model(&restaurantRecord{}).
		Where("owner_id = ?", ownerID).
		Order("created_at").
		Pluck("id", &ids).Error
	return ids, err
}

func (c *Catalog) MenuItem(ctx context.Context, id string) (*models.MenuItem, error) {
	var rec menuItemRecord
	if err := c.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	item := &models.MenuItem{
		ID:             rec.ID,
		RestaurantID:   rec.RestaurantID,
		Name:           rec.Name,
		Price:          rec.Price,
		IsAvailable:    rec.IsAvailable,
		Customizations: rec.Customizations,
	}
	if rec.DiscountPrice.Valid {
		d := rec.DiscountPrice.Decimal
		item.DiscountPrice = &d
	}
	return item, nil
}

// SavedAddress resolves an entry of the customer's address book.
func (c *Catalog) SavedAddress(ctx context.Context, customerID, addressID string) (*models.Address, error) {
	var rec addressRecord
	err := c.db.WithContext(ctx).
		Where("id = ? AND customer_id = ?", addressID, customerID).
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	addr := &models.Address{
		Street:   rec.Street,
		City:     rec.City,
		State:    rec.State,
		Pincode:  rec.Pincode,
		Landmark: rec.Landmark,
	}
	if rec.Lng != nil && rec.Lat != nil {
		addr.Location = &models.Point{Lng: *rec.Lng, Lat: *rec.Lat}
	}
	return addr, nil
}

func (c *Catalog) CustomerContact(ctx context.Context, customerID string) (*models.Contact, error) {
	var rec customerRecord
	if err := c.db.WithContext(ctx).First(&rec, "id = ?", customerID).Error; err != nil {
		return nil, notFound(err)
	}
	return &models.Contact{CustomerID: rec.ID, Name: rec.Name, Email: rec.Email}, nil
}

func (c *Catalog) Driver(ctx context.Context, userID string) (*models.Driver, error) {
	var rec driverRecord
	if err := c.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return toDriver(rec), nil
}

func (c *Catalog) SetDriverOnline(ctx context.Context, userID string, online bool) error {
	res := c.db.WithContext(ctx).Model(&driverRecord{}).
		Where("user_id = ?", userID).
		Update("is_online", online)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Catalog) UpdateDriverLocation(ctx context.Context, userID string, p models.Point) error {
	now := c.now()
	res := c.db.WithContext(ctx).Model(&driverRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"lng":                  p.Lng,
			"lat":                  p.Lat,
			"last_location_update": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDriver marks an eligible driver busy with orderID. The eligibility check
// and the write are a single conditional UPDATE.
func (c *Catalog) ClaimDriver(ctx context.Context, userID, orderID string) error {
	res := c.db.WithContext(ctx).Model(&driverRecord{}).
		Where("user_id = ? AND is_online = ? AND is_available = ? AND is_verified = ? AND current_order_id = ?",
			userID, true, true, true, "").
		Updates(map[string]interface{}{
			"is_available":     false,
			"current_order_id": orderID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := c.Driver(ctx, userID); err != nil {
			return err
		}
		return ErrDriverUnavailable
	}
	return nil
}

// ReleaseDriver frees the driver if it is still holding orderID.
func (c *Catalog) ReleaseDriver(ctx context.Context, userID, orderID string) error {
	return c.db.WithContext(ctx).Model(&driverRecord{}).
		Where("user_id = ? AND current_order_id = ?", userID, orderID).
		Updates(map[string]interface{}{
			"is_available":     true,
			"current_order_id": "",
		}).Error
}

func (c *Catalog) UpsertRestaurant(ctx context.Context, r models.Restaurant) error {
	return c.db.WithContext(ctx).Save(&restaurantRecord{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Name:           r.Name,
		IsOpen:         r.IsOpen,
		IsApproved:     r.IsApproved,
		AvgPrepMinutes: r.AvgPrepMinutes,
	}).Error
}

func (c *Catalog) UpsertMenuItem(ctx context.Context, m models.MenuItem) error {
	rec := menuItemRecord{
		ID:             m.ID,
		RestaurantID:   m.RestaurantID,
		Name:           m.Name,
		Price:          m.Price,
		IsAvailable:    m.IsAvailable,
		Customizations: m.Customizations,
	}
	if m.DiscountPrice != nil {
		rec.DiscountPrice = decimal.NewNullDecimal(*m.DiscountPrice)
	}
	return c.db.WithContext(ctx).Save(&rec).Error
}

func (c *Catalog) UpsertDriver(ctx context.Context, d models.Driver) error {
	return c.db.WithContext(ctx).Save(&driverRecord{
		UserID:             d.UserID,
		VehicleType:        d.VehicleType,
		IsVerified:         d.IsVerified,
		IsOnline:           d.IsOnline,
		IsAvailable:        d.IsAvailable,
		Lng:                d.CurrentLocation.Lng,
		Lat:                d.CurrentLocation.Lat,
		CurrentOrderID:     d.CurrentOrderID,
		LastLocationUpdate: d.LastLocationUpdate,
	}).Error
}

func (c *Catalog) UpsertCustomer(ctx context.Context, contact models.Contact) error {
	return c.db.WithContext(ctx).Save(&customerRecord{
		ID:    contact.CustomerID,
		Name:  contact.Name,
		Email: contact.Email,
	}).Error
}

func (c *Catalog) UpsertAddress(ctx context.Context, customerID, addressID string, a models.Address) error {
	rec := addressRecord{
		ID:         addressID,
		CustomerID: customerID,
		Street:     a.Street,
		City:       a.City,
		State:      a.State,
		Pincode:    a.Pincode,
		Landmark:   a.Landmark,
	}
	if a.Location != nil {
		lng, lat := a.Location.Lng, a.Location.Lat
		rec.Lng, rec.Lat = &lng, &lat
	}
	return c.db.WithContext(ctx).Save(&rec).Error
}

func toDriver(rec driverRecord) *models.Driver {
	return &models.Driver{
		UserID:             rec.UserID,
		VehicleType:        rec.VehicleType,
		IsVerified:         rec.IsVerified,
		IsOnline:           rec.IsOnline,
		IsAvailable:        rec.IsAvailable,
		CurrentLocation:    models.Point{Lng: rec.Lng, Lat: rec.Lat},
		CurrentOrderID:     rec.CurrentOrderID,
		LastLocationUpdate: rec.LastLocationUpdate,
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
