// Package api is the HTTP boundary: it authenticates requests, checks the
// caller's capability on the order and delegates to the lifecycle engine and
// driver assignment.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/fooddash/internal/auth"
	"github.com/jogardn/fooddash/internal/catalog"
	"github.com/jogardn/fooddash/internal/lifecycle"
	"github.com/jogardn/fooddash/internal/metrics"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
)

// Orders is the lifecycle engine as seen by the handlers.
type Orders interface {
	Create(ctx context.Context, customer models.Actor, req lifecycle.CreateRequest) (*lifecycle.CreateResult, error)
	InitiatePayment(ctx context.Context, orderID string) (*lifecycle.PaymentIntent, error)
	ConfirmPayment(ctx context.Context, orderID, paymentID, signature string) (*models.Order, error)
	Transition(ctx context.Context, actor models.Actor, orderID string, target models.Status, note string) (*models.Order, error)
	Cancel(ctx context.Context, actor models.Actor, orderID, reason string) (*models.Order, error)
	Get(ctx context.Context, orderID string) (*models.Order, error)
	Track(ctx context.Context, orderID string) (*lifecycle.Tracking, error)
	List(ctx context.Context, q store.Query) (store.Page, error)
	Stats(ctx context.Context, q store.StatsQuery) (store.Stats, error)
}

type Assignments interface {
	Accept(ctx context.Context, driverID, orderID string) (*models.Order, error)
	ListAvailable(ctx context.Context, page, limit int) (store.Page, error)
	ListForDriver(ctx context.Context, driverID string, statuses []models.Status, page, limit int) (store.Page, error)
	UpdateLocation(ctx context.Context, driverID, orderID string, p models.Point) error
}

type Restaurants interface {
	RestaurantOwner(ctx context.Context, restaurantID string) (string, error)
	RestaurantsOwnedBy(ctx context.Context, ownerID string) ([]string, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	orders      Orders
	assignments Assignments
	restaurants Restaurants
	owners      auth.OwnerLookup
	tokens      *auth.Tokens
	realtime    http.Handler
	checks      map[string]HealthCheck
	logger      *logrus.Logger
	now         func() time.Time
}

// NewServer builds the API. realtime serves /ws and may be nil.
func NewServer(orders Orders, assignments Assignments, restaurants Restaurants, tokens *auth.Tokens, realtime http.Handler, checks map[string]HealthCheck, logger *logrus.Logger) *Server {
	return &Server{
		orders:      orders,
		assignments: assignments,
		restaurants: restaurants,
		owners:      NewOwnerLookup(restaurants),
		tokens:      tokens,
		realtime:    realtime,
		checks:      checks,
		logger:      logger,
		now:         time.Now,
	}
}

// Routes registers every endpoint. Static paths are registered before the
// {id} patterns they would otherwise collide with.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(s.logger))
	router.Use(metrics.Middleware)

	router.HandleFunc("/health", s.Health).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	if s.realtime != nil {
		router.Handle("/ws", s.realtime)
	}

	router.Handle("/orders", s.protect(s.CreateOrder, models.RoleCustomer)).Methods("POST")
	router.Handle("/orders", s.protect(s.ListMyOrders)).Methods("GET")

	router.Handle("/restaurant/orders", s.protect(s.ListRestaurantOrders, models.RoleRestaurant, models.RoleAdmin)).Methods("GET")
	router.Handle("/restaurant/stats", s.protect(s.RestaurantStats, models.RoleRestaurant, models.RoleAdmin)).Methods("GET")

	router.Handle("/driver/orders", s.protect(s.ListDriverOrders, models.RoleDriver)).Methods("GET")
	router.Handle("/driver/available", s.protect(s.ListAvailableOrders, models.RoleDriver, models.RoleAdmin)).Methods("GET")
	router.Handle("/driver/location", s.protect(s.UpdateDriverLocation, models.RoleDriver)).Methods("POST")

	router.Handle("/admin/orders", s.protect(s.ListAllOrders, models.RoleAdmin)).Methods("GET")
	router.Handle("/admin/stats", s.protect(s.AdminStats, models.RoleAdmin)).Methods("GET")

	router.Handle("/orders/{id}", s.protect(s.GetOrder)).Methods("GET")
	router.Handle("/orders/{id}/track", s.protect(s.TrackOrder)).Methods("GET")
	router.Handle("/orders/{id}/pay", s.protect(s.InitiatePayment)).Methods("POST")
	router.Handle("/orders/{id}/verify-payment", s.protect(s.VerifyPayment)).Methods("POST")
	router.Handle("/orders/{id}/cancel", s.protect(s.CancelOrder)).Methods("POST")
	router.Handle("/orders/{id}/status", s.protect(s.UpdateStatus, models.RoleRestaurant, models.RoleDriver, models.RoleAdmin)).Methods("PUT")
	router.Handle("/orders/{id}/accept", s.protect(s.AcceptOrder, models.RoleDriver)).Methods("POST")

	return router
}

// Handler returns the routes behind CORS handling for allowedOrigin.
func (s *Server) Handler(allowedOrigin string) http.Handler {
	return corsMiddleware(allowedOrigin)(s.Routes())
}

// protect requires a valid token and, when roles are given, one of them.
func (s *Server) protect(h http.HandlerFunc, roles ...models.Role) http.Handler {
	var handler http.Handler = h
	if len(roles) > 0 {
		handler = auth.RequireRole(s.respondWithError, roles...)(handler)
	}
	return s.tokens.Middleware(s.respondWithError)(handler)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.WithError(err).WithField("dependency", name).Warn("Health check failed")
			failures[name] = "unreachable"
		}
	}
	if len(failures) > 0 {
		s.respondWithJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"service": "fooddash",
			"errors":  failures,
		})
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "fooddash",
	})
}

type ownerLookup struct {
	restaurants Restaurants
}

// NewOwnerLookup adapts the catalog for auth.Authorize, reporting unknown
// restaurants as auth.ErrNoOwner.
func NewOwnerLookup(restaurants Restaurants) auth.OwnerLookup {
	return ownerLookup{restaurants: restaurants}
}

func (o ownerLookup) RestaurantOwner(ctx context.Context, restaurantID string) (string, error) {
	owner, err := o.restaurants.RestaurantOwner(ctx, restaurantID)
	if errors.Is(err, catalog.ErrNotFound) {
		return "", auth.ErrNoOwner
	}
	return owner, err
}
