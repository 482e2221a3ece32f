package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/auth"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
)

type listParams struct {
	page     int
	limit    int
	statuses []models.Status
	from     *time.Time
	to       *time.Time
}

// parseListParams reads page, limit, status (comma separated), start_date and
// end_date. Dates are RFC 3339 or YYYY-MM-DD; a plain end date includes the
// whole day.
func parseListParams(r *http.Request, defaultLimit int) (listParams, error) {
	q := r.URL.Query()
	p := listParams{page: 1, limit: defaultLimit}

	var err error
	if v := q.Get("page"); v != "" {
		if p.page, err = strconv.Atoi(v); err != nil || p.page < 1 {
			return p, apperr.Invalid("page must be a positive integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if p.limit, err = strconv.Atoi(v); err != nil || p.limit < 1 || p.limit > store.MaxLimit {
			return p, apperr.Invalid("limit must be between 1 and 100")
		}
	}
	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			status := models.Status(strings.TrimSpace(part))
			if !status.Valid() {
				return p, apperr.Invalid("unknown status " + string(status))
			}
			p.statuses = append(p.statuses, status)
		}
	}
	if p.from, err = parseDate(q.Get("start_date"), false); err != nil {
		return p, err
	}
	if p.to, err = parseDate(q.Get("end_date"), true); err != nil {
		return p, err
	}
	return p, nil
}

func parseDate(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, apperr.Invalid("dates must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24 * time.Hour)
	}
	return &t, nil
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

func paginated(p store.Page, page int) map[string]interface{} {
	pages := 0
	if p.Limit > 0 {
		pages = (p.Total + p.Limit - 1) / p.Limit
	}
	orders := p.Orders
	if orders == nil {
		orders = []*models.Order{}
	}
	return map[string]interface{}{
		"orders":     orders,
		"pagination": pagination{Page: page, Limit: p.Limit, Total: p.Total, Pages: pages},
	}
}

// ownedRestaurants returns the restaurants whose orders the caller may list.
// Admins see every restaurant unless restaurant_id narrows it.
func (s *Server) ownedRestaurants(r *http.Request) ([]string, error) {
	actor, _ := auth.FromContext(r.Context())
	requested := r.URL.Query().Get("restaurant_id")

	if actor.Role == models.RoleAdmin {
		if requested == "" {
			return nil, nil
		}
		return []string{requested}, nil
	}

	ids, err := s.restaurants.RestaurantsOwnedBy(r.Context(), actor.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if len(ids) == 0 {
		return nil, apperr.NotFound(apperr.CodeRestaurantNotFound, "Restaurant not found")
	}
	if requested == "" {
		return ids, nil
	}
	for _, id := range ids {
		if id == requested {
			return []string{id}, nil
		}
	}
	return nil, apperr.Unauthorized("Not the owner of this restaurant")
}

func (s *Server) ListRestaurantOrders(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r, store.DefaultLimit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	ids, err := s.ownedRestaurants(r)
	if err != nil {
		s.respondWithError(w, err)
		return
	}

	filter := store.Filter{RestaurantIDs: ids, Statuses: params.statuses}
	page, err := s.orders.List(r.Context(), store.PageQuery(filter, store.SortCreatedDesc, params.page, params.limit))
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", paginated(page, params.page))
}

// RestaurantStats reports today's orders and revenue (UTC) unless a date range
// is given.
func (s *Server) RestaurantStats(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r, store.DefaultLimit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	ids, err := s.ownedRestaurants(r)
	if err != nil {
		s.respondWithError(w, err)
		return
	}

	q := store.StatsQuery{RestaurantIDs: ids}
	if params.from == nil && params.to == nil {
		q.From = s.now().UTC().Truncate(24 * time.Hour)
		q.To = q.From.Add(24 * time.Hour)
	} else {
		q.From, q.To = deref(params.from), deref(params.to)
	}

	stats, err := s.orders.Stats(r.Context(), q)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", stats)
}

func (s *Server) ListDriverOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	params, err := parseListParams(r, store.DefaultLimit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	page, err := s.assignments.ListForDriver(r.Context(), actor.ID, params.statuses, params.page, params.limit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", paginated(page, params.page))
}

func (s *Server) ListAvailableOrders(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r, store.DefaultLimit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	page, err := s.assignments.ListAvailable(r.Context(), params.page, params.limit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", paginated(page, params.page))
}

type locationRequest struct {
	OrderID string  `json:"order_id"`
	Lng     float64 `json:"lng"`
	Lat     float64 `json:"lat"`
}

func (s *Server) UpdateDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	var req locationRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, err)
		return
	}
	p := models.Point{Lng: req.Lng, Lat: req.Lat}
	if err := s.assignments.UpdateLocation(r.Context(), actor.ID, req.OrderID, p); err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "Location updated", map[string]interface{}{"location": p})
}

func (s *Server) ListAllOrders(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r, store.DefaultLimit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	filter := store.Filter{
		Statuses:    params.statuses,
		CreatedFrom: params.from,
		CreatedTo:   params.to,
	}
	page, err := s.orders.List(r.Context(), store.PageQuery(filter, store.SortCreatedDesc, params.page, params.limit))
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", paginated(page, params.page))
}

func (s *Server) AdminStats(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r, store.DefaultLimit)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	stats, err := s.orders.Stats(r.Context(), store.StatsQuery{From: deref(params.from), To: deref(params.to)})
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", stats)
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
