package api

import (
	"net/http"

	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/internal/auth"
	"github.com/jogardn/fooddash/internal/lifecycle"
	"github.com/jogardn/fooddash/internal/store"
	"github.com/jogardn/fooddash/pkg/models"
	"github.com/sirupsen/logrus"
)

type verifyPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

type statusRequest struct {
	Status models.Status `json:"status"`
	Note   string        `json:"note"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// authorizedOrder loads the order named in the path and checks that the
// caller may exercise c on it.
func (s *Server) authorizedOrder(r *http.Request, c auth.Capability) (*models.Order, models.Actor, error) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, actor, apperr.New(apperr.KindUnauthenticated, apperr.CodeUnauthenticated, "Authentication required")
	}
	order, err := s.orders.Get(r.Context(), orderID(r))
	if err != nil {
		return nil, actor, err
	}
	if err := auth.Authorize(r.Context(), actor, c, order, s.owners); err != nil {
		return nil, actor, err
	}
	return order, actor, nil
}

func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	var req lifecycle.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, err)
		return
	}

	result, err := s.orders.Create(r.Context(), actor, req)
	if err != nil {
		s.respondWithError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":     result.Order.ID,
		"order_number": result.Order.OrderNumber,
		"customer_id":  actor.ID,
		"total":        result.Order.Total.String(),
	}).Info("Order placed")

	s.respondWithData(w, http.StatusCreated, "Order created successfully", result)
}

func (s *Server) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	params, err := parseListParams(r, 10)
	if err != nil {
		s.respondWithError(w, err)
		return
	}

	filter := store.Filter{CustomerID: actor.ID, Statuses: params.statuses}
	page, err := s.orders.List(r.Context(), store.PageQuery(filter, store.SortCreatedDesc, params.page, params.limit))
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", paginated(page, params.page))
}

func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, _, err := s.authorizedOrder(r, auth.ViewOrder)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", map[string]interface{}{"order": order})
}

func (s *Server) TrackOrder(w http.ResponseWriter, r *http.Request) {
	order, _, err := s.authorizedOrder(r, auth.TrackOrder)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	tracking, err := s.orders.Track(r.Context(), order.ID)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", tracking)
}

func (s *Server) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	order, _, err := s.authorizedOrder(r, auth.PayOrder)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	intent, err := s.orders.InitiatePayment(r.Context(), order.ID)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "", map[string]interface{}{"payment": intent})
}

func (s *Server) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	order, _, err := s.authorizedOrder(r, auth.PayOrder)
	if err != nil {
		s.respondWithError(w, err)
		return
	}

	var req verifyPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, err)
		return
	}
	if req.PaymentID == "" || req.Signature == "" {
		s.respondWithError(w, apperr.Invalid("payment_id and signature are required"))
		return
	}

	confirmed, err := s.orders.ConfirmPayment(r.Context(), order.ID, req.PaymentID, req.Signature)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "Payment successful, order confirmed", map[string]interface{}{"order": confirmed})
}

func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, actor, err := s.authorizedOrder(r, auth.CancelOrder)
	if err != nil {
		s.respondWithError(w, err)
		return
	}

	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.respondWithError(w, err)
			return
		}
	}

	cancelled, err := s.orders.Cancel(r.Context(), actor, order.ID, req.Reason)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "Order cancelled successfully", map[string]interface{}{"order": cancelled})
}

func (s *Server) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	order, actor, err := s.authorizedOrder(r, auth.TransitionOrder)
	if err != nil {
		s.respondWithError(w, err)
		return
	}

	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondWithError(w, err)
		return
	}
	if !req.Status.Valid() {
		s.respondWithError(w, apperr.Invalid("status is not a known order status"))
		return
	}

	updated, err := s.orders.Transition(r.Context(), actor, order.ID, req.Status, req.Note)
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "Order status updated", map[string]interface{}{"order": updated})
}

func (s *Server) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())

	order, err := s.assignments.Accept(r.Context(), actor.ID, orderID(r))
	if err != nil {
		s.respondWithError(w, err)
		return
	}
	s.respondWithData(w, http.StatusOK, "Order accepted successfully", map[string]interface{}{"order": order})
}
