package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/sirupsen/logrus"
)

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (s *Server) respondWithData(w http.ResponseWriter, code int, message string, data interface{}) {
	s.respondWithJSON(w, code, envelope{Success: true, Message: message, Data: data})
}

// respondWithError maps err to its HTTP status. Internal errors are logged in
// full and reported without detail.
func (s *Server) respondWithError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := &errorBody{Kind: kind, Code: apperr.CodeOf(err), Message: "Internal server error"}

	var e *apperr.Error
	if kind != apperr.KindInternal && errors.As(err, &e) {
		body.Message = e.Message
	} else {
		s.logger.WithError(err).Error("Request failed")
	}
	s.respondWithJSON(w, apperr.HTTPStatus(kind), envelope{Success: false, Error: body})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("Invalid request body")
	}
	return nil
}

func orderID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Debug("Request received")

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

// corsMiddleware answers preflight requests itself so they never reach the
// router's method matching.
func corsMiddleware(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
