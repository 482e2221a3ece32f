// Package auth verifies session tokens and answers who may do what to an order.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jogardn/fooddash/internal/apperr"
	"github.com/jogardn/fooddash/pkg/models"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	Email  string      `json:"email,omitempty"`
	Name   string      `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Actor() models.Actor {
	return models.Actor{ID: c.UserID, Role: c.Role, Email: c.Email, Name: c.Name}
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(actor models.Actor) (string, error) {
	now := t.now()
	claims := Claims{
		UserID: actor.ID,
		Role:   actor.Role,
		Email:  actor.Email,
		Name:   actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *Tokens) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalidToken)
	}
	return claims, nil
}

// AuthenticateRequest reads a token from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query parameter.
func (t *Tokens) AuthenticateRequest(r *http.Request) (*Claims, error) {
	tokenString := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, fmt.Errorf("%w: malformed Authorization header", ErrInvalidToken)
		}
		tokenString = parts[1]
	}
	if tokenString == "" {
		return nil, fmt.Errorf("%w: no token presented", ErrInvalidToken)
	}
	return t.Parse(tokenString)
}

type contextKey struct{}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

func FromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(models.Actor)
	return actor, ok
}

// Middleware rejects requests without a valid token. onError writes the
// response so the API keeps one error envelope.
func (t *Tokens) Middleware(onError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := t.AuthenticateRequest(r)
			if err != nil {
				onError(w, apperr.Wrap(apperr.KindUnauthenticated, apperr.CodeUnauthenticated, "Authentication required", err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), claims.Actor())))
		})
	}
}

// RequireRole lets through only actors holding one of roles.
func RequireRole(onError func(w http.ResponseWriter, err error), roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := FromContext(r.Context())
			if !ok || !hasRole(actor.Role, roles) {
				onError(w, apperr.Unauthorized("Access denied. Required role(s): "+rolesString(roles)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasRole(role models.Role, roles []models.Role) bool {
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	return false
}

func rolesString(roles []models.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}
