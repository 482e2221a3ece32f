// Package apperr defines the typed failures that cross the request boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound                  Kind = "not_found"
	KindInvalidTransition         Kind = "invalid_transition"
	KindUnauthenticated           Kind = "unauthenticated"
	KindUnauthorized              Kind = "unauthorized"
	KindPreconditionFailed        Kind = "precondition_failed"
	KindPaymentVerificationFailed Kind = "payment_verification_failed"
	KindGatewayError              Kind = "gateway_error"
	KindDuplicateKey              Kind = "duplicate_key"
	KindConflict                  Kind = "conflict"
	KindInvalid                   Kind = "invalid_request"
	KindInternal                  Kind = "internal"
)

// Stable machine-readable codes.
const (
	CodeOrderNotFound             = "ORDER_NOT_FOUND"
	CodeItemNotFound              = "ITEM_NOT_FOUND"
	CodeRestaurantNotFound        = "RESTAURANT_NOT_FOUND"
	CodeDriverNotFound            = "DRIVER_NOT_FOUND"
	CodeAddressNotFound           = "ADDRESS_NOT_FOUND"
	CodeRestaurantUnavailable     = "RESTAURANT_UNAVAILABLE"
	CodeAddressRequired           = "ADDRESS_REQUIRED"
	CodeItemUnavailable           = "ITEM_UNAVAILABLE"
	CodeInvalidTransition         = "INVALID_TRANSITION"
	CodeNotCancellable            = "NOT_CANCELLABLE"
	CodeAlreadyAssigned           = "ALREADY_ASSIGNED"
	CodeNotReady                  = "NOT_READY"
	CodeDriverUnavailable         = "DRIVER_UNAVAILABLE"
	CodePaymentNotInitiated       = "PAYMENT_NOT_INITIATED"
	CodeNotAwaitingPayment        = "NOT_AWAITING_PAYMENT"
	CodePaymentVerificationFailed = "PAYMENT_VERIFICATION_FAILED"
	CodeGatewayError              = "GATEWAY_ERROR"
	CodeDuplicateOrderNumber      = "DUPLICATE_ORDER_NUMBER"
	CodeVersionConflict           = "VERSION_CONFLICT"
	CodeUnauthenticated           = "UNAUTHENTICATED"
	CodeUnauthorized              = "UNAUTHORIZED"
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeInternal                  = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func InvalidTransition(message string) *Error {
	return New(KindInvalidTransition, CodeInvalidTransition, message)
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, CodeUnauthorized, message)
}

func PreconditionFailed(code, message string) *Error {
	return New(KindPreconditionFailed, code, message)
}

func Invalid(message string) *Error {
	return New(KindInvalid, CodeInvalidRequest, message)
}

func Gateway(message string, err error) *Error {
	return Wrap(KindGatewayError, CodeGatewayError, message, err)
}

func Internal(err error) *Error {
	return Wrap(KindInternal, CodeInternal, "internal error", err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the response status used at the HTTP boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindDuplicateKey, KindConflict:
		return http.StatusConflict
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindPreconditionFailed:
		return http.StatusUnprocessableEntity
	case KindPaymentVerificationFailed:
		return http.StatusPaymentRequired
	case KindGatewayError:
		return http.StatusBadGateway
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
