package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	activationdomain "github.com/keymint/keymint/internal/activation/domain"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	orderdomain "github.com/keymint/keymint/internal/order/domain"
	paymentdomain "github.com/keymint/keymint/internal/payment/domain"
	productdomain "github.com/keymint/keymint/internal/product/domain"
	subscriptiondomain "github.com/keymint/keymint/internal/subscription/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTooManyRequests = errors.New("too_many_requests")
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrInternal        = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return ErrInvalidRequest
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "too many requests",
		}
	case errors.Is(err, activationdomain.ErrActivationLimitExceeded):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    "activation_limit_exceeded",
			Message: "activation limit exceeded",
		}
	case errors.Is(err, licensedomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    "invalid_transition",
			Message: err.Error(),
		}
	case errors.Is(err, licensedomain.ErrOrderAlreadyIssued):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    "order_already_issued",
			Message: "order already has a license",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    err.Error(),
			Message: "validation error",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Code:    "invalid_signature",
			Message: "invalid signature",
		}
	case errors.Is(err, licensedomain.ErrGenerationExhausted):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Code:    "key_generation_exhausted",
			Message: "could not generate a unique key",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, licensedomain.ErrLicenseNotFound),
		errors.Is(err, productdomain.ErrProductNotFound),
		errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, activationdomain.ErrActivationNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, licensedomain.ErrInvalidKey),
		errors.Is(err, licensedomain.ErrInvalidLicense),
		errors.Is(err, licensedomain.ErrInvalidOwnerEmail),
		errors.Is(err, licensedomain.ErrInvalidDuration),
		errors.Is(err, activationdomain.ErrInvalidFingerprint),
		errors.Is(err, activationdomain.ErrLicenseNotActive),
		errors.Is(err, activationdomain.ErrLicenseExpired),
		errors.Is(err, activationdomain.ErrActivationAlreadyInactive),
		errors.Is(err, productdomain.ErrInvalidProduct),
		errors.Is(err, productdomain.ErrInvalidProductCode),
		errors.Is(err, productdomain.ErrInvalidKeyFormat),
		errors.Is(err, productdomain.ErrInvalidMaxActivations),
		errors.Is(err, orderdomain.ErrInvalidOrder),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrUnresolvedLicense):
		return true
	default:
		return false
	}
}
