// Package apierr defines the closed set of API error codes and the single
// JSON error shape every endpoint responds with.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Code identifies an error condition. The set is closed: handlers never
// invent ad-hoc codes, so widget clients can switch on them.
type Code string

const (
	// Authentication
	CodeMissingAPIKey      Code = "MISSING_API_KEY"
	CodeInvalidKeyFormat   Code = "INVALID_API_KEY_FORMAT"
	CodeInvalidAPIKey      Code = "INVALID_API_KEY"
	CodeAPIKeyDeactivated  Code = "API_KEY_DEACTIVATED"
	CodeTenantInactive     Code = "TENANT_INACTIVE"

	// Origin
	CodeInvalidOrigin     Code = "INVALID_ORIGIN"
	CodeOriginNotAllowed  Code = "ORIGIN_NOT_ALLOWED"

	// Admission
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded Code = "DAILY_LIMIT_EXCEEDED"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"

	// Request input
	CodeMissingUserImage Code = "MISSING_USER_IMAGE"
	CodeMissingProduct   Code = "MISSING_PRODUCT"
	CodeInvalidURL       Code = "INVALID_URL"
	CodeFetchError       Code = "FETCH_ERROR"
	CodeUnsuitablePhoto  Code = "UNSUITABLE_PHOTO"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeEmailExists      Code = "EMAIL_EXISTS"
	CodeNotFound         Code = "NOT_FOUND"
	CodeMaxKeysReached   Code = "MAX_KEYS_REACHED"

	// Upstream model
	CodeTimeout              Code = "TIMEOUT"
	CodeSafetyBlock          Code = "SAFETY_BLOCK"
	CodeRecitationBlock      Code = "RECITATION_BLOCK"
	CodeEmptyResponse        Code = "EMPTY_RESPONSE"
	CodeNoImage              Code = "NO_IMAGE"
	CodeAPIClientError       Code = "API_CLIENT_ERROR"
	CodeAPIServerError       Code = "API_SERVER_ERROR"
	CodeUpstreamRateLimited  Code = "UPSTREAM_RATE_LIMITED"

	// Internal
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeAuthError     Code = "AUTH_ERROR"
	CodeClassifyError Code = "CLASSIFY_ERROR"
	CodeTryonError    Code = "TRYON_ERROR"
	CodeForbidden     Code = "FORBIDDEN"
)

// Error is an API error with an HTTP status, stable code, and a hint for
// clients about whether retrying the same request can succeed.
type Error struct {
	Status    int    `json:"-"`
	Code      Code   `json:"code"`
	Message   string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New creates an Error with explicit status and retryability.
func New(status int, code Code, message string, retryable bool) *Error {
	return &Error{Status: status, Code: code, Message: message, Retryable: retryable}
}

// Common constructors. Retryability follows the rule: client-fixable and
// policy rejections are final; transient upstream/infrastructure failures
// are retryable.

func Unauthorized(code Code, message string) *Error {
	return New(http.StatusUnauthorized, code, message, false)
}

func Forbidden(code Code, message string) *Error {
	return New(http.StatusForbidden, code, message, false)
}

func BadRequest(code Code, message string) *Error {
	return New(http.StatusBadRequest, code, message, false)
}

func Conflict(code Code, message string) *Error {
	return New(http.StatusConflict, code, message, false)
}

func PaymentRequired(code Code, message string) *Error {
	return New(http.StatusPaymentRequired, code, message, false)
}

func TooManyRequests(code Code, message string) *Error {
	return New(http.StatusTooManyRequests, code, message, true)
}

func Unprocessable(code Code, message string) *Error {
	return New(http.StatusUnprocessableEntity, code, message, false)
}

func BadGateway(code Code, message string) *Error {
	return New(http.StatusBadGateway, code, message, true)
}

func GatewayTimeout(code Code, message string) *Error {
	return New(http.StatusGatewayTimeout, code, message, true)
}

// Internal returns a generic 500 that never leaks internal detail.
func Internal() *Error {
	return New(http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", true)
}

// From converts any error into an *Error. Known API errors pass through;
// everything else becomes a generic internal error.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal()
}

// Write sends the error as JSON and aborts the request.
func Write(c *gin.Context, err error) {
	ae := From(err)
	c.AbortWithStatusJSON(ae.Status, ae)
}
