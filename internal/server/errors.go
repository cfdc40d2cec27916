package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	buildjobdomain "github.com/smallbiznis/storeforge/internal/buildjob/domain"
	notificationdomain "github.com/smallbiznis/storeforge/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/storeforge/internal/payment/domain"
	"github.com/smallbiznis/storeforge/internal/ratelimit"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
)

// ErrorHandlingMiddleware renders the last handler error as JSON when the
// handler did not write a response itself.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		status, payload := mapError(last.Err)
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", retryAfterSeconds(last.Err))
		}
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

// retryAfterSeconds rounds the limiter's wait up to whole seconds, at least one.
func retryAfterSeconds(err error) string {
	seconds := 1
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) && limitErr.RetryAfter > 0 {
		seconds = int(math.Ceil(limitErr.RetryAfter.Seconds()))
	}
	return strconv.Itoa(seconds)
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

// errorRule maps a class of errors to a response. Rules are checked in order.
type errorRule struct {
	match   func(error) bool
	status  int
	kind    string
	message string
}

func is(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

func isDispatchError(err error) bool {
	var dispatchErr *buildjobdomain.DispatchError
	return errors.As(err, &dispatchErr)
}

var errorRules = []errorRule{
	{is(paymentdomain.ErrInvalidSignature), http.StatusBadRequest, "invalid_signature", "signature verification failed"},
	{is(paymentdomain.ErrInvalidPayload, paymentdomain.ErrInvalidEvent), http.StatusBadRequest, "invalid_payload", "invalid webhook payload"},
	{is(ErrPayloadTooLarge), http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large"},
	{is(ErrUnauthorized), http.StatusUnauthorized, "unauthorized", "unauthorized"},
	{is(buildjobdomain.ErrBuildInProgress), http.StatusConflict, "conflict", "a build is already in progress for this template"},
	{is(ratelimit.ErrRateLimited), http.StatusTooManyRequests, "rate_limited", "too many requests"},
	{is(
		buildjobdomain.ErrNotFound,
		notificationdomain.ErrNotFound,
		paymentdomain.ErrProviderNotFound,
		gorm.ErrRecordNotFound,
	), http.StatusNotFound, "not_found", "not found"},
	{isDispatchError, http.StatusBadGateway, "external_dispatch_error", "build dispatch failed"},
	{is(ErrServiceUnavailable, realtime.ErrBusUnavailable), http.StatusServiceUnavailable, "service_unavailable", "service unavailable"},
}

// validationCodes are sentinel errors whose message doubles as the error code.
var validationCodes = is(
	ErrInvalidRequest,
	realtime.ErrInvalidStoreID,
	buildjobdomain.ErrInvalidTemplate,
	buildjobdomain.ErrInvalidJob,
	buildjobdomain.ErrInvalidStatus,
	buildjobdomain.ErrInvalidDownloadURL,
	buildjobdomain.ErrInvalidStore,
	notificationdomain.ErrInvalidStore,
	notificationdomain.ErrInvalidID,
	notificationdomain.ErrInvalidType,
	notificationdomain.ErrInvalidTitle,
	notificationdomain.ErrInvalidContent,
	notificationdomain.ErrInvalidData,
)

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	switch {
	case err == nil:
	case errors.As(err, &vErr) && vErr != nil:
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	case validationCodes(err):
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Field: validationErrorField(code), Code: code, Message: validationErrorMessage(code)}},
		}
	default:
		for _, rule := range errorRules {
			if rule.match(err) {
				return rule.status, errorPayload{Type: rule.kind, Message: rule.message}
			}
		}
	}
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

// classifyErrorForLog returns the error type and code used in request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		return payload.Type, ""
	}
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
