package errors

import (
	"fmt"
	"net/http"
)

// APIError is the JSON error envelope returned by the gateway routes.
type APIError struct {
	Message  string `json:"error"`
	Code     string `json:"code"`
	Redirect string `json:"redirect,omitempty"`

	Status int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes surfaced to the browser.
const (
	DuplicateRequest     = "DUPLICATE_REQUEST"
	AuthenticationError  = "AUTHENTICATION_ERROR"
	MissingCode          = "MISSING_CODE"
	ProviderError        = "PROVIDER_ERROR"
	UnsupportedProvider  = "UNSUPPORTED_PROVIDER"
	StateMismatch        = "STATE_MISMATCH"
	InvalidRequest       = "INVALID_REQUEST"
	RefreshFailed        = "REFRESH_FAILED"
	RateLimited          = "RATE_LIMITED"
	InternalServerFailed = "INTERNAL_ERROR"
)

// NewDuplicateRequest reports an authorization code already redeemed within the dedup window.
func NewDuplicateRequest() *APIError {
	return &APIError{
		Message: "Request already processed",
		Code:    DuplicateRequest,
		Status:  http.StatusBadRequest,
	}
}

// NewAuthenticationError reports a failed exchange or registration. The
// browser is pointed back at the login entry point.
func NewAuthenticationError(loginPath string) *APIError {
	return &APIError{
		Message:  "Authentication failed",
		Code:     AuthenticationError,
		Redirect: loginPath,
		Status:   http.StatusInternalServerError,
	}
}

func NewMissingCode() *APIError {
	return &APIError{
		Message: "Authorization code is required",
		Code:    MissingCode,
		Status:  http.StatusBadRequest,
	}
}

func NewProviderError(provider, oauthErr, description string) *APIError {
	msg := fmt.Sprintf("Error from %s: %s", provider, oauthErr)
	if description != "" {
		msg += " (" + description + ")"
	}

	return &APIError{
		Message: msg,
		Code:    ProviderError,
		Status:  http.StatusBadRequest,
	}
}

func NewUnsupportedProvider(provider string) *APIError {
	return &APIError{
		Message: fmt.Sprintf("Provider '%s' is not supported or not configured", provider),
		Code:    UnsupportedProvider,
		Status:  http.StatusNotFound,
	}
}

func NewStateMismatch() *APIError {
	return &APIError{
		Message: "Invalid session state. Please try logging in again.",
		Code:    StateMismatch,
		Status:  http.StatusBadRequest,
	}
}

func NewInvalidRequest(description string) *APIError {
	return &APIError{
		Message: description,
		Code:    InvalidRequest,
		Status:  http.StatusBadRequest,
	}
}

// NewRefreshFailed carries the backend's status code through to the caller.
func NewRefreshFailed(status int, description string) *APIError {
	if status < http.StatusBadRequest {
		status = http.StatusBadGateway
	}

	return &APIError{
		Message: description,
		Code:    RefreshFailed,
		Status:  status,
	}
}

func NewRateLimited() *APIError {
	return &APIError{
		Message: "Too many requests",
		Code:    RateLimited,
		Status:  http.StatusTooManyRequests,
	}
}

func NewInternal() *APIError {
	return &APIError{
		Message: "Internal server error",
		Code:    InternalServerFailed,
		Status:  http.StatusInternalServerError,
	}
}
