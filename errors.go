package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth2-server/protocol"
)

// Error codes answered by the binding itself. Errors of the protocol
// endpoints are *protocol.Error values produced by the server.
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
	ErrorCodeServerError           = "server_error"
)

// HTTPError is an error response of an endpoint outside the protocol error
// taxonomy, such as client registration (RFC 7591 Section 3.2.2).
type HTTPError struct {
	Code        string // error code (e.g., "invalid_client_metadata")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewHTTPError creates a new binding error
func NewHTTPError(code, description string, status int) *HTTPError {
	return &HTTPError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Response converts the error into a no-store JSON response.
func (e *HTTPError) Response() *protocol.Response {
	body, err := json.Marshal(map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
	if err != nil {
		body = []byte(`{"error":"server_error"}`)
	}
	resp := protocol.NewResponse(e.Status)
	resp.Header.Set("Content-Type", protocol.ContentTypeJSON)
	protocol.SetNoStore(resp.Header)
	resp.Body = body
	return resp
}

// Common binding errors
var (
	// ErrInvalidRedirectURI indicates a redirect URI failed registration checks
	ErrInvalidRedirectURI = func(desc string) *HTTPError {
		return NewHTTPError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrInvalidClientMetadata indicates registration metadata was rejected
	ErrInvalidClientMetadata = func(desc string) *HTTPError {
		return NewHTTPError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates a missing or wrong registration access token
	ErrInvalidToken = func(desc string) *HTTPError {
		return NewHTTPError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrRateLimitExceeded indicates the caller must back off
	ErrRateLimitExceeded = func(desc string) *HTTPError {
		return NewHTTPError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrMethodNotAllowed indicates the endpoint does not accept the HTTP method
	ErrMethodNotAllowed = func(desc string) *HTTPError {
		return NewHTTPError(ErrorCodeInvalidRequest, desc, http.StatusMethodNotAllowed)
	}
)
