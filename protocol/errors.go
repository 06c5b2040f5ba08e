package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Kind is one of the OAuth 2.0 error codes (RFC 6749 Sections 4.1.2.1 and 5.2,
// RFC 7009 Section 2.2.1). The set is closed: every error leaving the engine
// carries one of these kinds.
type Kind string

const (
	// KindAccessDenied is returned when the resource owner or server denied the request.
	KindAccessDenied Kind = "access_denied"

	// KindInvalidClient is returned when client authentication failed.
	KindInvalidClient Kind = "invalid_client"

	// KindInvalidGrant is returned when the presented grant is invalid, expired, or revoked.
	KindInvalidGrant Kind = "invalid_grant"

	// KindInvalidRequest is returned when a parameter is missing, invalid, or repeated.
	KindInvalidRequest Kind = "invalid_request"

	// KindInvalidScope is returned when the requested scope is unknown or malformed.
	KindInvalidScope Kind = "invalid_scope"

	// KindServerError is returned for unexpected failures, including collaborator errors.
	KindServerError Kind = "server_error"

	// KindTemporarilyUnavailable is returned when the server is overloaded or in maintenance.
	KindTemporarilyUnavailable Kind = "temporarily_unavailable"

	// KindUnauthorizedClient is returned when the client may not use the requested method.
	KindUnauthorizedClient Kind = "unauthorized_client"

	// KindUnsupportedGrantType is returned for grant types the server does not implement.
	KindUnsupportedGrantType Kind = "unsupported_grant_type"

	// KindUnsupportedResponseType is returned for response types the server does not implement.
	KindUnsupportedResponseType Kind = "unsupported_response_type"

	// KindUnsupportedTokenType is returned when a token_type_hint is not supported.
	KindUnsupportedTokenType Kind = "unsupported_token_type"
)

// Kinds lists every error kind.
var Kinds = []Kind{
	KindAccessDenied,
	KindInvalidClient,
	KindInvalidGrant,
	KindInvalidRequest,
	KindInvalidScope,
	KindServerError,
	KindTemporarilyUnavailable,
	KindUnauthorizedClient,
	KindUnsupportedGrantType,
	KindUnsupportedResponseType,
	KindUnsupportedTokenType,
}

// Status returns the HTTP status code for the error kind.
func (k Kind) Status() int {
	switch k {
	case KindInvalidClient:
		return http.StatusUnauthorized
	case KindServerError:
		return http.StatusInternalServerError
	case KindTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case KindAccessDenied,
		KindInvalidGrant,
		KindInvalidRequest,
		KindInvalidScope,
		KindUnauthorizedClient,
		KindUnsupportedGrantType,
		KindUnsupportedResponseType,
		KindUnsupportedTokenType:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is an OAuth 2.0 error value. It is serialized verbatim to the caller,
// either as a JSON body or as redirect parameters.
type Error struct {
	Kind        Kind
	Description string
	URI         string
	State       string

	// Headers are extra response headers, e.g. WWW-Authenticate for invalid_client.
	Headers http.Header

	cause error
}

// New creates an error of the given kind.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf creates an error of the given kind with a formatted description.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Constructors for each error kind.
var (
	ErrAccessDenied = func(desc string) *Error {
		return New(KindAccessDenied, desc)
	}
	ErrInvalidClient = func(desc string) *Error {
		return New(KindInvalidClient, desc)
	}
	ErrInvalidGrant = func(desc string) *Error {
		return New(KindInvalidGrant, desc)
	}
	ErrInvalidRequest = func(desc string) *Error {
		return New(KindInvalidRequest, desc)
	}
	ErrInvalidScope = func(desc string) *Error {
		return New(KindInvalidScope, desc)
	}
	ErrServerError = func(desc string) *Error {
		return New(KindServerError, desc)
	}
	ErrTemporarilyUnavailable = func(desc string) *Error {
		return New(KindTemporarilyUnavailable, desc)
	}
	ErrUnauthorizedClient = func(desc string) *Error {
		return New(KindUnauthorizedClient, desc)
	}
	ErrUnsupportedGrantType = func(desc string) *Error {
		return New(KindUnsupportedGrantType, desc)
	}
	ErrUnsupportedResponseType = func(desc string) *Error {
		return New(KindUnsupportedResponseType, desc)
	}
	ErrUnsupportedTokenType = func(desc string) *Error {
		return New(KindUnsupportedTokenType, desc)
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Status returns the HTTP status code for the error.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithCause returns a copy of e that wraps cause.
func (e *Error) WithCause(cause error) *Error {
	c := e.clone()
	c.cause = cause
	return c
}

// WithState returns a copy of e carrying the given state.
func (e *Error) WithState(state string) *Error {
	c := e.clone()
	c.State = state
	return c
}

// WithHeader returns a copy of e with an extra response header.
func (e *Error) WithHeader(key, value string) *Error {
	c := e.clone()
	c.Headers.Set(key, value)
	return c
}

func (e *Error) clone() *Error {
	c := *e
	c.Headers = make(http.Header, len(e.Headers))
	for k, v := range e.Headers {
		c.Headers[k] = append([]string(nil), v...)
	}
	return &c
}

// Parameters returns the error as redirect parameters.
func (e *Error) Parameters() url.Values {
	v := url.Values{}
	v.Set(ParamError, string(e.Kind))
	if e.Description != "" {
		v.Set(ParamErrorDescription, e.Description)
	}
	if e.URI != "" {
		v.Set(ParamErrorURI, e.URI)
	}
	if e.State != "" {
		v.Set(ParamState, e.State)
	}
	return v
}

// errorBody is the JSON representation of an Error (RFC 6749 Section 5.2).
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

// MarshalJSON encodes the error as an RFC 6749 error response body.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorBody{
		Error:       string(e.Kind),
		Description: e.Description,
		URI:         e.URI,
		State:       e.State,
	})
}

// Response converts the error into a no-store JSON response.
func (e *Error) Response() *Response {
	body, err := e.MarshalJSON()
	if err != nil {
		body = []byte(`{"error":"server_error"}`)
	}
	resp := NewResponse(e.Status())
	for k, v := range e.Headers {
		resp.Header[k] = append([]string(nil), v...)
	}
	resp.Header.Set("Content-Type", ContentTypeJSON)
	SetNoStore(resp.Header)
	resp.Body = body
	return resp
}

// AsError converts any error into an *Error. Errors already in the taxonomy
// pass through; anything else becomes server_error with the error text as
// description.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError(err.Error()).WithCause(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var oauthErr *Error
	return errors.As(err, &oauthErr) && oauthErr.Kind == kind
}
