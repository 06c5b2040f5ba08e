// Package protocol holds the vocabulary shared by every part of the
// authorization server: the OAuth 2.0 error taxonomy, parameter names,
// transport-neutral requests and responses, and the validated authorization
// context.
//
// Errors are values. Each *Error carries its kind, description, optional
// error_uri and state, and converts to either a JSON body (token-side
// endpoints) or redirect parameters (authorization endpoint):
//
//	err := protocol.ErrInvalidRequest("The request is missing the redirect_uri parameter.")
//	resp := err.Response()          // 400 JSON, Cache-Control: no-store
//	params := err.Parameters()      // error=invalid_request&error_description=...
//
// AsError is the single conversion point at endpoint boundaries: anything that
// is not already an *Error becomes server_error.
package protocol
