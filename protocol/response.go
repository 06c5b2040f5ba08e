package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Response is a transport-neutral HTTP response produced by the engine.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse creates an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// JSONResponse encodes v as a no-store JSON response.
func JSONResponse(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", ContentTypeJSON)
	SetNoStore(resp.Header)
	resp.Body = body
	return resp, nil
}

// Redirect creates a 303 See Other response to location.
func Redirect(location string) *Response {
	resp := NewResponse(http.StatusSeeOther)
	resp.Header.Set("Location", location)
	SetNoStore(resp.Header)
	return resp
}

// Location returns the redirect target, if any.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Send writes the response to w.
func (r *Response) Send(w http.ResponseWriter) error {
	for k, v := range r.Header {
		w.Header()[k] = append([]string(nil), v...)
	}
	w.WriteHeader(r.Status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// SetNoStore sets the headers that keep credentials out of caches
// (RFC 6749 Section 5.1).
func SetNoStore(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// TokenResponse is a successful token endpoint response (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// IntrospectionResponse is a token introspection response (RFC 7662 Section 2.2).
// Inactive tokens are reported with every field but Active omitted.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	NotBefore int64  `json:"nbf,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}
