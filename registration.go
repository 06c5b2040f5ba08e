package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// ServeClientRegistration handles dynamic client registration (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.register")
	defer span.End()

	resp := h.register(ctx, w, r)
	h.write(w, resp, endpointRegister)
	instrumentation.AddHTTPAttributes(span, r.Method, endpointRegister, resp.Status)
	h.recordHTTPMetrics(ctx, endpointRegister, r.Method, resp.Status, startTime)
}

func (h *Handler) register(ctx context.Context, w http.ResponseWriter, r *http.Request) *protocol.Response {
	clientIP := h.proxy.ClientIP(r)

	if h.registrationLimiter != nil && !h.registrationLimiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded",
			"ip", clientIP,
			"max_per_window", h.config.Registration.MaxPerWindow,
			"window", h.config.Registration.Window)
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpointRegister)
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, endpointRegister)
		}
		resp := ErrRateLimitExceeded("Client registration rate limit exceeded. Please try again later.").Response()
		resp.Header.Set("Retry-After", "3600")
		return resp
	}

	if !h.authorizeRegistration(r) {
		h.logger.Warn("Client registration rejected: missing or invalid access token",
			"ip", clientIP)
		resp := ErrInvalidToken("Registration requires a valid initial access token.").Response()
		resp.Header.Set("WWW-Authenticate", protocol.TokenTypeBearer)
		return resp
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrInvalidClientMetadata("Request body is not valid JSON.").Response()
	}

	client, secret, err := h.server.RegisterClient(ctx, server.ClientRegistration{
		ClientName:                        req.ClientName,
		ClientType:                        req.ClientType,
		TokenEndpointAuthMethod:           req.TokenEndpointAuthMethod,
		RedirectURIs:                      req.RedirectURIs,
		ResponseTypes:                     req.ResponseTypes,
		GrantTypes:                        req.GrantTypes,
		Scopes:                            util.SplitList(req.Scope),
		JWKS:                              req.JWKS,
		JWKSURI:                           req.JWKSURI,
		AuthorizationSignedResponseAlg:    req.AuthorizationSignedResponseAlg,
		AuthorizationEncryptedResponseAlg: req.AuthorizationEncryptedResponseAlg,
		AuthorizationEncryptedResponseEnc: req.AuthorizationEncryptedResponseEnc,
		IDTokenSignedResponseAlg:          req.IDTokenSignedResponseAlg,
	})
	if err != nil {
		return h.registrationError(err, clientIP)
	}

	resp, err := protocol.JSONResponse(http.StatusCreated, registrationResponse(client, secret))
	if err != nil {
		h.logger.Error("Failed to encode registration response", "error", err)
		return protocol.AsError(err).Response()
	}
	return resp
}

// authorizeRegistration checks the initial access token.
func (h *Handler) authorizeRegistration(r *http.Request) bool {
	expected := h.config.Registration.AccessToken
	if expected == "" {
		return h.config.Registration.AllowUnauthenticated
	}

	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, protocol.TokenTypeBearer) {
		return h.config.Registration.AllowUnauthenticated
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func (h *Handler) registrationError(err error, clientIP string) *protocol.Response {
	switch {
	case server.GetRedirectURIErrorCategory(err) != "":
		return ErrInvalidRedirectURI(err.Error()).Response()
	case errors.Is(err, server.ErrInvalidClientMetadata):
		return ErrInvalidClientMetadata(err.Error()).Response()
	}
	h.logger.Error("Client registration failed",
		"ip", clientIP,
		"error", err)
	return NewHTTPError(ErrorCodeServerError, "Client registration failed.", http.StatusInternalServerError).Response()
}

func registrationResponse(client *storage.Client, secret string) ClientRegistrationResponse {
	resp := ClientRegistrationResponse{
		ClientID:                          client.ClientID,
		ClientSecret:                      secret,
		ClientIDIssuedAt:                  client.CreatedAt.Unix(),
		RedirectURIs:                      client.RedirectURIs,
		TokenEndpointAuthMethod:           client.TokenEndpointAuthMethod,
		GrantTypes:                        client.GrantTypes,
		ResponseTypes:                     client.ResponseTypes,
		ClientName:                        client.ClientName,
		Scope:                             strings.Join(client.Scopes, " "),
		ClientType:                        client.ClientType,
		JWKS:                              client.JWKS,
		JWKSURI:                           client.JWKSURI,
		AuthorizationSignedResponseAlg:    client.AuthorizationSignedResponseAlg,
		AuthorizationEncryptedResponseAlg: client.AuthorizationEncryptedResponseAlg,
		AuthorizationEncryptedResponseEnc: client.AuthorizationEncryptedResponseEnc,
		IDTokenSignedResponseAlg:          client.IDTokenSignedResponseAlg,
	}
	if secret != "" {
		var expiresAt int64
		if !client.SecretExpiresAt.IsZero() {
			expiresAt = client.SecretExpiresAt.Unix()
		}
		resp.ClientSecretExpiresAt = &expiresAt
	}
	return resp
}
