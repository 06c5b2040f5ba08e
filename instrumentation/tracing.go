package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (access tokens,
// refresh tokens, authorization codes, client secrets, assertions) in traces
// or metrics. Only record metadata such as token types, methods and results.
const (
	// OAuth flow attributes
	AttrClientID       = "oauth.client_id"
	AttrUserID         = "oauth.user_id"
	AttrScope          = "oauth.scope"
	AttrPKCEMethod     = "oauth.pkce.method"
	AttrCodeReuse      = "oauth.code.reuse"
	AttrTokenReuse     = "oauth.token.reuse"   //nolint:gosec // boolean flag, not a credential
	AttrTokenRotated   = "oauth.token.rotated" //nolint:gosec // boolean flag, not a credential
	AttrGrantType      = "oauth.grant_type"
	AttrResponseType   = "oauth.response_type"
	AttrResponseMode   = "oauth.response_mode"
	AttrAuthMethod     = "oauth.client_auth.method"
	AttrTokenType      = "oauth.token_type"      //nolint:gosec // token type name, not the token
	AttrTokenTypeHint  = "oauth.token_type_hint" //nolint:gosec // hint name, not the token
	AttrTokenActive    = "oauth.token.active"    //nolint:gosec // boolean flag, not a credential
	AttrError          = "oauth.error"
	AttrErrorDescribed = "oauth.error_description"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP       = "security.client_ip"
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddAuthorizationAttributes adds the resolved response type and mode (nil-safe)
func AddAuthorizationAttributes(span trace.Span, responseType, responseMode string) {
	if responseType != "" {
		SetSpanAttributes(span, attribute.String(AttrResponseType, responseType))
	}
	if responseMode != "" {
		SetSpanAttributes(span, attribute.String(AttrResponseMode, responseMode))
	}
}

// AddGrantAttributes adds the grant type and client authentication method (nil-safe)
func AddGrantAttributes(span trace.Span, grantType, authMethod string) {
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if authMethod != "" {
		SetSpanAttributes(span, attribute.String(AttrAuthMethod, authMethod))
	}
}

// AddOAuthErrorAttributes records the OAuth error code and description (nil-safe)
func AddOAuthErrorAttributes(span trace.Span, code, description string) {
	SetSpanAttributes(span, attribute.String(AttrError, code))
	if description != "" {
		SetSpanAttributes(span, attribute.String(AttrErrorDescribed, description))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be considered Personally Identifiable Information (PII).
// Check ShouldLogClientIPs() before calling this function.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
