package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when the token endpoint issues a token response
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a client revokes one of its tokens
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when every token of a (user, client) pair is revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization events

	// EventAuthorizationGranted is logged when an authorization response carries artifacts
	EventAuthorizationGranted = "authorization_granted"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// Client events

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when client metadata fails validation
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientAuthFailure is logged when client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// EventUserAuthFailure is logged when resource owner credentials are rejected
	EventUserAuthFailure = "user_auth_failure"

	// Security violation events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a refresh request asks for scopes beyond the grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
