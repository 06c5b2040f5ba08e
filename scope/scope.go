// Package scope validates requested scopes against the server vocabulary and
// computes the scopes a client is actually granted.
package scope

import (
	"fmt"
	"slices"
	"strings"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/protocol"
	"github.com/giantswarm/oauth2-server/storage"
)

// OfflineAccessPolicy controls when the offline_access scope survives an
// authorization request.
type OfflineAccessPolicy string

const (
	// OfflineAccessKeep grants offline_access like any other scope.
	OfflineAccessKeep OfflineAccessPolicy = "keep"

	// OfflineAccessRequireCodeAndConsent drops offline_access unless the
	// response type includes code and the request carries prompt=consent
	// (OIDC Core Section 11).
	OfflineAccessRequireCodeAndConsent OfflineAccessPolicy = "require_code_and_consent"
)

// Valid reports whether p is a known policy.
func (p OfflineAccessPolicy) Valid() bool {
	return p == OfflineAccessKeep || p == OfflineAccessRequireCodeAndConsent
}

// Policy holds the server-wide scope vocabulary.
// It is immutable after construction and safe for concurrent use.
type Policy struct {
	supported     []string
	offlineAccess OfflineAccessPolicy
}

// NewPolicy creates a policy over the given vocabulary. An empty vocabulary
// rejects every requested scope.
func NewPolicy(supported []string, offlineAccess OfflineAccessPolicy) *Policy {
	if offlineAccess == "" {
		offlineAccess = OfflineAccessKeep
	}
	return &Policy{
		supported:     util.Dedupe(supported),
		offlineAccess: offlineAccess,
	}
}

// Supported returns the server's scope vocabulary.
func (p *Policy) Supported() []string {
	return slices.Clone(p.supported)
}

// OfflineAccess returns the configured offline_access policy.
func (p *Policy) OfflineAccess() OfflineAccessPolicy {
	return p.offlineAccess
}

// CheckRequestedScope fails with invalid_scope when any space-delimited entry
// of scope is outside the server vocabulary.
func (p *Policy) CheckRequestedScope(scope string) error {
	for _, s := range util.SplitList(scope) {
		if !slices.Contains(p.supported, s) {
			return protocol.ErrInvalidScope(fmt.Sprintf("The requested scope %q is not supported by this server.", s))
		}
	}
	return nil
}

// AllowedScopes returns the scopes granted to client for the requested scope
// string. With no scope requested the client's full registered set is
// returned; otherwise the intersection of requested and registered scopes,
// in request order. Scopes the client is not registered for are dropped
// silently.
func (p *Policy) AllowedScopes(client *storage.Client, scope string) []string {
	requested := util.SplitList(scope)
	if len(requested) == 0 {
		return slices.Clone(client.Scopes)
	}
	granted := make([]string, 0, len(requested))
	for _, s := range util.Dedupe(requested) {
		if slices.Contains(client.Scopes, s) {
			granted = append(granted, s)
		}
	}
	return granted
}

// ApplyOfflineAccess applies the offline_access policy to granted scopes for a
// request with the given response type and prompts.
func (p *Policy) ApplyOfflineAccess(scopes []string, responseType string, prompts []string) []string {
	if p.offlineAccess != OfflineAccessRequireCodeAndConsent || !slices.Contains(scopes, protocol.ScopeOfflineAccess) {
		return scopes
	}
	hasCode := slices.Contains(strings.Fields(responseType), protocol.ResponseTypeCode)
	if hasCode && slices.Contains(prompts, protocol.PromptConsent) {
		return scopes
	}
	return slices.DeleteFunc(slices.Clone(scopes), func(s string) bool {
		return s == protocol.ScopeOfflineAccess
	})
}

// IsSubset reports whether every scope in requested is part of granted.
func IsSubset(requested, granted []string) bool {
	return util.ContainsAll(granted, requested)
}
