// Package pkce implements the Proof Key for Code Exchange verifiers of RFC 7636.
package pkce

import (
	"crypto/subtle"
	"fmt"
	"slices"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 derives the challenge as BASE64URL(SHA256(verifier)).
	MethodS256 = "S256"

	// MethodPlain uses the verifier itself as the challenge.
	MethodPlain = "plain"

	// DefaultMethod is used when a request carries no code_challenge_method.
	DefaultMethod = MethodS256

	// MinVerifierLength is the minimum code_verifier length (RFC 7636 Section 4.1).
	MinVerifierLength = 43

	// MaxVerifierLength is the maximum code_verifier length (RFC 7636 Section 4.1).
	MaxVerifierLength = 128
)

// Verifier compares a code_verifier against a stored code_challenge.
type Verifier interface {
	Method() string
	Verify(challenge, verifier string) bool
}

type plainVerifier struct{}

// Plain returns the "plain" verifier.
func Plain() Verifier { return plainVerifier{} }

func (plainVerifier) Method() string { return MethodPlain }

func (plainVerifier) Verify(challenge, verifier string) bool {
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(verifier)) == 1
}

type s256Verifier struct{}

// S256 returns the "S256" verifier.
func S256() Verifier { return s256Verifier{} }

func (s256Verifier) Method() string { return MethodS256 }

func (s256Verifier) Verify(challenge, verifier string) bool {
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(computed)) == 1
}

// Registry maps code_challenge_method names to verifiers.
// It is read-only after construction.
type Registry struct {
	verifiers map[string]Verifier
	methods   []string
}

// NewRegistry creates a registry holding the given verifiers.
func NewRegistry(verifiers ...Verifier) *Registry {
	r := &Registry{verifiers: make(map[string]Verifier, len(verifiers))}
	for _, v := range verifiers {
		if _, dup := r.verifiers[v.Method()]; dup {
			continue
		}
		r.verifiers[v.Method()] = v
		r.methods = append(r.methods, v.Method())
	}
	return r
}

// DefaultRegistry holds both S256 and plain.
func DefaultRegistry() *Registry {
	return NewRegistry(S256(), Plain())
}

// Get returns the verifier for method.
func (r *Registry) Get(method string) (Verifier, bool) {
	v, ok := r.verifiers[method]
	return v, ok
}

// Methods returns the registered method names in registration order.
func (r *Registry) Methods() []string {
	return slices.Clone(r.methods)
}

// ValidateVerifier checks code_verifier syntax: 43-128 characters from the
// unreserved set [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("code_verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

// ValidateChallenge checks code_challenge syntax. Challenges share the
// verifier alphabet and length bounds; an S256 challenge is always 43
// characters.
func ValidateChallenge(challenge string) error {
	if err := ValidateVerifier(challenge); err != nil {
		return fmt.Errorf("invalid code_challenge: %w", err)
	}
	return nil
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
