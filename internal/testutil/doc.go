// Package testutil provides test fixtures and helpers shared by the packages of
// the authorization server: a controllable clock, generated clients, grants and
// tokens, PKCE pairs and form-encoded request builders.
package testutil
