package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKind_Status(t *testing.T) {
	want := map[Kind]int{
		KindAccessDenied:            http.StatusBadRequest,
		KindInvalidClient:           http.StatusUnauthorized,
		KindInvalidGrant:            http.StatusBadRequest,
		KindInvalidRequest:          http.StatusBadRequest,
		KindInvalidScope:            http.StatusBadRequest,
		KindServerError:             http.StatusInternalServerError,
		KindTemporarilyUnavailable:  http.StatusServiceUnavailable,
		KindUnauthorizedClient:      http.StatusBadRequest,
		KindUnsupportedGrantType:    http.StatusBadRequest,
		KindUnsupportedResponseType: http.StatusBadRequest,
		KindUnsupportedTokenType:    http.StatusBadRequest,
	}

	if len(want) != len(Kinds) {
		t.Fatalf("status table covers %d kinds, Kinds lists %d", len(want), len(Kinds))
	}
	for _, kind := range Kinds {
		if got := kind.Status(); got != want[kind] {
			t.Errorf("%s.Status() = %d, want %d", kind, got, want[kind])
		}
	}
	if got := Kind("made_up").Status(); got != http.StatusInternalServerError {
		t.Errorf("unknown kind status = %d, want 500", got)
	}
}

func TestError_Error(t *testing.T) {
	if got := ErrInvalidGrant("code expired").Error(); got != "invalid_grant: code expired" {
		t.Errorf("Error() = %q", got)
	}
	if got := New(KindAccessDenied, "").Error(); got != "access_denied" {
		t.Errorf("Error() without description = %q", got)
	}
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("token endpoint: %w", ErrInvalidClient("bad secret"))

	if !errors.Is(err, ErrInvalidClient("")) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, ErrInvalidGrant("")) {
		t.Error("errors.Is should not match another kind")
	}
	if !IsKind(err, KindInvalidClient) {
		t.Error("IsKind should find the wrapped error")
	}
}

func TestError_CopiesDoNotShareHeaders(t *testing.T) {
	base := ErrInvalidClient("bad secret")
	withHeader := base.WithHeader("WWW-Authenticate", `Basic realm="token"`)
	withState := withHeader.WithState("xyz")

	if base.Headers.Get("WWW-Authenticate") != "" {
		t.Error("WithHeader mutated the original error")
	}
	if withHeader.State != "" {
		t.Error("WithState mutated the original error")
	}
	if withState.Headers.Get("WWW-Authenticate") == "" {
		t.Error("WithState dropped headers")
	}
}

func TestError_Parameters(t *testing.T) {
	err := &Error{Kind: KindInvalidScope, Description: "unknown scope", URI: "https://docs.example.com/scopes", State: "s1"}
	params := err.Parameters()

	for name, want := range map[string]string{
		ParamError:            "invalid_scope",
		ParamErrorDescription: "unknown scope",
		ParamErrorURI:         "https://docs.example.com/scopes",
		ParamState:            "s1",
	} {
		if got := params.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	minimal := ErrAccessDenied("").Parameters()
	if len(minimal) != 1 {
		t.Errorf("empty fields should be omitted, got %v", minimal)
	}
}

func TestError_Response(t *testing.T) {
	resp := ErrInvalidClient("No Client Authentication Method detected").
		WithHeader("WWW-Authenticate", `Basic realm="token"`).
		Response()

	if resp.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", resp.Status)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := resp.Header.Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma = %q, want no-cache", got)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("error headers were not copied")
	}

	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["error"] != "invalid_client" || body["error_description"] != "No Client Authentication Method detected" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["state"]; ok {
		t.Error("empty state should be omitted")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}

	oauthErr := ErrInvalidRequest("missing grant_type")
	if got := AsError(fmt.Errorf("wrapped: %w", oauthErr)); got != oauthErr {
		t.Errorf("AsError should unwrap taxonomy errors, got %v", got)
	}

	cause := errors.New("connection refused")
	got := AsError(cause)
	if got.Kind != KindServerError {
		t.Errorf("Kind = %s, want server_error", got.Kind)
	}
	if got.Description != "connection refused" {
		t.Errorf("Description = %q", got.Description)
	}
	if !errors.Is(got, cause) {
		t.Error("server_error should wrap its cause")
	}
}
