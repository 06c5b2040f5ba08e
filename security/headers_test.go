package security

import (
	"net/http"
	"strings"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{
			name:     "HTTPS issuer",
			issuer:   "https://example.com",
			wantHSTS: true,
		},
		{
			name:     "HTTP issuer",
			issuer:   "http://example.com",
			wantHSTS: false,
		},
		{
			name:     "invalid URL",
			issuer:   "://invalid",
			wantHSTS: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			SetSecurityHeaders(h, tt.issuer)

			want := map[string]string{
				"X-Frame-Options":         "DENY",
				"X-Content-Type-Options":  "nosniff",
				"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
				"Referrer-Policy":         "no-referrer",
			}
			for name, value := range want {
				if got := h.Get(name); got != value {
					t.Errorf("%s = %q, want %q", name, got, value)
				}
			}

			hsts := h.Get("Strict-Transport-Security")
			if tt.wantHSTS && hsts != "max-age=31536000; includeSubDomains" {
				t.Errorf("Strict-Transport-Security = %q, want HSTS", hsts)
			}
			if !tt.wantHSTS && hsts != "" {
				t.Errorf("Strict-Transport-Security = %q, want none", hsts)
			}
		})
	}
}

func TestSetSecurityHeaders_KeepsExistingCSP(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Security-Policy", "script-src 'nonce-abc'")
	SetSecurityHeaders(h, "https://example.com")

	if got := h.Get("Content-Security-Policy"); got != "script-src 'nonce-abc'" {
		t.Errorf("Content-Security-Policy = %q, want the existing policy", got)
	}
}

func TestSetFormPostSecurityHeaders(t *testing.T) {
	tests := []struct {
		name           string
		action         string
		wantFormAction string
	}{
		{name: "https redirect", action: "https://client.example.com/cb?x=1", wantFormAction: "form-action https://client.example.com"},
		{name: "loopback redirect", action: "http://127.0.0.1:8080/cb", wantFormAction: "form-action http://127.0.0.1:8080"},
		{name: "custom scheme", action: "com.example.app:/cb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			SetFormPostSecurityHeaders(h, "n0nce", tt.action)

			csp := h.Get("Content-Security-Policy")
			if !strings.Contains(csp, "script-src 'nonce-n0nce'") {
				t.Errorf("CSP %q does not allow the nonce", csp)
			}
			if tt.wantFormAction != "" && !strings.Contains(csp, tt.wantFormAction) {
				t.Errorf("CSP %q missing %q", csp, tt.wantFormAction)
			}
			if tt.wantFormAction == "" && strings.Contains(csp, "form-action") {
				t.Errorf("CSP %q must not restrict form-action for non-http schemes", csp)
			}
			if got := h.Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
		})
	}
}
