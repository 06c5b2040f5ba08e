package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, recorder
}

func attributeValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRecordError(t *testing.T) {
	tp, recorder := newRecordingTracer(t)
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "boom" {
		t.Errorf("status = %+v, want error boom", ended[0].Status())
	}
}

func TestSpanStatusHelpers(t *testing.T) {
	tp, recorder := newRecordingTracer(t)

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	SetSpanSuccess(ok)
	ok.End()

	_, failed := tp.Tracer("test").Start(context.Background(), "failed")
	SetSpanError(failed, "denied")
	failed.End()

	ended := recorder.Ended()
	if ended[0].Status().Code != codes.Ok {
		t.Errorf("ok span status = %v", ended[0].Status().Code)
	}
	if ended[1].Status().Code != codes.Error {
		t.Errorf("failed span status = %v", ended[1].Status().Code)
	}
}

func TestAttributeHelpers(t *testing.T) {
	tp, recorder := newRecordingTracer(t)
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	AddOAuthFlowAttributes(span, "client-1", "", "openid profile")
	AddAuthorizationAttributes(span, "code id_token", "form_post")
	AddGrantAttributes(span, "authorization_code", "private_key_jwt")
	AddOAuthErrorAttributes(span, "invalid_grant", "The authorization code has expired.")
	AddPKCEAttributes(span, "S256")
	AddStorageAttributes(span, "get_client", "memory")
	AddHTTPAttributes(span, "POST", "/token", 200)
	AddSecurityAttributes(span, "")
	span.End()

	attrs := recorder.Ended()[0].Attributes()
	tests := []struct {
		key  string
		want string
	}{
		{AttrClientID, "client-1"},
		{AttrScope, "openid profile"},
		{AttrResponseType, "code id_token"},
		{AttrResponseMode, "form_post"},
		{AttrGrantType, "authorization_code"},
		{AttrAuthMethod, "private_key_jwt"},
		{AttrError, "invalid_grant"},
		{AttrPKCEMethod, "S256"},
		{AttrStorageOperation, "get_client"},
		{AttrHTTPEndpoint, "/token"},
	}
	for _, tt := range tests {
		got, ok := attributeValue(attrs, tt.key)
		if !ok || got.AsString() != tt.want {
			t.Errorf("%s = %q, want %q", tt.key, got.AsString(), tt.want)
		}
	}

	if _, ok := attributeValue(attrs, AttrUserID); ok {
		t.Error("empty user id must not be recorded")
	}
	if _, ok := attributeValue(attrs, AttrClientIP); ok {
		t.Error("empty client ip must not be recorded")
	}
}

func TestHelpers_NilSpan(t *testing.T) {
	RecordError(nil, errors.New("ignored"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "ignored")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c", "u", "s")
	AddGrantAttributes(nil, "g", "m")
}
