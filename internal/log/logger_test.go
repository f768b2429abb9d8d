// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func captureBase(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test", Version: "v0"})
	t.Cleanup(func() { Configure(Config{}) })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestContextIDs(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		id   string
		want string
	}{
		{name: "nil context", ctx: nil, id: "req-1", want: "req-1"},
		{name: "background context", ctx: context.Background(), id: "req-2", want: "req-2"},
		{name: "empty id", ctx: context.Background(), id: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.id)
			assert.Equal(t, tt.want, RequestIDFromContext(ctx))

			ctx = ContextWithCorrelationID(tt.ctx, tt.id)
			assert.Equal(t, tt.want, CorrelationIDFromContext(ctx))
		})
	}
}

func TestRequestIDFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestIDKey, 123)
	assert.Equal(t, "", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(nil)) //nolint:staticcheck // nil context is handled
}

func TestWithComponent_AddsServiceAndComponent(t *testing.T) {
	buf := captureBase(t)

	l := WithComponent("healthpoll")
	l.Info().Str(FieldEvent, "poll.ok").Msg("hello")

	entry := decodeLine(t, buf)
	assert.Equal(t, "healthpoll", entry["component"])
	assert.Equal(t, "test", entry["service"])
	assert.Equal(t, "v0", entry["version"])
	assert.Equal(t, "poll.ok", entry["event"])
}

func TestWithContext_AddsCorrelationAndTrace(t *testing.T) {
	buf := captureBase(t)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = ContextWithRequestID(ctx, "req-9")

	l := WithComponentFromContext(ctx, "api")
	l.Info().Msg("traced")

	entry := decodeLine(t, buf)
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestWithContext_EmptyContextReturnsSameLogger(t *testing.T) {
	base := zerolog.Nop()
	got := WithContext(context.Background(), base)
	assert.Equal(t, base.GetLevel(), got.GetLevel())
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("warn")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	SetLevel("not-a-level")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestDerive(t *testing.T) {
	buf := captureBase(t)

	l := Derive(func(c *zerolog.Context) {
		*c = c.Str(FieldDashboardID, "dash-1")
	})
	l.Info().Msg("derived")

	assert.Equal(t, "dash-1", decodeLine(t, buf)["dashboard_id"])
	assert.NotNil(t, Derive(nil))
}
