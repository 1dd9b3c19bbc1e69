package telemetry

import (
	"context"
	"testing"
)

func TestInitTraceProviderDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatal(err)
	}
	if shutdown == nil {
		t.Fatal("shutdown func must not be nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSpanHelpersNoopWithoutProvider(t *testing.T) {
	ctx, span := StartRouteSpan(context.Background(), "req-1", "TEXT")
	EndRouteSpan(span, "AI", "router", 0.5, "fallback")

	_, dspan := StartDispatchSpan(ctx, "AI", "router")
	EndDispatchSpan(dspan, 200, "success")

	_, wspan := StartWebhookSpan(ctx, "github")
	wspan.End()
}
