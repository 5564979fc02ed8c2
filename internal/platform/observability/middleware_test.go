package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/buildkart/api/internal/platform/requestctx"
)

func TestRequestLoggerRecordsRouteAndStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)), TraceMiddleware("bk-dev"), RequestLoggerMiddleware())
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/o1", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if !strings.HasPrefix(rec.Header().Get(cloudTraceHeader), "105445aa7843bc8bf206b12000100000/") {
		t.Fatalf("expected trace id to be continued, got %q", rec.Header().Get(cloudTraceHeader))
	}
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/orders/{orderID}" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
	if fields["status"] != int64(404) {
		t.Fatalf("unexpected status %v", fields["status"])
	}
	if fields["trace_id"] != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %v", fields["trace_id"])
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 4xx, got %s", entries[0].Level)
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	handler := RecoveryMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	log := NewEventLogger(zap.New(baseCore), "cart")

	log(context.Background(), "cart.command.applied", map[string]any{"command": "add_item"})
	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	log(ctx, "cart.save.failed", nil)

	if baseLogs.Len() != 1 || reqLogs.Len() != 1 {
		t.Fatalf("expected one entry per logger, got %d/%d", baseLogs.Len(), reqLogs.Len())
	}
	if baseLogs.All()[0].ContextMap()["command"] != "add_item" {
		t.Fatalf("expected fields to be forwarded")
	}
	if reqLogs.All()[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected failed events at warn level")
	}
}
