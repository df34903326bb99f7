package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	h := Logger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("insufficient balance"))
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/round/deposit", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["method"] != http.MethodPost {
		t.Fatalf("method = %v", fields["method"])
	}
	if fields["uri"] != "/api/round/deposit" {
		t.Fatalf("uri = %v", fields["uri"])
	}
	if fields["status"] != int64(http.StatusPaymentRequired) {
		t.Fatalf("status = %v", fields["status"])
	}
	if fields["size"] != int64(len("insufficient balance")) {
		t.Fatalf("size = %v", fields["size"])
	}
}
