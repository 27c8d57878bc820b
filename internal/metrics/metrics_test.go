package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentCountsByStatusClass(t *testing.T) {
	h := Instrument("get_thing", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("get_thing", "4xx"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("get_thing", "4xx"))

	if after-before != 1 {
		t.Fatalf("4xx count delta = %v, want 1", after-before)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	SetBuildInfo("test")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `rgs_build_info{version="test"} 1`) {
		t.Fatalf("build info missing from output")
	}
}
