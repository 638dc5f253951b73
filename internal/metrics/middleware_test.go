package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok := httpRequestsTotal.WithLabelValues("GET", "200")
	missing := httpRequestsTotal.WithLabelValues("GET", "404")
	okBefore := testutil.ToFloat64(ok)
	missingBefore := testutil.ToFloat64(missing)

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/test", "/notfound"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}

	if val := testutil.ToFloat64(ok) - okBefore; val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET /test to grow by 1, got %f", val)
	}
	if val := testutil.ToFloat64(missing) - missingBefore; val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET /notfound to grow by 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("Expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}
