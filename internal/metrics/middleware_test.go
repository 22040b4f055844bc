package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "202"))

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "202"))-before)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareDefaultsStatusOK(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))-before)
}
