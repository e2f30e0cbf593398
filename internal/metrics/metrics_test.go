package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/leads/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/leads/{userID}", "418"))
	req := httptest.NewRequest(http.MethodGet, "/leads/5215550000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/leads/{userID}", "418"))
	assert.Equal(t, before+1, after)
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(toolActivations.WithLabelValues("BROCHURE"))
	RecordToolActivation("BROCHURE")
	assert.Equal(t, before+1, testutil.ToFloat64(toolActivations.WithLabelValues("BROCHURE")))

	beforeTurns := testutil.ToFloat64(turnsTotal.WithLabelValues("PRIVACY_FLOW", "false"))
	RecordTurn("PRIVACY_FLOW", false, 120*time.Millisecond)
	assert.Equal(t, beforeTurns+1, testutil.ToFloat64(turnsTotal.WithLabelValues("PRIVACY_FLOW", "false")))
}
