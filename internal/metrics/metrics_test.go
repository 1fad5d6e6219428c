package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"solar-microgrid-monitor/internal/models"
)

func TestObserveVerdicts(t *testing.T) {
	scored := testutil.ToFloat64(RecordsScored)
	errs := testutil.ToFloat64(RecordErrors)
	high := testutil.ToFloat64(Anomalies.WithLabelValues("High"))

	ObserveVerdicts([]models.Verdict{
		{Severity: models.SeverityNone, Score: 0.01},
		{IsAnomaly: true, Severity: models.SeverityHigh, Score: 2},
		{Err: "bad"},
	})

	assert.Equal(t, scored+2, testutil.ToFloat64(RecordsScored))
	assert.Equal(t, errs+1, testutil.ToFloat64(RecordErrors))
	assert.Equal(t, high+1, testutil.ToFloat64(Anomalies.WithLabelValues("High")))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware)
	r.HandleFunc("/api/v1/forecast/{kind}/tomorrow", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/forecast/{kind}/tomorrow", "418"))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/forecast/solar/tomorrow", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/forecast/{kind}/tomorrow", "418")))
}
