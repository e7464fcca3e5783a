package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSetupMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordPublish(OutcomeRetried)
	c.RecordSchedulerCycle(3, 1)

	h := SetupMetricsRoute(reg)

	t.Run("/metricsはテキスト形式で公開する", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		body := w.Body.String()
		for _, want := range []string{
			`birdbrain_publish_total{outcome="retried_success"} 1`,
			"birdbrain_scheduler_owners 3",
		} {
			if !strings.Contains(body, want) {
				t.Errorf("body should contain %q", want)
			}
		}
	})

	t.Run("他のパスは404", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics/extra", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}
