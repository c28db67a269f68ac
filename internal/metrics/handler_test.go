package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// scrape はハンドラーへ GET /metrics を投げ、200を確認してボディを返す。
func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(body)
}

// TestSetupMetricsRoute_ServesMetricsPath は/metricsでスクレイプ可能なことを検証する。
func TestSetupMetricsRoute_ServesMetricsPath(t *testing.T) {
	reg, c := newTestCollector(t)
	c.RecordPollSuccess("test-source")

	body := scrape(t, SetupMetricsRoute(reg))
	if !strings.Contains(body, "autopress_poll_success_total") {
		t.Error("response should contain autopress_poll_success_total metric")
	}
}

// TestSetupMetricsRoute_UnknownPath は/metrics以外のパスが404になることを検証する。
func TestSetupMetricsRoute_UnknownPath(t *testing.T) {
	reg, _ := newTestCollector(t)

	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	w := httptest.NewRecorder()
	SetupMetricsRoute(reg).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
