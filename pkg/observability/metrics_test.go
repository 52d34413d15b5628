package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if metrics.TransitionsTotal == nil || metrics.CallsTotal == nil || metrics.HookDeliveriesTotal == nil {
		t.Error("expected metrics to be initialized")
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewMetrics(registry)
}

func TestMetrics_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordTransition("loaded", "initialized", false, 10*time.Millisecond)
	m.RecordTransition("initialized", "active", true, time.Millisecond)
	m.RecordCall("aws-s3", "generate", false, time.Millisecond)
	m.RecordViolation("aws-s3", "network")
	m.RecordValidation("blocked")
	m.RecordDiscovery(4, 1, time.Second)
	m.RecordCache("manifest", true)
	m.RecordCache("manifest", false)
	m.RecordMarketplace("official", "search", false, time.Millisecond)
	m.RecordHook("template_create", true, time.Millisecond)

	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("loaded", "initialized", "success")); got != 1 {
		t.Errorf("transitions success = %v", got)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("initialized", "active", "error")); got != 1 {
		t.Errorf("transitions error = %v", got)
	}
	if got := testutil.ToFloat64(m.SecurityViolationsTotal.WithLabelValues("aws-s3", "network")); got != 1 {
		t.Errorf("violations = %v", got)
	}
	if got := testutil.ToFloat64(m.DiscoveryCandidates); got != 4 {
		t.Errorf("discovery candidates = %v", got)
	}
	if got := testutil.ToFloat64(m.DiscoveryErrorsTotal); got != 1 {
		t.Errorf("discovery errors = %v", got)
	}
	if got := testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("manifest")); got != 1 {
		t.Errorf("cache misses = %v", got)
	}
	if got := testutil.ToFloat64(m.HookDeliveriesTotal.WithLabelValues("template_create", "error")); got != 1 {
		t.Errorf("hook errors = %v", got)
	}
	if got := testutil.CollectAndCount(m.CallDuration); got != 1 {
		t.Errorf("call duration series = %d", got)
	}
}

func TestMetrics_SetStateCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetStateCounts(map[string]int{"active": 2, "failed": 1})
	m.SetStateCounts(map[string]int{"active": 3})

	if got := testutil.ToFloat64(m.PluginsByState.WithLabelValues("active")); got != 3 {
		t.Errorf("active = %v", got)
	}
	// Reset drops states no longer reported
	if got := testutil.CollectAndCount(m.PluginsByState); got != 1 {
		t.Errorf("expected one state series, got %d", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransition("a", "b", false, 0)
	m.RecordCall("p", "m", false, 0)
	m.RecordViolation("p", "op")
	m.RecordValidation("passed")
	m.RecordDiscovery(0, 0, 0)
	m.RecordCache("c", true)
	m.RecordMarketplace("r", "o", false, 0)
	m.RecordHook("e", false, 0)
	m.SetStateCounts(nil)
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordViolation("aws-s3", "network")

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hangar_sandbox_violations_total") {
		t.Error("expected violations metric in output")
	}
}
