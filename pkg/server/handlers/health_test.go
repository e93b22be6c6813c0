package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/tempora/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// serve runs h for a GET request to target through a test router.
func serve(pattern, target string, h gin.HandlerFunc) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET(pattern, h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response
}

// stubAdmin reports err from Ping.
type stubAdmin struct{ err error }

func (s stubAdmin) Ping(ctx context.Context) error { return s.err }
func (s stubAdmin) Close() error                   { return nil }
func (s stubAdmin) Now() time.Time                 { return time.Now() }

func TestHealthCheck(t *testing.T) {
	w := serve("/health", "/health", NewHealthHandler(nil).HealthCheck)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	response := decode(t, w)
	if response["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", response["status"])
	}
	if response["service"] != "tempora" {
		t.Errorf("expected service tempora, got %v", response["service"])
	}
	if _, ok := response["timestamp"]; !ok {
		t.Error("expected timestamp in response")
	}
	if _, ok := response["version"]; !ok {
		t.Error("expected version in response")
	}
}

func TestLivenessCheck(t *testing.T) {
	w := serve("/live", "/live", NewHealthHandler(nil).LivenessCheck)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if response := decode(t, w); response["status"] != "alive" {
		t.Errorf("expected status alive, got %v", response["status"])
	}
}

func TestReadinessCheck(t *testing.T) {
	tests := []struct {
		name           string
		handler        *HealthHandler
		expectedStatus int
		expectedState  string
		expectedDB     string
	}{
		{"nil client", NewHealthHandler(nil), http.StatusServiceUnavailable, "not_ready", "unhealthy"},
		{"backend down", NewHealthHandler(stubAdmin{err: types.NewBackendUnavailableError("neo4j", errors.New("refused"))}), http.StatusServiceUnavailable, "not_ready", "unhealthy"},
		{"backend up", NewHealthHandler(stubAdmin{}), http.StatusOK, "ready", "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve("/ready", "/ready", tt.handler.ReadinessCheck)
			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}

			response := decode(t, w)
			if response["status"] != tt.expectedState {
				t.Errorf("expected status %s, got %v", tt.expectedState, response["status"])
			}
			checks, ok := response["checks"].(map[string]interface{})
			if !ok {
				t.Fatal("expected checks in response")
			}
			dbCheck, ok := checks["database"].(map[string]interface{})
			if !ok {
				t.Fatal("expected database check in response")
			}
			if dbCheck["status"] != tt.expectedDB {
				t.Errorf("expected database status %s, got %v", tt.expectedDB, dbCheck["status"])
			}
		})
	}
}

func TestDetailedHealthCheckWithNilClient(t *testing.T) {
	w := serve("/health/detailed", "/health/detailed", NewHealthHandler(nil).DetailedHealthCheck)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	response := decode(t, w)
	if response["status"] != "unhealthy" {
		t.Errorf("expected status unhealthy, got %v", response["status"])
	}
	if _, ok := response["build_info"]; !ok {
		t.Error("expected build_info in response")
	}
	metrics, ok := response["metrics"].(map[string]interface{})
	if !ok {
		t.Fatal("expected metrics in response")
	}
	if _, ok := metrics["response_time_ms"]; !ok {
		t.Error("expected response_time_ms in metrics")
	}
}

func TestDetailedHealthCheckHealthy(t *testing.T) {
	w := serve("/health/detailed", "/health/detailed", NewHealthHandler(stubAdmin{}).DetailedHealthCheck)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestGetSystemMetrics(t *testing.T) {
	metrics := NewHealthHandler(nil).getSystemMetrics()

	if metrics.MemoryUsage == "" {
		t.Error("expected memory_usage to be set")
	}
	if metrics.Goroutines < 1 {
		t.Errorf("expected at least 1 goroutine, got %d", metrics.Goroutines)
	}
	if metrics.StackUsage == "" {
		t.Error("expected stack_usage to be set")
	}
}
