package obshttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"plotchain/core"
)

func newTestRecordKeeper(t *testing.T) *core.RecordKeeper {
	t.Helper()
	store, err := core.OpenBoltKVStore(filepath.Join(t.TempDir(), "rk.db"))
	if err != nil {
		t.Fatalf("OpenBoltKVStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	key, err := core.GenerateValidatorKey()
	if err != nil {
		t.Fatalf("GenerateValidatorKey: %v", err)
	}
	if err := store.Put(core.KeyValidatorKey(key.KeyHash()), key.PublicKeyDER().Bytes()); err != nil {
		t.Fatalf("seed validator: %v", err)
	}
	rk, err := core.NewRecordKeeper(core.RecordKeeperParams{Store: store, AdminKeyID: key.KeyHash()})
	if err != nil {
		t.Fatalf("NewRecordKeeper: %v", err)
	}
	return rk
}

func TestHandleHealthzReportsHead(t *testing.T) {
	rk := newTestRecordKeeper(t)
	srv := NewServer(":0", rk, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var res map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", res)
	}
}

func TestHandleMetricsJSONWithoutCollectorIsUnavailable(t *testing.T) {
	rk := newTestRecordKeeper(t)
	srv := NewServer(":0", rk, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics-json", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a metrics collector, got %d", rr.Code)
	}
}

func TestHandleMetricsJSONReturnsSnapshot(t *testing.T) {
	rk := newTestRecordKeeper(t)
	metrics := core.NewMetricsCollector(rk, nil)
	srv := NewServer(":0", rk, metrics, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics-json", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap core.Metrics
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, height := rk.CurrentHead()
	if snap.Height != height {
		t.Fatalf("expected metrics-json to mirror CurrentHead height, got %+v", snap)
	}
}

func TestHandlePrometheusMetricsRegistered(t *testing.T) {
	rk := newTestRecordKeeper(t)
	metrics := core.NewMetricsCollector(rk, nil)
	srv := NewServer(":0", rk, metrics, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
