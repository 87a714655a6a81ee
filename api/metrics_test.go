package api

import (
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestRequestMetricsEmitsObservedPhases(t *testing.T) {
	logger, logs := logtest.NewNullLogger()
	m := newRequestMetrics(logger, "POST /api/deliveries")
	m.ObserveAuth(2 * time.Millisecond)
	m.ObserveLoad(3 * time.Millisecond)
	m.ObserveSave(4 * time.Millisecond)
	m.SetRetries(1)
	m.Log(200, nil)

	entry := logs.LastEntry()
	if entry == nil {
		t.Fatal("no log entry")
	}
	want := map[string]float64{"auth_ms": 2, "load_ms": 3, "save_ms": 4}
	for field, millis := range want {
		got, ok := entry.Data[field].(float64)
		if !ok || got != millis {
			t.Fatalf("%s = %v, want %v", field, entry.Data[field], millis)
		}
	}
	if entry.Data["retries"] != 1 {
		t.Fatalf("retries = %v, want 1", entry.Data["retries"])
	}
}

func TestRequestMetricsOmitsUnobservedPhases(t *testing.T) {
	logger, logs := logtest.NewNullLogger()
	m := newRequestMetrics(logger, "GET /healthz")
	m.Log(200, nil)

	entry := logs.LastEntry()
	if entry == nil {
		t.Fatal("no log entry")
	}
	for _, field := range []string{"auth_ms", "load_ms", "save_ms", "retries", "error_stage"} {
		if _, ok := entry.Data[field]; ok {
			t.Fatalf("unexpected field %s: %v", field, entry.Data)
		}
	}
	if _, ok := entry.Data["total_ms"]; !ok {
		t.Fatalf("total_ms missing: %v", entry.Data)
	}
}
