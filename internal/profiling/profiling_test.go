package profiling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	p := New(Config{Enabled: true}, nil)

	if p.config.Address != DefaultAddress {
		t.Errorf("Expected address %s, got %s", DefaultAddress, p.config.Address)
	}
	if p.config.GoroutineThreshold != DefaultGoroutineThreshold {
		t.Errorf("Expected goroutine threshold %d, got %d", DefaultGoroutineThreshold, p.config.GoroutineThreshold)
	}
	if p.config.CheckInterval != DefaultCheckInterval {
		t.Errorf("Expected check interval %v, got %v", DefaultCheckInterval, p.config.CheckInterval)
	}
}

func TestStartStop(t *testing.T) {
	p := New(Config{
		Enabled:       true,
		Address:       "127.0.0.1:0",
		BlockProfile:  true,
		MutexProfile:  true,
		CheckInterval: 10 * time.Millisecond,
	}, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Failed to start profiler: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("Expected error when starting twice")
	}

	resp, err := http.Get("http://" + p.Addr() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("Failed to reach pprof index: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop profiler: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Expected second stop to be a no-op, got %v", err)
	}
}

func TestDisabledProfiler(t *testing.T) {
	p := New(Config{Enabled: false, Address: "127.0.0.1:0"}, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Failed to start disabled profiler: %v", err)
	}
	if p.server != nil {
		t.Error("Expected no listener when disabled")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Failed to stop disabled profiler: %v", err)
	}
}

func TestStatsHandler(t *testing.T) {
	p := New(Config{}, nil)
	p.AddStat("monitors", func() int { return 3 })
	p.AddStat("dead_letters", func() int { return 7 })

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var stats RuntimeStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Goroutines <= 0 {
		t.Errorf("Expected goroutine count, got %d", stats.Goroutines)
	}
	if stats.GOMAXPROCS != runtime.GOMAXPROCS(0) {
		t.Errorf("Expected GOMAXPROCS %d, got %d", runtime.GOMAXPROCS(0), stats.GOMAXPROCS)
	}
	if stats.Service["monitors"] != 3 || stats.Service["dead_letters"] != 7 {
		t.Errorf("Unexpected service stats: %v", stats.Service)
	}
}

func TestGCHandler(t *testing.T) {
	p := New(Config{}, nil)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/gc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := body["heap_after_bytes"]; !ok {
		t.Errorf("Expected heap_after_bytes in %v", body)
	}
}

func TestGetMemoryStats(t *testing.T) {
	if m := GetMemoryStats(); m.Sys == 0 {
		t.Error("Expected non-zero Sys memory")
	}
}
