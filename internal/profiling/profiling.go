// Package profiling serves pprof and runtime statistics on a separate debug
// listener and watches the goroutine count of the running service.
package profiling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
)

const (
	DefaultAddress            = "localhost:6060"
	DefaultGoroutineThreshold = 10000
	DefaultCheckInterval      = 30 * time.Second
)

// Config holds profiling configuration
type Config struct {
	Enabled            bool          `yaml:"enabled"`
	Address            string        `yaml:"address,omitempty"`
	BlockProfile       bool          `yaml:"block_profile,omitempty"`
	MutexProfile       bool          `yaml:"mutex_profile,omitempty"`
	GoroutineThreshold int           `yaml:"goroutine_threshold,omitempty"`
	CheckInterval      time.Duration `yaml:"check_interval,omitempty"`
}

// StatFunc reports one service-level gauge for /debug/stats
type StatFunc func() int

// Profiler runs the debug listener
type Profiler struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	stats    map[string]StatFunc
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a profiler. Zero config fields take defaults.
func New(config Config, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.GoroutineThreshold <= 0 {
		config.GoroutineThreshold = DefaultGoroutineThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
		stats:  make(map[string]StatFunc),
	}
}

// AddStat registers a gauge included in /debug/stats
func (p *Profiler) AddStat(name string, fn StatFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[name] = fn
}

// Handler returns the debug routes: pprof and expvar under /debug, plus
// /debug/stats and /debug/gc.
func (p *Profiler) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/debug/stats", p.statsHandler)
	r.Post("/debug/gc", p.gcHandler)
	r.Mount("/debug", middleware.Profiler())
	return r
}

// Name implements the shutdown component interface
func (p *Profiler) Name() string {
	return "profiling"
}

// Addr returns the bound listener address, or the configured one before Start
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return p.config.Address
}

// Start opens the debug listener and the goroutine watch. It is a no-op
// when profiling is disabled.
func (p *Profiler) Start() error {
	if !p.config.Enabled {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return errors.New("profiler already started")
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.Address, err)
	}
	p.listener = ln
	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Profiling server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.watchGoroutines(ctx)

	p.logger.Info().Str("address", ln.Addr().String()).Msg("Profiling server started")
	return nil
}

// Stop shuts the debug listener down
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	server, cancel, done := p.server, p.cancel, p.done
	p.server, p.cancel = nil, nil
	p.mu.Unlock()

	if server == nil {
		return nil
	}
	cancel()
	<-done

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(0)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(0)
	}
	return server.Shutdown(ctx)
}

func (p *Profiler) watchGoroutines(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := runtime.NumGoroutine()
			if count > p.config.GoroutineThreshold {
				p.logger.Warn().
					Int("goroutines", count).
					Int("threshold", p.config.GoroutineThreshold).
					Msg("High goroutine count detected")
			}
		}
	}
}

// RuntimeStats is the body of /debug/stats
type RuntimeStats struct {
	Goroutines   int            `json:"goroutines"`
	GOMAXPROCS   int            `json:"gomaxprocs"`
	HeapAllocMB  uint64         `json:"heap_alloc_mb"`
	HeapInuseMB  uint64         `json:"heap_inuse_mb"`
	SysMB        uint64         `json:"sys_mb"`
	NumGC        uint32         `json:"num_gc"`
	PauseTotalMs uint64         `json:"pause_total_ms"`
	LastGC       *time.Time     `json:"last_gc,omitempty"`
	Service      map[string]int `json:"service,omitempty"`
}

// Snapshot collects runtime statistics and the registered service gauges
func (p *Profiler) Snapshot() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := RuntimeStats{
		Goroutines:   runtime.NumGoroutine(),
		GOMAXPROCS:   runtime.GOMAXPROCS(0),
		HeapAllocMB:  m.HeapAlloc / 1024 / 1024,
		HeapInuseMB:  m.HeapInuse / 1024 / 1024,
		SysMB:        m.Sys / 1024 / 1024,
		NumGC:        m.NumGC,
		PauseTotalMs: m.PauseTotalNs / uint64(time.Millisecond),
	}
	if m.NumGC > 0 {
		last := time.Unix(0, int64(m.LastGC)).UTC()
		s.LastGC = &last
	}

	p.mu.Lock()
	fns := make(map[string]StatFunc, len(p.stats))
	for name, fn := range p.stats {
		fns[name] = fn
	}
	p.mu.Unlock()

	if len(fns) > 0 {
		s.Service = make(map[string]int, len(fns))
		for name, fn := range fns {
			s.Service[name] = fn()
		}
	}
	return s
}

func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p.Snapshot())
}

func (p *Profiler) gcHandler(w http.ResponseWriter, r *http.Request) {
	before := GetMemoryStats().HeapAlloc
	runtime.GC()
	after := GetMemoryStats().HeapAlloc

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]uint64{
		"heap_before_bytes": before,
		"heap_after_bytes":  after,
	})
}

// GetMemoryStats returns current memory statistics
func GetMemoryStats() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}
