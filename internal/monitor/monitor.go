// Package monitor owns the per-tenant, per-service log monitors: it probes
// log directories, schedules poll ticks and feeds new log lines through the
// classifiers into the notifier.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/paths"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/provider"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

var (
	ErrAlreadyMonitoring = errors.New("already monitoring this service")
	ErrNotMonitoring     = errors.New("no active monitoring for this service")
	ErrNoCredentials     = errors.New("no credentials configured for tenant")
	ErrNoReachablePath   = errors.New("no reachable log path")
	ErrTickInProgress    = errors.New("a check is already running for this service")
	ErrClosed            = errors.New("monitor manager is shut down")
)

// Dispatcher routes classified events to their feeds
type Dispatcher interface {
	DispatchBatch(ctx context.Context, tenant types.TenantContext, events []types.Event) output.DispatchResult
}

// Registry persists active monitors so they survive a restart
type Registry interface {
	SaveMonitor(reg types.MonitorRegistration) error
	DeleteMonitor(tenantID, serviceID string) error
	ListMonitors() ([]types.MonitorRegistration, error)
}

// Config holds monitor policy
type Config struct {
	Interval         time.Duration
	MinInterval      time.Duration
	CallTimeout      time.Duration
	ProbeConcurrency int
	// Extensions lists the monitored log extensions, primary first
	Extensions    []string
	FromBeginning bool
	Game          string
	Platform      string
	Profiles      []paths.Profile
	PathRoots     []string
}

// DefaultConfig returns the default monitor policy
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		MinInterval:      10 * time.Second,
		CallTimeout:      10 * time.Second,
		ProbeConcurrency: 3,
		Extensions:       []string{".ADM", ".RPT"},
		Profiles:         paths.DefaultProfiles(),
		PathRoots:        []string{"/games"},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = d.ProbeConcurrency
	}
	if len(c.Extensions) == 0 {
		c.Extensions = d.Extensions
	}
	if len(c.Profiles) == 0 {
		c.Profiles = d.Profiles
	}
}

// StartOptions overrides the configured policy for one monitor
type StartOptions struct {
	Interval      time.Duration `json:"interval,omitempty"`
	Paths         []string      `json:"paths,omitempty"`
	Game          string        `json:"game,omitempty"`
	Platform      string        `json:"platform,omitempty"`
	FromBeginning bool          `json:"from_beginning,omitempty"`
}

// StartResult describes a started monitor
type StartResult struct {
	Paths      []string                    `json:"paths"`
	Interval   time.Duration               `json:"interval"`
	Game       string                      `json:"game"`
	Platform   string                      `json:"platform"`
	Confidence float64                     `json:"confidence"`
	Baselined  int                         `json:"baselined"`
	Unreached  []string                    `json:"unreached,omitempty"`
	Sanitized  []paths.SanitizedIdentifier `json:"sanitized,omitempty"`
}

// StopResult describes the outcome of a stop request
type StopResult struct {
	Stopped      bool   `json:"stopped"`
	Message      string `json:"message"`
	FilesDropped int    `json:"files_dropped"`
}

// Option configures a Manager
type Option func(*Manager)

// WithRegistry persists monitor registrations
func WithRegistry(r Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithScheduler runs ticks on s instead of a scheduler owned by the manager
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(m *Manager) { m.scheduler = s; m.ownsScheduler = false }
}

// WithSystemClassifier enables service log monitoring
func WithSystemClassifier(c *parser.SystemClassifier) Option {
	return func(m *Manager) { m.system = c }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option {
	return func(m *Manager) { m.tracer = p }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type monitorKey struct {
	tenantID  string
	serviceID string
}

// Manager owns every active monitor of the process
type Manager struct {
	config     Config
	creds      types.CredentialResolver
	api        provider.RemoteFileAPI
	tracker    *checkpoint.Tracker
	dispatcher Dispatcher
	resolver   *paths.Resolver

	registry      Registry
	scheduler     *scheduler.Scheduler
	ownsScheduler bool
	system        *parser.SystemClassifier
	logger        *logging.Logger
	metrics       *metrics.Collector
	tracer        *tracing.Provider
	now           func() time.Time

	mu       sync.Mutex
	monitors map[monitorKey]*monitor
	// draining holds stopped monitors whose last tick is still running
	draining map[monitorKey]*monitor
	closed   bool
}

// NewManager creates a manager. Ticks do not run until Start is called for a service.
func NewManager(config Config, creds types.CredentialResolver, api provider.RemoteFileAPI, tracker *checkpoint.Tracker, dispatcher Dispatcher, opts ...Option) (*Manager, error) {
	if creds == nil || api == nil || tracker == nil || dispatcher == nil {
		return nil, errors.New("credentials, file api, tracker and dispatcher are required")
	}
	config.applyDefaults()

	m := &Manager{
		config:        config,
		creds:         creds,
		api:           api,
		tracker:       tracker,
		dispatcher:    dispatcher,
		resolver:      paths.NewResolver(config.PathRoots...),
		ownsScheduler: true,
		logger:        logging.Nop(),
		tracer:        tracing.Noop(),
		now:           time.Now,
		monitors:      make(map[monitorKey]*monitor),
		draining:      make(map[monitorKey]*monitor),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("monitor")
	if m.scheduler == nil {
		m.scheduler = scheduler.New(m.logger)
		m.ownsScheduler = true
	}
	m.scheduler.Start()
	return m, nil
}

// Start begins monitoring a tenant's service. It fails without side effects
// when the tenant has no credentials or none of the candidate paths lists a
// recognizable log file.
func (m *Manager) Start(ctx context.Context, tenantID, serviceID string, opts StartOptions) (StartResult, error) {
	if tenantID == "" || serviceID == "" {
		return StartResult{}, errors.New("tenant id and service id are required")
	}
	key := monitorKey{tenantID: tenantID, serviceID: serviceID}

	mon := &monitor{
		tenantID:  tenantID,
		serviceID: serviceID,
		logger:    m.logger.WithTenant(tenantID, serviceID),
	}
	mon.setState(StateStarting)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StartResult{}, ErrClosed
	}
	if _, exists := m.monitors[key]; exists {
		m.mu.Unlock()
		return StartResult{}, fmt.Errorf("%w: %s/%s", ErrAlreadyMonitoring, tenantID, serviceID)
	}
	if _, exists := m.draining[key]; exists {
		m.mu.Unlock()
		return StartResult{}, fmt.Errorf("%w: %s/%s is still draining its last tick", ErrAlreadyMonitoring, tenantID, serviceID)
	}
	m.monitors[key] = mon
	m.mu.Unlock()

	result, err := m.start(ctx, mon, opts)
	if err != nil {
		m.mu.Lock()
		delete(m.monitors, key)
		m.mu.Unlock()
		mon.logger.Warn().Err(err).Msg("Failed to start monitoring")
		return StartResult{}, err
	}

	m.updateActiveGauge()
	mon.logger.Info().
		Strs("paths", result.Paths).
		Dur("interval", result.Interval).
		Str("game", result.Game).
		Str("platform", result.Platform).
		Int("baselined", result.Baselined).
		Msg("Started monitoring")
	return result, nil
}

func (m *Manager) start(ctx context.Context, mon *monitor, opts StartOptions) (StartResult, error) {
	creds, err := m.creds.GetCredentials(ctx, mon.tenantID)
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to resolve credentials: %w", err)
	}
	if creds == nil || creds.APIToken == "" {
		return StartResult{}, fmt.Errorf("%w: %s", ErrNoCredentials, mon.tenantID)
	}
	scoped := *creds
	scoped.ServiceID = mon.serviceID
	mon.creds = &scoped

	game := firstNonEmpty(opts.Game, m.config.Game)
	platform := firstNonEmpty(opts.Platform, m.config.Platform)

	templates := opts.Paths
	if len(templates) == 0 {
		templates = m.templatesFor(game, platform)
	}
	resolution, err := m.resolver.Resolve(templates, mon.serviceID, scoped.UserID)
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to resolve log paths: %w", err)
	}
	for _, s := range resolution.Sanitized {
		mon.logger.Warn().Str("field", s.Field).Str("original", s.Original).Str("clean", s.Clean).Msg("Sanitized identifier")
	}
	if len(resolution.Paths) == 0 {
		return StartResult{}, fmt.Errorf("%w: no candidate path resolved", ErrNoReachablePath)
	}

	probes := m.probe(ctx, mon, resolution.Paths)
	var (
		reachable []string
		unreached []string
		listing   []types.FileEntry
		failures  []string
	)
	for _, p := range probes {
		switch {
		case p.err != nil:
			unreached = append(unreached, p.dir)
			failures = append(failures, fmt.Sprintf("%s: %v", p.dir, p.err))
		case len(p.logs) == 0:
			unreached = append(unreached, p.dir)
			failures = append(failures, fmt.Sprintf("%s: no log files", p.dir))
		default:
			reachable = append(reachable, p.dir)
			listing = append(listing, p.logs...)
		}
	}
	if len(reachable) == 0 {
		return StartResult{}, fmt.Errorf("%w: %s", ErrNoReachablePath, strings.Join(failures, "; "))
	}

	result := StartResult{
		Paths:     reachable,
		Unreached: unreached,
		Sanitized: resolution.Sanitized,
		Game:      game,
		Platform:  platform,
	}
	if game == "" {
		detection := paths.DetectGame(listing, paths.Hint{Platform: platform}, m.config.Profiles)
		result.Game = detection.Game
		result.Platform = detection.Platform
		result.Confidence = detection.Confidence
	} else {
		if result.Platform == "" {
			result.Platform = paths.PlatformDefault
		}
		result.Confidence = 1
	}

	fromBeginning := opts.FromBeginning || m.config.FromBeginning
	if !fromBeginning {
		for _, p := range probes {
			if p.err != nil {
				continue
			}
			for _, entry := range m.newestPerExtension(p.logs) {
				if m.tracker.Baseline(mon.fileKey(p.dir, entry.Name), entry.Size, entry.ModifiedAt) {
					result.Baselined++
				}
			}
		}
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = m.config.Interval
	}
	if interval < m.config.MinInterval {
		interval = m.config.MinInterval
	}
	result.Interval = interval

	mon.paths = reachable
	mon.interval = interval
	mon.game = result.Game
	mon.platform = result.Platform
	mon.classifier = parser.NewLineClassifier(result.Game)
	mon.startedAt = m.now()
	if !fromBeginning {
		mon.logWatermark = mon.startedAt
	}

	task, err := m.scheduler.Every(mon.name(), interval, func(ctx context.Context) {
		if _, err := m.tick(ctx, mon, false); err != nil && !errors.Is(err, ErrTickInProgress) {
			mon.logger.Debug().Err(err).Msg("Skipped tick")
		}
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to schedule polling: %w", err)
	}
	mon.task = task
	mon.setState(StateActive)

	if m.registry != nil {
		reg := types.MonitorRegistration{
			TenantID:      mon.tenantID,
			ServiceID:     mon.serviceID,
			Interval:      interval,
			Game:          opts.Game,
			Platform:      opts.Platform,
			FromBeginning: opts.FromBeginning,
			StartedAt:     mon.startedAt,
		}
		if err := m.registry.SaveMonitor(reg); err != nil {
			mon.logger.Warn().Err(err).Msg("Failed to persist monitor registration")
		}
	}
	return result, nil
}

func (m *Manager) templatesFor(game, platform string) []string {
	if game != "" && platform != "" {
		if p, ok := paths.Find(m.config.Profiles, game, platform); ok {
			return p.PathTemplates
		}
	}
	if game != "" {
		var matching []paths.Profile
		for _, p := range m.config.Profiles {
			if p.Game == game {
				matching = append(matching, p)
			}
		}
		if len(matching) > 0 {
			return paths.AllTemplates(matching)
		}
	}
	return paths.AllTemplates(m.config.Profiles)
}

type probeResult struct {
	dir  string
	logs []types.FileEntry
	err  error
}

// probe lists every candidate directory with bounded concurrency
func (m *Manager) probe(ctx context.Context, mon *monitor, dirs []string) []probeResult {
	results := make([]probeResult, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.ProbeConcurrency)
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			entries, err := m.list(gctx, mon, dir)
			results[i] = probeResult{dir: dir, logs: m.logFiles(entries), err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// list calls the remote file API with the per-call timeout
func (m *Manager) list(ctx context.Context, mon *monitor, dir string) ([]types.FileEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	ctx, span := m.tracer.TraceUpstream(ctx, "list", dir)
	entries, err := m.api.ListFiles(ctx, mon.creds, dir)
	tracing.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return entries, nil
}

func (m *Manager) download(ctx context.Context, mon *monitor, file string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	ctx, span := m.tracer.TraceUpstream(ctx, "download", file)
	data, err := m.api.DownloadFile(ctx, mon.creds, file)
	tracing.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", file, err)
	}
	return data, nil
}

// logFiles keeps the regular files carrying a monitored extension
func (m *Manager) logFiles(entries []types.FileEntry) []types.FileEntry {
	var out []types.FileEntry
	for _, e := range entries {
		if e.IsDir || m.extension(e.Name) == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// extension returns the configured extension name carries, matched case-insensitively
func (m *Manager) extension(name string) string {
	ext := path.Ext(name)
	for _, want := range m.config.Extensions {
		if strings.EqualFold(ext, want) {
			return want
		}
	}
	return ""
}

// newestPerExtension picks the most recently modified file of each
// extension group. Ties go to the lexically greater name.
func (m *Manager) newestPerExtension(files []types.FileEntry) []types.FileEntry {
	newest := make(map[string]types.FileEntry)
	for _, f := range files {
		ext := m.extension(f.Name)
		if ext == "" {
			continue
		}
		cur, ok := newest[ext]
		if !ok || f.ModifiedAt.After(cur.ModifiedAt) || (f.ModifiedAt.Equal(cur.ModifiedAt) && f.Name > cur.Name) {
			newest[ext] = f
		}
	}
	out := make([]types.FileEntry, 0, len(newest))
	for _, ext := range m.config.Extensions {
		if f, ok := newest[ext]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Stop cancels the poll timer of a service and drops its tracked files.
// A tick already running completes and dispatches its events; until it
// returns the service cannot be started again.
func (m *Manager) Stop(tenantID, serviceID string) StopResult {
	key := monitorKey{tenantID: tenantID, serviceID: serviceID}

	m.mu.Lock()
	mon, ok := m.monitors[key]
	if !ok || mon.State() == StateStarting {
		m.mu.Unlock()
		return StopResult{Message: "no active monitoring"}
	}
	delete(m.monitors, key)
	mon.setState(StateStopping)
	mon.stopped.Store(true)
	dropped := m.tracker.Files(tenantID, serviceID)
	if mon.running.Load() {
		m.draining[key] = mon
	} else {
		m.tracker.Forget(tenantID, serviceID)
	}
	m.mu.Unlock()

	mon.task.Stop()
	if m.registry != nil {
		if err := m.registry.DeleteMonitor(tenantID, serviceID); err != nil {
			mon.logger.Warn().Err(err).Msg("Failed to delete monitor registration")
		}
	}
	mon.setState(StateAbsent)
	m.updateActiveGauge()

	mon.logger.Info().
		Int64("events_processed", mon.eventsProcessed.Load()).
		Int("files_dropped", dropped).
		Msg("Stopped monitoring")
	return StopResult{Stopped: true, Message: "monitoring stopped", FilesDropped: dropped}
}

// ForceCheck runs a tick now without disturbing the schedule. The tick ignores
// cancellation of ctx and is bounded by the monitor's interval.
func (m *Manager) ForceCheck(ctx context.Context, tenantID, serviceID string) error {
	mon := m.lookup(tenantID, serviceID)
	if mon == nil || mon.State() != StateActive {
		return fmt.Errorf("%w: %s/%s", ErrNotMonitoring, tenantID, serviceID)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mon.interval)
	defer cancel()
	_, err := m.tick(ctx, mon, true)
	return err
}

// finishDrain drops the tracked files of a stopped monitor once its last
// tick has returned. A monitor started later on the same key is untouched.
func (m *Manager) finishDrain(mon *monitor) {
	key := monitorKey{tenantID: mon.tenantID, serviceID: mon.serviceID}

	m.mu.Lock()
	defer m.mu.Unlock()
	mon.running.Store(false)
	if m.draining[key] != mon {
		return
	}
	delete(m.draining, key)
	m.tracker.Forget(mon.tenantID, mon.serviceID)
	mon.logger.Debug().Msg("Stopped monitor drained")
}

// LastTick returns the report of the most recent tick of a service
func (m *Manager) LastTick(tenantID, serviceID string) (TickReport, bool) {
	mon := m.lookup(tenantID, serviceID)
	if mon == nil {
		return TickReport{}, false
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.lastTick == nil {
		return TickReport{}, false
	}
	return *mon.lastTick, true
}

// MonitoringStatus returns the status of every monitor of a tenant, sorted by service
func (m *Manager) MonitoringStatus(tenantID string) []Status {
	m.mu.Lock()
	var mons []*monitor
	for key, mon := range m.monitors {
		if key.tenantID == tenantID {
			mons = append(mons, mon)
		}
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(mons))
	for _, mon := range mons {
		out = append(out, m.status(mon))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// ServiceStatus returns the status of one monitor. An absent monitor reports
// State "absent" and Active false.
func (m *Manager) ServiceStatus(tenantID, serviceID string) Status {
	mon := m.lookup(tenantID, serviceID)
	if mon == nil {
		return Status{TenantID: tenantID, ServiceID: serviceID, State: StateAbsent}
	}
	return m.status(mon)
}

// Active returns how many monitors are running
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mon := range m.monitors {
		if mon.State() == StateActive {
			n++
		}
	}
	return n
}

// Statuses returns the status of every monitor of every tenant
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	mons := make([]*monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		mons = append(mons, mon)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(mons))
	for _, mon := range mons {
		out = append(out, m.status(mon))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

// Resume restarts every persisted monitor. A monitor that fails to start is
// logged and its registration kept for the next attempt.
func (m *Manager) Resume(ctx context.Context) error {
	if m.registry == nil {
		return nil
	}
	regs, err := m.registry.ListMonitors()
	if err != nil {
		return fmt.Errorf("failed to list monitor registrations: %w", err)
	}

	var errs []error
	resumed := 0
	for _, reg := range regs {
		_, err := m.Start(ctx, reg.TenantID, reg.ServiceID, StartOptions{
			Interval: reg.Interval,
			Game:     reg.Game,
			Platform: reg.Platform,
		})
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrAlreadyMonitoring):
		default:
			m.logger.Warn().Err(err).Str("tenant", reg.TenantID).Str("service", reg.ServiceID).Msg("Failed to resume monitor")
			errs = append(errs, fmt.Errorf("%s/%s: %w", reg.TenantID, reg.ServiceID, err))
		}
	}
	m.logger.Info().Int("resumed", resumed).Int("registered", len(regs)).Msg("Resumed monitors")
	return errors.Join(errs...)
}

// Shutdown stops every timer and waits for running ticks until ctx expires.
// Registrations and tracked files are kept so the monitors can be resumed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mons := make([]*monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		mons = append(mons, mon)
	}
	draining := make([]*monitor, 0, len(m.draining))
	for _, mon := range m.draining {
		draining = append(draining, mon)
	}
	m.monitors = make(map[monitorKey]*monitor)
	m.mu.Unlock()

	for _, mon := range mons {
		mon.setState(StateStopping)
		mon.task.Stop()
	}

	var err error
	if m.ownsScheduler {
		err = m.scheduler.Stop(ctx)
	}
	if waitErr := waitIdle(ctx, append(mons, draining...)); waitErr != nil && err == nil {
		err = waitErr
	}
	for _, mon := range mons {
		mon.setState(StateAbsent)
	}
	m.updateActiveGauge()
	m.logger.Info().Int("monitors", len(mons)).Msg("Monitor manager shut down")
	return err
}

func waitIdle(ctx context.Context, mons []*monitor) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		busy := false
		for _, mon := range mons {
			if mon.running.Load() {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to drain running ticks: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) lookup(tenantID, serviceID string) *monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitors[monitorKey{tenantID: tenantID, serviceID: serviceID}]
}

func (m *Manager) updateActiveGauge() {
	m.metrics.SetMonitorsActive(m.Active())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// State is a monitor lifecycle state
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

type monitor struct {
	tenantID   string
	serviceID  string
	creds      *types.Credentials
	paths      []string
	interval   time.Duration
	game       string
	platform   string
	classifier parser.LineClassifier
	task       *scheduler.Task
	startedAt  time.Time
	logger     *logging.Logger

	state           atomic.Value
	running         atomic.Bool
	stopped         atomic.Bool
	eventsProcessed atomic.Int64
	ticks           atomic.Int64

	// logWatermark is only touched inside a tick
	logWatermark time.Time

	mu                  sync.Mutex
	lastCheckAt         time.Time
	consecutiveFailures int
	lastError           string
	lastTickFailed      bool
	lastTick            *TickReport
}

func (mon *monitor) State() State {
	if s, ok := mon.state.Load().(State); ok {
		return s
	}
	return StateAbsent
}

func (mon *monitor) setState(s State) {
	mon.state.Store(s)
}

func (mon *monitor) name() string {
	return "poll:" + mon.tenantID + "/" + mon.serviceID
}

func (mon *monitor) fileKey(dir, name string) checkpoint.Key {
	return checkpoint.Key{TenantID: mon.tenantID, ServiceID: mon.serviceID, File: path.Join(dir, name)}
}

func (mon *monitor) tenant() types.TenantContext {
	return types.TenantContext{TenantID: mon.tenantID, ServiceID: mon.serviceID}
}
