package monitor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/provider"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

const (
	tenantID  = "guild-1"
	serviceID = "123"
	dirPS     = "/games/ni123_1/noftp/dayzps/config"
	admName   = "DayZServer_PS4_x64_2024_06_01_120000.ADM"
	rptName   = "DayZServer_PS4_x64_2024_06_01_120000.RPT"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func connected(name string) string {
	return fmt.Sprintf("12:01:00 | Player %q is connected (id=%s=)\n", name, name)
}

type fakeAPI struct {
	mu          sync.Mutex
	dirs        map[string]map[string]types.FileEntry
	content     map[string][]byte
	listErr     map[string]error
	downloadErr map[string]error
	downloads   []string
	block       chan struct{}
	entered     chan struct{}
	onDownload  func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		dirs:        make(map[string]map[string]types.FileEntry),
		content:     make(map[string][]byte),
		listErr:     make(map[string]error),
		downloadErr: make(map[string]error),
		entered:     make(chan struct{}, 1),
	}
}

func (f *fakeAPI) setFile(dir, name, content string, mod time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[dir] == nil {
		f.dirs[dir] = make(map[string]types.FileEntry)
	}
	full := path.Join(dir, name)
	f.dirs[dir][name] = types.FileEntry{Name: name, Path: full, Size: int64(len(content)), ModifiedAt: mod}
	f.content[full] = []byte(content)
}

func (f *fakeAPI) removeFile(dir, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dirs[dir], name)
	delete(f.content, path.Join(dir, name))
}

func (f *fakeAPI) setListErr(dir string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr[dir] = err
}

func (f *fakeAPI) setDownloadErr(file string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadErr[file] = err
}

func (f *fakeAPI) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func (f *fakeAPI) ListFiles(ctx context.Context, creds *types.Credentials, dir string) ([]types.FileEntry, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[dir]; err != nil {
		return nil, err
	}
	entries, ok := f.dirs[dir]
	if !ok {
		return nil, errors.New("404 not found")
	}
	out := make([]types.FileEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeAPI) DownloadFile(ctx context.Context, creds *types.Credentials, fullPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, fullPath)
	if f.onDownload != nil {
		f.onDownload()
	}
	if err := f.downloadErr[fullPath]; err != nil {
		return nil, err
	}
	data, ok := f.content[fullPath]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return append([]byte(nil), data...), nil
}

type fakeLogAPI struct {
	*fakeAPI
	logMu sync.Mutex
	logs  []types.SystemLogEntry
}

func (f *fakeLogAPI) addLogs(entries ...types.SystemLogEntry) {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	f.logs = append(f.logs, entries...)
}

func (f *fakeLogAPI) ListServiceLogs(ctx context.Context, creds *types.Credentials) ([]types.SystemLogEntry, error) {
	f.logMu.Lock()
	defer f.logMu.Unlock()
	return append([]types.SystemLogEntry(nil), f.logs...), nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]types.Event
	ctxErrs []error
}

func (d *fakeDispatcher) DispatchBatch(ctx context.Context, tenant types.TenantContext, events []types.Event) output.DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, events)
	d.ctxErrs = append(d.ctxErrs, ctx.Err())
	return output.DispatchResult{Delivered: len(events)}
}

func (d *fakeDispatcher) events() []types.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.Event
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

type credMap map[string]*types.Credentials

func (c credMap) GetCredentials(ctx context.Context, tenantID string) (*types.Credentials, error) {
	return c[tenantID], nil
}

type memRegistry struct {
	mu   sync.Mutex
	regs map[string]types.MonitorRegistration
}

func newMemRegistry() *memRegistry {
	return &memRegistry{regs: make(map[string]types.MonitorRegistration)}
}

func (r *memRegistry) SaveMonitor(reg types.MonitorRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[reg.TenantID+"/"+reg.ServiceID] = reg
	return nil
}

func (r *memRegistry) DeleteMonitor(tenantID, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, tenantID+"/"+serviceID)
	return nil
}

func (r *memRegistry) ListMonitors() ([]types.MonitorRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.MonitorRegistration
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	m          *Manager
	api        *fakeAPI
	tracker    *checkpoint.Tracker
	dispatcher *fakeDispatcher
}

func testConfig() Config {
	return Config{
		Interval:    time.Hour,
		MinInterval: time.Second,
		CallTimeout: 5 * time.Second,
		PathRoots:   []string{"/games"},
	}
}

func testCreds() credMap {
	return credMap{
		tenantID:  {ServiceID: serviceID, APIToken: "token"},
		"guild-2": {ServiceID: "456", APIToken: "token-2"},
	}
}

func newHarness(t *testing.T, api provider.RemoteFileAPI, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig(), api, opts...)
}

func newHarnessWithConfig(t *testing.T, config Config, api provider.RemoteFileAPI, opts ...Option) *harness {
	t.Helper()
	tracker, err := checkpoint.NewTracker("", time.Second)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	dispatcher := &fakeDispatcher{}
	m, err := NewManager(config, testCreds(), api, tracker, dispatcher, opts...)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	h := &harness{m: m, tracker: tracker, dispatcher: dispatcher}
	switch a := api.(type) {
	case *fakeAPI:
		h.api = a
	case *fakeLogAPI:
		h.api = a.fakeAPI
	}
	return h
}

func (h *harness) start(t *testing.T, opts StartOptions) StartResult {
	t.Helper()
	if len(opts.Paths) == 0 {
		opts.Paths = []string{dirPS}
	}
	res, err := h.m.Start(context.Background(), tenantID, serviceID, opts)
	if err != nil {
		t.Fatalf("Failed to start monitoring: %v", err)
	}
	return res
}

func (h *harness) check(t *testing.T) TickReport {
	t.Helper()
	if err := h.m.ForceCheck(context.Background(), tenantID, serviceID); err != nil {
		t.Fatalf("Failed to force check: %v", err)
	}
	report, ok := h.m.LastTick(tenantID, serviceID)
	if !ok {
		t.Fatal("Expected a tick report")
	}
	return report
}

func (h *harness) consumed(t *testing.T, name string) int64 {
	t.Helper()
	rec, ok := h.tracker.Get(checkpoint.Key{TenantID: tenantID, ServiceID: serviceID, File: path.Join(dirPS, name)})
	if !ok {
		t.Fatalf("Expected %s to be tracked", name)
	}
	return rec.Size
}

func playerNames(events []types.Event) []string {
	var names []string
	for _, ev := range events {
		if c, ok := ev.(types.ConnectionEvent); ok {
			names = append(names, c.Player.Name)
		}
	}
	return names
}

func TestManager_StartBaselinesNewestFiles(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, "DayZServer_PS4_x64_2024_05_31_120000.ADM", connected("Ancient"), t0.Add(-24*time.Hour))
	api.setFile(dirPS, admName, connected("Old"), t0)
	api.setFile(dirPS, rptName, "boot\n", t0)
	api.setFile(dirPS, "notes.txt", "ignored\n", t0.Add(time.Hour))
	h := newHarness(t, api)

	res := h.start(t, StartOptions{})

	if len(res.Paths) != 1 || res.Paths[0] != dirPS {
		t.Errorf("Expected paths [%s], got %v", dirPS, res.Paths)
	}
	if res.Baselined != 2 {
		t.Errorf("Expected 2 baselined files, got %d", res.Baselined)
	}
	if res.Game != "dayz" || res.Platform != "playstation" {
		t.Errorf("Expected dayz/playstation, got %s/%s", res.Game, res.Platform)
	}
	if res.Interval != time.Hour {
		t.Errorf("Expected interval 1h, got %v", res.Interval)
	}
	if n := h.tracker.Files(tenantID, serviceID); n != 2 {
		t.Errorf("Expected 2 tracked files, got %d", n)
	}

	report := h.check(t)
	if report.Events != 0 || len(h.dispatcher.events()) != 0 {
		t.Errorf("Expected history not to be replayed, got %d events", report.Events)
	}
}

func TestManager_StartDuplicateRejected(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	_, err := h.m.Start(context.Background(), tenantID, serviceID, StartOptions{Paths: []string{dirPS}})
	if !errors.Is(err, ErrAlreadyMonitoring) {
		t.Fatalf("Expected ErrAlreadyMonitoring, got %v", err)
	}
	if got := h.m.ServiceStatus(tenantID, serviceID); !got.Active {
		t.Errorf("Expected original monitor to stay active, got %+v", got)
	}
}

func TestManager_StartWithoutCredentials(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	h := newHarness(t, api)

	_, err := h.m.Start(context.Background(), "guild-unknown", serviceID, StartOptions{Paths: []string{dirPS}})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Expected ErrNoCredentials, got %v", err)
	}
	if st := h.m.ServiceStatus("guild-unknown", serviceID); st.State != StateAbsent || st.Active {
		t.Errorf("Expected absent monitor, got %+v", st)
	}
}

func TestManager_StartNoReachablePath(t *testing.T) {
	api := newFakeAPI()
	api.setFile("/games/empty", "notes.txt", "x\n", t0)
	api.setListErr("/games/down", errors.New("timeout"))
	h := newHarness(t, api)

	_, err := h.m.Start(context.Background(), tenantID, serviceID, StartOptions{
		Paths: []string{"/games/empty", "/games/down", "/games/missing"},
	})
	if !errors.Is(err, ErrNoReachablePath) {
		t.Fatalf("Expected ErrNoReachablePath, got %v", err)
	}
	if !strings.Contains(err.Error(), "/games/down") {
		t.Errorf("Expected failing path in error, got %v", err)
	}
	if st := h.m.ServiceStatus(tenantID, serviceID); st.State != StateAbsent {
		t.Errorf("Expected no monitor after failed start, got %+v", st)
	}
	if n := h.tracker.Files(tenantID, serviceID); n != 0 {
		t.Errorf("Expected no tracked files, got %d", n)
	}

	// the service can be started once a path works
	api.setFile("/games/empty", admName, connected("Old"), t0)
	if _, err := h.m.Start(context.Background(), tenantID, serviceID, StartOptions{Paths: []string{"/games/empty"}}); err != nil {
		t.Fatalf("Failed to start after fixing path: %v", err)
	}
}

func TestManager_StartRejectsEscapingPaths(t *testing.T) {
	api := newFakeAPI()
	api.setFile("/etc", admName, connected("Old"), t0)
	h := newHarness(t, api)

	_, err := h.m.Start(context.Background(), tenantID, serviceID, StartOptions{Paths: []string{"/games/../etc", "/etc"}})
	if !errors.Is(err, ErrNoReachablePath) {
		t.Fatalf("Expected ErrNoReachablePath, got %v", err)
	}
}

func TestManager_GrowthReadsOnlyNewRange(t *testing.T) {
	api := newFakeAPI()
	base := connected("Old") + strings.Repeat("12:00:00 | unrelated line\n", 30)
	api.setFile(dirPS, admName, base, t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	if got := h.consumed(t, admName); got != int64(len(base)) {
		t.Fatalf("Expected baseline at %d, got %d", len(base), got)
	}

	grown := base + connected("New") + "12:02:00 | unrelated line\n"
	api.setFile(dirPS, admName, grown, t0)
	report := h.check(t)

	names := playerNames(h.dispatcher.events())
	if len(names) != 1 || names[0] != "New" {
		t.Errorf("Expected only the appended connection, got %v", names)
	}
	if report.BytesRead != int64(len(grown)-len(base)) {
		t.Errorf("Expected %d bytes read, got %d", len(grown)-len(base), report.BytesRead)
	}
	if report.Lines != 2 {
		t.Errorf("Expected 2 lines classified, got %d", report.Lines)
	}
	if got := h.consumed(t, admName); got != int64(len(grown)) {
		t.Errorf("Expected tracker at %d, got %d", len(grown), got)
	}

	h.check(t)
	if n := len(h.dispatcher.events()); n != 1 {
		t.Errorf("Expected no duplicate events, got %d", n)
	}
}

func TestManager_RotationReadsFullContent(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, strings.Repeat("12:00:00 | unrelated line\n", 200), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	rotated := connected("Fresh") + connected("Second")
	api.setFile(dirPS, admName, rotated, t0.Add(time.Second))
	h.check(t)

	names := playerNames(h.dispatcher.events())
	if len(names) != 2 || names[0] != "Fresh" || names[1] != "Second" {
		t.Errorf("Expected the whole rotated file, got %v", names)
	}
	if got := h.consumed(t, admName); got != int64(len(rotated)) {
		t.Errorf("Expected tracker at %d, got %d", len(rotated), got)
	}
}

func TestManager_RotationBelowHeldBackTail(t *testing.T) {
	api := newFakeAPI()
	base := connected("Old")
	api.setFile(dirPS, admName, base, t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	grown := base + connected("Early")
	api.setFile(dirPS, admName, grown+"12:02:00 | Player \"Par", t0.Add(time.Second))
	h.check(t)
	if got := h.consumed(t, admName); got != int64(len(grown)) {
		t.Fatalf("Expected tracker at %d, got %d", len(grown), got)
	}

	// smaller than the last listing but larger than the consumed offset
	fresh := connected("Fresh")
	pad := len(grown) + 10 - len(fresh) - 1
	rotated := fresh + strings.Repeat("x", pad) + "\n"
	api.setFile(dirPS, admName, rotated, t0.Add(2*time.Second))
	h.check(t)

	names := playerNames(h.dispatcher.events())
	if len(names) != 2 || names[0] != "Early" || names[1] != "Fresh" {
		t.Errorf("Expected the rotated file to be read from the start, got %v", names)
	}
	if got := h.consumed(t, admName); got != int64(len(rotated)) {
		t.Errorf("Expected tracker at %d, got %d", len(rotated), got)
	}
}

func TestManager_PartialLineHeldBack(t *testing.T) {
	api := newFakeAPI()
	base := connected("Old")
	api.setFile(dirPS, admName, base, t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	line := connected("Late")
	api.setFile(dirPS, admName, base+line[:20], t0.Add(time.Second))
	h.check(t)
	if n := len(h.dispatcher.events()); n != 0 {
		t.Fatalf("Expected half-written line to be held back, got %d events", n)
	}
	if got := h.consumed(t, admName); got != int64(len(base)) {
		t.Errorf("Expected tracker to stay at %d, got %d", len(base), got)
	}

	api.setFile(dirPS, admName, base+line, t0.Add(2*time.Second))
	h.check(t)
	names := playerNames(h.dispatcher.events())
	if len(names) != 1 || names[0] != "Late" {
		t.Errorf("Expected completed line once, got %v", names)
	}
	if got := h.consumed(t, admName); got != int64(len(base+line)) {
		t.Errorf("Expected tracker at %d, got %d", len(base+line), got)
	}
}

func TestManager_FromBeginning(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("A")+connected("B"), t0)
	h := newHarness(t, api)

	res := h.start(t, StartOptions{FromBeginning: true})
	if res.Baselined != 0 {
		t.Errorf("Expected no baseline, got %d", res.Baselined)
	}
	h.check(t)
	if names := playerNames(h.dispatcher.events()); len(names) != 2 {
		t.Errorf("Expected whole file to be read, got %v", names)
	}
}

func TestManager_NewFileReplacesOldAndOldIsRetired(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	next := "DayZServer_PS4_x64_2024_06_01_180000.ADM"
	api.removeFile(dirPS, admName)
	api.setFile(dirPS, next, connected("Next"), t0.Add(6*time.Hour))
	report := h.check(t)

	if names := playerNames(h.dispatcher.events()); len(names) != 1 || names[0] != "Next" {
		t.Errorf("Expected new file to be read in full, got %v", names)
	}
	if report.FilesRetired != 1 {
		t.Errorf("Expected 1 retired file, got %d", report.FilesRetired)
	}
	keys := h.tracker.Keys(tenantID, serviceID)
	if len(keys) != 1 || path.Base(keys[0].File) != next {
		t.Errorf("Expected only %s tracked, got %v", next, keys)
	}
}

func TestManager_OlderRotatedFilesNotRescanned(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Current"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	api.setFile(dirPS, "DayZServer_PS4_x64_2024_05_01_000000.ADM", connected("Archived"), t0.Add(-time.Hour))
	h.check(t)
	if n := len(h.dispatcher.events()); n != 0 {
		t.Errorf("Expected older file to be ignored, got %d events", n)
	}
}

func TestManager_PartialFailureIsolation(t *testing.T) {
	api := newFakeAPI()
	dirXB := "/games/ni123_1/noftp/dayzxb/config"
	api.setFile(dirPS, admName, connected("Old"), t0)
	api.setFile(dirXB, "DayZServer_X1_x64_1.ADM", connected("OldXB"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{Paths: []string{dirPS, dirXB}})

	api.setFile(dirPS, admName, connected("Old")+connected("PS"), t0.Add(time.Second))
	api.setFile(dirXB, "DayZServer_X1_x64_1.ADM", connected("OldXB")+connected("XB"), t0.Add(time.Second))
	api.setDownloadErr(path.Join(dirXB, "DayZServer_X1_x64_1.ADM"), errors.New("connection reset"))

	report := h.check(t)
	if report.Outcome != "partial" {
		t.Errorf("Expected partial outcome, got %s", report.Outcome)
	}
	if names := playerNames(h.dispatcher.events()); len(names) != 1 || names[0] != "PS" {
		t.Errorf("Expected healthy path to deliver, got %v", names)
	}

	st := h.m.ServiceStatus(tenantID, serviceID)
	if !st.Active || !st.Degraded || st.ConsecutiveFailures != 1 {
		t.Errorf("Expected active degraded monitor with 1 failure, got %+v", st)
	}
	if !strings.Contains(st.LastError, "connection reset") {
		t.Errorf("Expected last error to mention cause, got %q", st.LastError)
	}

	api.setDownloadErr(path.Join(dirXB, "DayZServer_X1_x64_1.ADM"), nil)
	h.check(t)
	if names := playerNames(h.dispatcher.events()); len(names) != 2 || names[1] != "XB" {
		t.Errorf("Expected failed file to be read on the next tick, got %v", names)
	}
	st = h.m.ServiceStatus(tenantID, serviceID)
	if st.Degraded || st.ConsecutiveFailures != 0 {
		t.Errorf("Expected recovery, got %+v", st)
	}
}

func TestManager_ListFailureKeepsMonitorActive(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	api.setListErr(dirPS, errors.New("rate limited"))
	report := h.check(t)
	if report.Outcome != "failed" {
		t.Errorf("Expected failed outcome, got %s", report.Outcome)
	}
	h.check(t)
	st := h.m.ServiceStatus(tenantID, serviceID)
	if !st.Active || st.ConsecutiveFailures != 2 {
		t.Errorf("Expected active monitor with 2 failures, got %+v", st)
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	api.setFile(dirPS, rptName, "boot\n", t0)
	registry := newMemRegistry()
	h := newHarness(t, api, WithRegistry(registry))
	h.start(t, StartOptions{})

	res := h.m.Stop(tenantID, serviceID)
	if !res.Stopped || res.FilesDropped != 2 {
		t.Errorf("Expected stop with 2 dropped files, got %+v", res)
	}
	if n := h.tracker.Files(tenantID, serviceID); n != 0 {
		t.Errorf("Expected tracked files to be discarded, got %d", n)
	}
	if regs, _ := registry.ListMonitors(); len(regs) != 0 {
		t.Errorf("Expected registration to be removed, got %v", regs)
	}

	res = h.m.Stop(tenantID, serviceID)
	if res.Stopped || res.Message != "no active monitoring" {
		t.Errorf("Expected no-op stop, got %+v", res)
	}
	if err := h.m.ForceCheck(context.Background(), tenantID, serviceID); !errors.Is(err, ErrNotMonitoring) {
		t.Errorf("Expected ErrNotMonitoring, got %v", err)
	}
}

func TestManager_TicksNeverOverlap(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	release := make(chan struct{})
	api.setBlock(release)

	done := make(chan error, 1)
	go func() {
		done <- h.m.ForceCheck(context.Background(), tenantID, serviceID)
	}()

	select {
	case <-api.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for first tick")
	}

	if err := h.m.ForceCheck(context.Background(), tenantID, serviceID); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("Expected ErrTickInProgress, got %v", err)
	}

	api.setBlock(nil)
	close(release)
	if err := <-done; err != nil {
		t.Errorf("Expected first tick to succeed, got %v", err)
	}
}

func TestManager_StopDrainsRunningTick(t *testing.T) {
	api := newFakeAPI()
	base := connected("Old")
	api.setFile(dirPS, admName, base, t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	api.setFile(dirPS, admName, base+connected("Last"), t0.Add(time.Second))
	release := make(chan struct{})
	api.setBlock(release)

	done := make(chan error, 1)
	go func() {
		done <- h.m.ForceCheck(context.Background(), tenantID, serviceID)
	}()
	select {
	case <-api.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for tick")
	}

	if res := h.m.Stop(tenantID, serviceID); !res.Stopped {
		t.Fatalf("Expected stop to succeed, got %+v", res)
	}

	api.setBlock(nil)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Expected running tick to complete, got %v", err)
	}

	if names := playerNames(h.dispatcher.events()); len(names) != 1 || names[0] != "Last" {
		t.Errorf("Expected drained tick to dispatch, got %v", names)
	}
	if n := h.tracker.Files(tenantID, serviceID); n != 0 {
		t.Errorf("Expected tracked files to be discarded after drain, got %d", n)
	}
}

func TestManager_RestartWaitsForDrainingTick(t *testing.T) {
	api := newFakeAPI()
	base := connected("Old")
	api.setFile(dirPS, admName, base, t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	api.setFile(dirPS, admName, base+connected("Last"), t0.Add(time.Second))
	release := make(chan struct{})
	api.setBlock(release)

	done := make(chan error, 1)
	go func() {
		done <- h.m.ForceCheck(context.Background(), tenantID, serviceID)
	}()
	select {
	case <-api.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for tick")
	}

	if res := h.m.Stop(tenantID, serviceID); !res.Stopped {
		t.Fatalf("Expected stop to succeed, got %+v", res)
	}
	_, err := h.m.Start(context.Background(), tenantID, serviceID, StartOptions{Paths: []string{dirPS}})
	if !errors.Is(err, ErrAlreadyMonitoring) {
		t.Fatalf("Expected ErrAlreadyMonitoring while draining, got %v", err)
	}

	api.setBlock(nil)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Expected running tick to complete, got %v", err)
	}

	h.start(t, StartOptions{})
	if got := h.consumed(t, admName); got != int64(len(base+connected("Last"))) {
		t.Errorf("Expected restarted monitor to baseline at %d, got %d", len(base+connected("Last")), got)
	}
	h.check(t)

	if names := playerNames(h.dispatcher.events()); len(names) != 1 || names[0] != "Last" {
		t.Errorf("Expected only the drained tick's event, got %v", names)
	}
}

func TestManager_ForceCheckIgnoresCallerCancellation(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})

	api.setFile(dirPS, admName, connected("Old")+connected("New"), t0.Add(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.mu.Lock()
	api.onDownload = cancel
	api.mu.Unlock()

	if err := h.m.ForceCheck(ctx, tenantID, serviceID); err != nil {
		t.Fatalf("Failed to force check: %v", err)
	}

	h.dispatcher.mu.Lock()
	ctxErrs := append([]error(nil), h.dispatcher.ctxErrs...)
	h.dispatcher.mu.Unlock()
	if len(ctxErrs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(ctxErrs))
	}
	if ctxErrs[0] != nil {
		t.Errorf("Expected dispatch context to survive caller cancellation, got %v", ctxErrs[0])
	}
}

func TestManager_ServiceLogs(t *testing.T) {
	api := &fakeLogAPI{fakeAPI: newFakeAPI()}
	api.setFile(dirPS, admName, connected("Old"), t0)
	api.addLogs(types.SystemLogEntry{Message: "Server restart before start", Severity: "info", CreatedAt: t0.Add(-time.Hour)})

	system, err := parser.NewSystemClassifier(parser.SystemConfig{})
	if err != nil {
		t.Fatalf("Failed to create system classifier: %v", err)
	}
	clk := &clock{now: t0}
	h := newHarness(t, api, WithSystemClassifier(system), WithClock(clk.Now))
	h.start(t, StartOptions{})

	api.addLogs(
		types.SystemLogEntry{Message: "Server restart scheduled", Severity: "info", CreatedAt: t0.Add(time.Minute)},
		types.SystemLogEntry{Message: "Routine heartbeat", Severity: "info", CreatedAt: t0.Add(time.Minute)},
	)
	h.check(t)

	events := h.dispatcher.events()
	if len(events) != 1 || events[0].EventType() != types.EventServerRestart {
		t.Fatalf("Expected one serverRestart event, got %v", events)
	}

	h.check(t)
	if n := len(h.dispatcher.events()); n != 1 {
		t.Errorf("Expected watermark to suppress repeats, got %d events", n)
	}

	var errs []types.SystemLogEntry
	for i := 0; i < 11; i++ {
		errs = append(errs, types.SystemLogEntry{
			Message:   "Mod failed to load",
			Severity:  "error",
			CreatedAt: t0.Add(2*time.Minute + time.Duration(i)*time.Second),
		})
	}
	api.addLogs(errs...)
	h.check(t)

	events = h.dispatcher.events()[1:]
	if len(events) != 12 {
		t.Fatalf("Expected 11 errors and one issue, got %d events", len(events))
	}
	issue, ok := events[11].(types.SystemEvent)
	if !ok || issue.Category != parser.IssueHighErrorRate || issue.Kind != types.EventSystemError {
		t.Errorf("Expected high error rate issue, got %+v", events[11])
	}
}

func TestManager_StatusDegradesWhenStale(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	clk := &clock{now: t0}
	h := newHarness(t, api, WithClock(clk.Now))
	h.start(t, StartOptions{Interval: time.Minute})

	st := h.m.ServiceStatus(tenantID, serviceID)
	if st.Degraded || st.LastCheckAt != nil || st.IntervalMs != 60000 {
		t.Errorf("Expected fresh monitor, got %+v", st)
	}

	clk.Advance(4 * time.Minute)
	st = h.m.ServiceStatus(tenantID, serviceID)
	if !st.Degraded || !st.Active {
		t.Errorf("Expected active but degraded monitor, got %+v", st)
	}
	if st.UptimeMs != (4 * time.Minute).Milliseconds() {
		t.Errorf("Expected uptime 240000ms, got %d", st.UptimeMs)
	}

	h.check(t)
	st = h.m.ServiceStatus(tenantID, serviceID)
	if st.Degraded || st.LastCheckAt == nil || !st.LastCheckAt.Equal(clk.Now()) {
		t.Errorf("Expected fresh check, got %+v", st)
	}
}

func TestManager_MonitoringStatusPerTenant(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	api.setFile("/games/ni456_1/noftp/dayzps/config", admName, connected("Other"), t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{})
	if _, err := h.m.Start(context.Background(), "guild-2", "456", StartOptions{}); err != nil {
		t.Fatalf("Failed to start second tenant: %v", err)
	}

	statuses := h.m.MonitoringStatus(tenantID)
	if len(statuses) != 1 || statuses[0].ServiceID != serviceID {
		t.Fatalf("Expected one status for %s, got %+v", tenantID, statuses)
	}
	if statuses[0].TrackedFiles != 1 || len(statuses[0].Paths) != 1 {
		t.Errorf("Unexpected status: %+v", statuses[0])
	}
	if h.m.Active() != 2 || len(h.m.Statuses()) != 2 {
		t.Errorf("Expected 2 active monitors, got %d", h.m.Active())
	}
	if got := h.m.MonitoringStatus("guild-none"); len(got) != 0 {
		t.Errorf("Expected no statuses, got %+v", got)
	}
}

func TestManager_ResumeFromRegistry(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	registry := newMemRegistry()
	tracker, err := checkpoint.NewTracker("", time.Second)
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}

	first, err := NewManager(testConfig(), testCreds(), api, tracker, &fakeDispatcher{}, WithRegistry(registry))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if _, err := first.Start(context.Background(), tenantID, serviceID, StartOptions{Interval: 2 * time.Hour}); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("Failed to shut down: %v", err)
	}
	if _, err := first.Start(context.Background(), tenantID, serviceID, StartOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after shutdown, got %v", err)
	}
	if regs, _ := registry.ListMonitors(); len(regs) != 1 {
		t.Fatalf("Expected registration to survive shutdown, got %v", regs)
	}

	dispatcher := &fakeDispatcher{}
	second, err := NewManager(testConfig(), testCreds(), api, tracker, dispatcher, WithRegistry(registry))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer second.Shutdown(context.Background())

	api.setFile(dirPS, admName, connected("Old")+connected("WhileDown"), t0.Add(time.Minute))
	if err := second.Resume(context.Background()); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	st := second.ServiceStatus(tenantID, serviceID)
	if !st.Active || st.Interval != 2*time.Hour {
		t.Errorf("Expected resumed monitor with 2h interval, got %+v", st)
	}

	if err := second.ForceCheck(context.Background(), tenantID, serviceID); err != nil {
		t.Fatalf("Failed to force check: %v", err)
	}
	if names := playerNames(dispatcher.events()); len(names) != 1 || names[0] != "WhileDown" {
		t.Errorf("Expected content written while down to be read from checkpoint, got %v", names)
	}
}

func TestManager_ScheduledTick(t *testing.T) {
	api := newFakeAPI()
	base := connected("Old")
	api.setFile(dirPS, admName, base, t0)
	h := newHarness(t, api)
	h.start(t, StartOptions{Interval: time.Second})

	api.setFile(dirPS, admName, base+connected("Timer"), t0.Add(time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.dispatcher.events()) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if names := playerNames(h.dispatcher.events()); len(names) != 1 || names[0] != "Timer" {
		t.Errorf("Expected scheduled tick to deliver, got %v", names)
	}
}

func TestManager_IntervalClampedToMinimum(t *testing.T) {
	api := newFakeAPI()
	api.setFile(dirPS, admName, connected("Old"), t0)
	config := testConfig()
	config.MinInterval = 30 * time.Second
	h := newHarnessWithConfig(t, config, api)

	res := h.start(t, StartOptions{Interval: time.Second})
	if res.Interval != 30*time.Second {
		t.Errorf("Expected interval clamped to 30s, got %v", res.Interval)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()

	d := DefaultConfig()
	if c.MinInterval != d.MinInterval {
		t.Errorf("Expected min interval %v, got %v", d.MinInterval, c.MinInterval)
	}
	if c.Interval != d.Interval {
		t.Errorf("Expected interval %v, got %v", d.Interval, c.Interval)
	}
	if c.CallTimeout != d.CallTimeout {
		t.Errorf("Expected call timeout %v, got %v", d.CallTimeout, c.CallTimeout)
	}

	c = Config{MinInterval: 5 * time.Second}
	c.applyDefaults()
	if c.MinInterval != 5*time.Second {
		t.Errorf("Expected explicit min interval to be kept, got %v", c.MinInterval)
	}
}

func TestNewestPerExtension(t *testing.T) {
	m := &Manager{config: Config{Extensions: []string{".ADM", ".RPT"}}}
	files := []types.FileEntry{
		{Name: "a.adm", ModifiedAt: t0},
		{Name: "b.ADM", ModifiedAt: t0.Add(time.Minute)},
		{Name: "c.RPT", ModifiedAt: t0},
		{Name: "d.rpt", ModifiedAt: t0},
		{Name: "e.log", ModifiedAt: t0.Add(time.Hour)},
	}

	got := m.newestPerExtension(files)
	if len(got) != 2 {
		t.Fatalf("Expected 2 files, got %v", got)
	}
	if got[0].Name != "b.ADM" {
		t.Errorf("Expected b.ADM, got %s", got[0].Name)
	}
	if got[1].Name != "d.rpt" {
		t.Errorf("Expected tie to go to d.rpt, got %s", got[1].Name)
	}
}
