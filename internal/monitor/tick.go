package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/provider"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

const (
	sourceGame    = "game"
	outcomeOK     = "ok"
	outcomePartly = "partial"
	outcomeFailed = "failed"
)

// TickReport summarizes one poll tick
type TickReport struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Forced       bool          `json:"forced"`
	Outcome      string        `json:"outcome"`
	FilesChecked int           `json:"files_checked"`
	FilesChanged int           `json:"files_changed"`
	FilesRetired int           `json:"files_retired"`
	BytesRead    int64         `json:"bytes_read"`
	Lines        int           `json:"lines"`
	Events       int           `json:"events"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	Errors       []string      `json:"errors,omitempty"`
}

// tickState collects results from the concurrent units of one tick
type tickState struct {
	mu       sync.Mutex
	report   TickReport
	units    int
	failures int
}

func (s *tickState) unit() {
	s.mu.Lock()
	s.units++
	s.mu.Unlock()
}

func (s *tickState) fail(err error) {
	s.mu.Lock()
	s.failures++
	s.report.Errors = append(s.report.Errors, err.Error())
	s.mu.Unlock()
}

func (s *tickState) update(fn func(r *TickReport)) {
	s.mu.Lock()
	fn(&s.report)
	s.mu.Unlock()
}

// tick runs one poll cycle. Failures of a path, file or the service log are
// logged and recorded; they never abort the rest of the tick.
func (m *Manager) tick(ctx context.Context, mon *monitor, forced bool) (TickReport, error) {
	if !mon.running.CompareAndSwap(false, true) {
		return TickReport{}, ErrTickInProgress
	}
	defer m.finishDrain(mon)
	if mon.stopped.Load() || mon.State() != StateActive {
		return TickReport{}, fmt.Errorf("%w: %s/%s", ErrNotMonitoring, mon.tenantID, mon.serviceID)
	}

	ctx, span := m.tracer.TraceTick(ctx, mon.tenantID, mon.serviceID, forced)
	start := m.now()
	state := &tickState{report: TickReport{StartedAt: start, Forced: forced}}

	var g errgroup.Group
	g.SetLimit(m.config.ProbeConcurrency)
	for _, dir := range mon.paths {
		dir := dir
		g.Go(func() error {
			m.scanPath(ctx, mon, dir, state)
			return nil
		})
	}
	g.Go(func() error {
		m.scanServiceLogs(ctx, mon, state)
		return nil
	})
	_ = g.Wait()

	report := state.report
	report.Duration = m.now().Sub(start)
	switch {
	case state.failures == 0:
		report.Outcome = outcomeOK
	case state.failures >= state.units:
		report.Outcome = outcomeFailed
	default:
		report.Outcome = outcomePartly
	}

	mon.ticks.Add(1)
	mon.mu.Lock()
	mon.lastCheckAt = m.now()
	mon.lastTick = &report
	mon.lastTickFailed = state.failures > 0
	if state.failures > 0 {
		mon.consecutiveFailures++
		mon.lastError = report.Errors[len(report.Errors)-1]
	} else {
		mon.consecutiveFailures = 0
	}
	failures := mon.consecutiveFailures
	mon.mu.Unlock()

	m.metrics.ObserveTick(report.Outcome, report.Duration)

	var spanErr error
	if state.failures > 0 {
		spanErr = errors.New(report.Errors[len(report.Errors)-1])
	}
	tracing.End(span, spanErr)

	logEvent := mon.logger.Debug()
	if state.failures > 0 {
		logEvent = mon.logger.Warn().Int("consecutive_failures", failures)
	}
	logEvent.
		Str("outcome", report.Outcome).
		Bool("forced", forced).
		Int("files_changed", report.FilesChanged).
		Int("events", report.Events).
		Dur("duration", report.Duration).
		Msg("Tick finished")
	return report, nil
}

// scanPath lists one directory, retires vanished files and scans the newest
// file of each extension
func (m *Manager) scanPath(ctx context.Context, mon *monitor, dir string, state *tickState) {
	state.unit()
	entries, err := m.list(ctx, mon, dir)
	if err != nil {
		state.fail(err)
		mon.logger.Warn().Err(err).Str("path", dir).Msg("Failed to list log path")
		return
	}

	if retired := m.retire(mon, dir, entries); retired > 0 {
		state.update(func(r *TickReport) { r.FilesRetired += retired })
	}

	for _, f := range m.newestPerExtension(m.logFiles(entries)) {
		state.unit()
		if err := m.scanFile(ctx, mon, dir, f, state); err != nil {
			state.fail(err)
			mon.logger.Warn().Err(err).Str("path", dir).Str("file", f.Name).Msg("Failed to read log file")
		}
	}
}

// retire drops tracked files of dir that are no longer listed
func (m *Manager) retire(mon *monitor, dir string, entries []types.FileEntry) int {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir {
			present[e.Name] = true
		}
	}

	retired := 0
	for _, key := range m.tracker.Keys(mon.tenantID, mon.serviceID) {
		if path.Dir(key.File) != dir || present[path.Base(key.File)] {
			continue
		}
		m.tracker.Retire(key)
		m.metrics.IncFilesRetired()
		retired++
		mon.logger.Info().Str("file", key.File).Msg("Tracked file deleted")
	}
	return retired
}

// scanFile reads the unconsumed range of one file, classifies its complete
// lines, dispatches the events and only then advances the tracker
func (m *Manager) scanFile(ctx context.Context, mon *monitor, dir string, f types.FileEntry, state *tickState) error {
	key := mon.fileKey(dir, f.Name)
	state.update(func(r *TickReport) { r.FilesChecked++ })

	if !m.tracker.HasNewContent(key, f.Size, f.ModifiedAt) {
		return nil
	}
	rng := m.tracker.NewRange(key, f.Size, f.ModifiedAt)
	if rng.Empty() {
		m.tracker.RecordConsumed(key, rng.End, f.Size, f.ModifiedAt)
		return nil
	}

	data, err := m.download(ctx, mon, key.File)
	if err != nil {
		return err
	}

	start, end := rng.Start, rng.End
	if n := int64(len(data)); n < end {
		end = n
	}
	if start > end {
		// rotated between listing and download
		start = 0
	}
	chunk := data[start:end]

	complete := bytes.LastIndexByte(chunk, '\n') + 1
	if complete == 0 {
		if rng.Rotated {
			m.tracker.RecordConsumed(key, 0, f.Size, f.ModifiedAt)
		}
		mon.logger.Debug().Str("file", key.File).Int("pending_bytes", len(chunk)).Msg("Waiting for a complete line")
		return nil
	}

	events, recognized, skipped := m.classifyLines(mon, chunk[:complete], f)
	m.metrics.ObserveLines(sourceGame, recognized, skipped)
	m.metrics.AddBytesRead(int64(complete))

	var result output.DispatchResult
	if len(events) > 0 {
		result = m.dispatcher.DispatchBatch(ctx, mon.tenant(), events)
		mon.eventsProcessed.Add(int64(len(events)))
	}
	m.tracker.RecordConsumed(key, start+int64(complete), f.Size, f.ModifiedAt)

	state.update(func(r *TickReport) {
		r.FilesChanged++
		r.BytesRead += int64(complete)
		r.Lines += recognized + skipped
		r.Events += len(events)
		r.Delivered += result.Delivered
		r.Failed += result.Failed
	})
	mon.logger.Debug().
		Str("file", key.File).
		Int64("from", start).
		Int64("to", start+int64(complete)).
		Bool("rotated", rng.Rotated).
		Int("events", len(events)).
		Msg("Processed new log content")
	return nil
}

func (m *Manager) classifyLines(mon *monitor, content []byte, f types.FileEntry) ([]types.Event, int, int) {
	classifier := mon.classifier
	if a, ok := classifier.(parser.Anchorable); ok {
		classifier = a.At(f.ModifiedAt)
	}

	var (
		events     []types.Event
		recognized int
		skipped    int
	)
	for _, line := range bytes.Split(content, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev := classifier.Classify(string(line), mon.serviceID, f.Name)
		if ev == nil {
			skipped++
			continue
		}
		recognized++
		events = append(events, ev)
	}
	return events, recognized, skipped
}

// scanServiceLogs classifies provider service log entries newer than the
// monitor's watermark and raises issues detected across them
func (m *Manager) scanServiceLogs(ctx context.Context, mon *monitor, state *tickState) {
	source, ok := m.api.(provider.ServiceLogSource)
	if !ok || m.system == nil {
		return
	}
	state.unit()

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	callCtx, span := m.tracer.TraceUpstream(callCtx, "service_logs", mon.serviceID)
	entries, err := source.ListServiceLogs(callCtx, mon.creds)
	tracing.End(span, err)
	cancel()
	if err != nil {
		err = fmt.Errorf("failed to list service logs: %w", err)
		state.fail(err)
		mon.logger.Warn().Err(err).Msg("Failed to fetch service logs")
		return
	}

	var fresh []types.SystemLogEntry
	for _, e := range entries {
		if e.CreatedAt.After(mon.logWatermark) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })

	var events []types.Event
	for _, e := range fresh {
		if ev := m.system.Classify(e, mon.serviceID); ev != nil {
			events = append(events, ev)
		}
	}
	m.metrics.ObserveLines(parser.SystemSourceFile, len(events), len(fresh)-len(events))
	for _, issue := range m.system.DetectIssues(fresh) {
		events = append(events, parser.IssueEvent(issue, mon.serviceID, m.now()))
	}

	var res output.DispatchResult
	if len(events) > 0 {
		res = m.dispatcher.DispatchBatch(ctx, mon.tenant(), events)
		mon.eventsProcessed.Add(int64(len(events)))
	}
	mon.logWatermark = fresh[len(fresh)-1].CreatedAt

	state.update(func(r *TickReport) {
		r.Lines += len(fresh)
		r.Events += len(events)
		r.Delivered += res.Delivered
		r.Failed += res.Failed
	})
}
