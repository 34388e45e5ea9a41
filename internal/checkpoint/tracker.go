// Package checkpoint tracks how far each remote log file has been consumed.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

const positionsFile = "positions.json"

// Key identifies a tracked file. File is the full remote path.
type Key struct {
	TenantID  string `json:"tenant_id"`
	ServiceID string `json:"service_id"`
	File      string `json:"file"`
}

// Range is the byte span of a file that has not been consumed yet
type Range struct {
	Start   int64
	End     int64
	Rotated bool
	First   bool
}

// Empty reports whether the range holds no bytes
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Len returns the number of bytes in the range
func (r Range) Len() int64 {
	if r.Empty() {
		return 0
	}
	return r.End - r.Start
}

type record struct {
	Key
	types.TrackedFile
}

// Tracker holds per-file consumption state. With a directory it persists the
// state as JSON; without one it lives only in memory.
type Tracker struct {
	mu       sync.RWMutex
	dir      string
	files    map[Key]*types.TrackedFile
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	stopCh   chan struct{}
	saveCh   chan struct{}
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger used for background save failures
func WithLogger(logger *logging.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. An empty dir disables persistence.
func NewTracker(dir string, interval time.Duration, opts ...Option) (*Tracker, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t := &Tracker{
		dir:      dir,
		files:    make(map[Key]*types.TrackedFile),
		interval: interval,
		logger:   logging.Nop(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		saveCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// HasNewContent reports whether the file grew or was modified since it was
// last consumed. A file never seen before always has new content.
func (t *Tracker) HasNewContent(key Key, size int64, modAt time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.files[key]
	if !ok {
		return true
	}
	return size > rec.Size || size < listedSize(rec) || modAt.After(rec.ModifiedAt)
}

// NewRange returns the unconsumed span. A file that grew yields the bytes
// after the consumed offset. A file smaller than when it was last listed, or
// of the same listed size under a newer modification time, is treated as
// rotated and its whole content is returned.
func (t *Tracker) NewRange(key Key, size int64, modAt time.Time) Range {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.files[key]
	if !ok {
		return Range{Start: 0, End: size, First: true}
	}
	listed := listedSize(rec)
	switch {
	case size < listed, size == listed && modAt.After(rec.ModifiedAt):
		return Range{Start: 0, End: size, Rotated: true}
	case size > rec.Size:
		return Range{Start: rec.Size, End: size}
	default:
		return Range{Start: size, End: size}
	}
}

// listedSize falls back to the consumed offset for state saved before the
// listed size was recorded
func listedSize(rec *types.TrackedFile) int64 {
	if rec.ListedSize < rec.Size {
		return rec.Size
	}
	return rec.ListedSize
}

// RecordConsumed moves the consumed offset of key to offset. listed is the
// file size seen in the listing the offset was read from.
func (t *Tracker) RecordConsumed(key Key, offset, listed int64, modAt time.Time) {
	t.mu.Lock()
	now := t.now()
	rec, ok := t.files[key]
	if !ok {
		rec = &types.TrackedFile{FirstSeenAt: now}
		t.files[key] = rec
	}
	if rec.Size != offset || !rec.ModifiedAt.Equal(modAt) {
		rec.LastChangedAt = now
	}
	rec.Size = offset
	rec.ListedSize = listed
	rec.ModifiedAt = modAt
	t.mu.Unlock()

	t.requestSave()
}

// Baseline marks a file as consumed up to size without reading it. Files that
// already have state are left alone.
func (t *Tracker) Baseline(key Key, size int64, modAt time.Time) bool {
	t.mu.Lock()
	if _, ok := t.files[key]; ok {
		t.mu.Unlock()
		return false
	}
	now := t.now()
	t.files[key] = &types.TrackedFile{
		Size:          size,
		ListedSize:    size,
		ModifiedAt:    modAt,
		FirstSeenAt:   now,
		LastChangedAt: now,
	}
	t.mu.Unlock()

	t.requestSave()
	return true
}

// Get returns the state of one file
func (t *Tracker) Get(key Key) (types.TrackedFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.files[key]
	if !ok {
		return types.TrackedFile{}, false
	}
	return *rec, true
}

// Retire drops the state of a file that no longer exists remotely
func (t *Tracker) Retire(key Key) {
	t.mu.Lock()
	_, ok := t.files[key]
	delete(t.files, key)
	t.mu.Unlock()

	if ok {
		t.requestSave()
	}
}

// Forget drops every file of a tenant's service
func (t *Tracker) Forget(tenantID, serviceID string) int {
	t.mu.Lock()
	removed := 0
	for key := range t.files {
		if key.TenantID == tenantID && key.ServiceID == serviceID {
			delete(t.files, key)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.requestSave()
	}
	return removed
}

// Keys returns the tracked files of a tenant's service, sorted by path
func (t *Tracker) Keys(tenantID, serviceID string) []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []Key
	for key := range t.files {
		if key.TenantID == tenantID && key.ServiceID == serviceID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].File < keys[j].File })
	return keys
}

// Files returns how many files of a tenant's service are tracked
func (t *Tracker) Files(tenantID, serviceID string) int {
	return len(t.Keys(tenantID, serviceID))
}

// Start starts the periodic save loop
func (t *Tracker) Start() {
	if t.dir == "" {
		return
	}
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.saveLoop()
}

// Stop stops the save loop and writes a final checkpoint
func (t *Tracker) Stop() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	return t.Save()
}

// Load reads persisted state from disk
func (t *Tracker) Load() error {
	if t.dir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(t.dir, positionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[Key]*types.TrackedFile, len(records))
	for i := range records {
		tf := records[i].TrackedFile
		t.files[records[i].Key] = &tf
	}
	return nil
}

// Save writes the current state to disk
func (t *Tracker) Save() error {
	if t.dir == "" {
		return nil
	}

	t.mu.RLock()
	records := make([]record, 0, len(t.files))
	for key, tf := range t.files {
		records = append(records, record{Key: key, TrackedFile: *tf})
	}
	t.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Key, records[j].Key
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.ServiceID != b.ServiceID {
			return a.ServiceID < b.ServiceID
		}
		return a.File < b.File
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	checkpointFile := filepath.Join(t.dir, positionsFile)
	tmpFile := checkpointFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmpFile, checkpointFile); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

func (t *Tracker) requestSave() {
	select {
	case t.saveCh <- struct{}{}:
	default:
	}
}

func (t *Tracker) saveLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-t.saveCh:
		case <-t.stopCh:
			return
		}
		if err := t.Save(); err != nil {
			t.logger.Error().Err(err).Msg("Failed to save checkpoint")
		}
	}
}
