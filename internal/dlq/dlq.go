// Package dlq keeps deliveries that could not be sent so they can be
// inspected and, when enabled, replayed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

var (
	ErrDLQClosed = errors.New("DLQ is closed")
	ErrDLQFull   = errors.New("DLQ is full")
)

const fileName = "dlq.json"

// DLQConfig holds configuration for the Dead Letter Queue
type DLQConfig struct {
	Dir           string
	MaxSize       int64 // Maximum number of entries
	MaxAge        time.Duration
	FlushInterval time.Duration
	// MaxRetries drops an entry after this many failed replays
	MaxRetries int
}

// DeadLetterQueue stores failed deliveries for later replay or inspection
type DeadLetterQueue struct {
	config  DLQConfig
	logger  *logging.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	entries []*DLQEntry
	dirty   bool
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	enqueued uint64
	dequeued uint64
	dropped  uint64
}

// DLQEntry is one failed delivery
type DLQEntry struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	Destination types.Destination `json:"destination"`
	EventType   types.EventType   `json:"event_type"`
	Payload     json.RawMessage   `json:"payload"`
	Error       string            `json:"error"`
	Timestamp   time.Time         `json:"timestamp"`
	Retries     int               `json:"retries"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Option configures a DeadLetterQueue
type Option func(*DeadLetterQueue)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(d *DeadLetterQueue) {
		if logger != nil {
			d.logger = logger.WithComponent("dlq")
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(d *DeadLetterQueue) {
		d.metrics = collector
	}
}

// NewDeadLetterQueue creates a new dead letter queue
func NewDeadLetterQueue(config DLQConfig, opts ...Option) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	dlq := &DeadLetterQueue{
		config:  config,
		logger:  logging.Nop(),
		entries: make([]*DLQEntry, 0),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dlq)
	}

	if err := dlq.load(); err != nil {
		return nil, fmt.Errorf("failed to load DLQ: %w", err)
	}
	dlq.metrics.SetDLQSize(len(dlq.entries))

	dlq.wg.Add(2)
	go dlq.flushLoop()
	go dlq.cleanupLoop()

	return dlq, nil
}

// Enqueue records a failed delivery. payload is stored as JSON.
func (dlq *DeadLetterQueue) Enqueue(channel string, dest types.Destination, eventType types.EventType, payload interface{}, cause error, metadata map[string]string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return "", ErrDLQClosed
	}

	if int64(len(dlq.entries)) >= dlq.config.MaxSize {
		atomic.AddUint64(&dlq.dropped, 1)
		return "", ErrDLQFull
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry := &DLQEntry{
		ID:          uuid.NewString(),
		Channel:     channel,
		Destination: dest,
		EventType:   eventType,
		Payload:     data,
		Error:       msg,
		Timestamp:   time.Now(),
		Metadata:    metadata,
	}

	dlq.entries = append(dlq.entries, entry)
	dlq.dirty = true
	atomic.AddUint64(&dlq.enqueued, 1)
	dlq.metrics.IncDLQWritten()
	dlq.metrics.SetDLQSize(len(dlq.entries))

	return entry.ID, nil
}

// Dequeue removes and returns the oldest entry from the DLQ
func (dlq *DeadLetterQueue) Dequeue() (*DLQEntry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}
	if len(dlq.entries) == 0 {
		return nil, nil
	}

	entry := dlq.entries[0]
	dlq.entries = dlq.entries[1:]
	dlq.dirty = true
	atomic.AddUint64(&dlq.dequeued, 1)
	dlq.metrics.SetDLQSize(len(dlq.entries))

	return entry, nil
}

// Peek returns the oldest entry without removing it
func (dlq *DeadLetterQueue) Peek() (*DLQEntry, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}
	if len(dlq.entries) == 0 {
		return nil, nil
	}
	return dlq.entries[0], nil
}

// GetAll returns all entries in the DLQ
func (dlq *DeadLetterQueue) GetAll() ([]*DLQEntry, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if dlq.closed {
		return nil, ErrDLQClosed
	}

	entries := make([]*DLQEntry, len(dlq.entries))
	copy(entries, dlq.entries)
	return entries, nil
}

// Remove deletes the entry with id. It reports whether it existed.
func (dlq *DeadLetterQueue) Remove(id string) bool {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.removeLocked(id)
}

func (dlq *DeadLetterQueue) removeLocked(id string) bool {
	for i, e := range dlq.entries {
		if e.ID == id {
			dlq.entries = append(dlq.entries[:i], dlq.entries[i+1:]...)
			dlq.dirty = true
			dlq.metrics.SetDLQSize(len(dlq.entries))
			return true
		}
	}
	return false
}

// Size returns the number of entries in the DLQ
func (dlq *DeadLetterQueue) Size() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	return len(dlq.entries)
}

// Clear removes all entries from the DLQ
func (dlq *DeadLetterQueue) Clear() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	dlq.entries = make([]*DLQEntry, 0)
	dlq.metrics.SetDLQSize(0)
	return dlq.flush()
}

// Flush persists all entries to disk
func (dlq *DeadLetterQueue) Flush() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.flush()
}

// Close closes the DLQ and flushes remaining entries
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	if dlq.closed {
		dlq.mu.Unlock()
		return ErrDLQClosed
	}
	dlq.closed = true
	close(dlq.closeCh)
	dlq.mu.Unlock()

	dlq.wg.Wait()

	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.flush()
}

// ReplayResult summarizes one replay pass
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// Replay hands every entry to send. Entries that send successfully are
// removed; failed entries have their retry count raised and are dropped
// once it reaches MaxRetries. Replay stops early when ctx is cancelled.
func (dlq *DeadLetterQueue) Replay(ctx context.Context, send func(ctx context.Context, entry *DLQEntry) error) (ReplayResult, error) {
	entries, err := dlq.GetAll()
	if err != nil {
		return ReplayResult{}, err
	}

	var result ReplayResult
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++

		sendErr := send(ctx, entry)

		dlq.mu.Lock()
		switch {
		case sendErr == nil:
			dlq.removeLocked(entry.ID)
			result.Succeeded++
			dlq.metrics.ObserveReplay("ok")
		case entry.Retries+1 >= dlq.config.MaxRetries:
			dlq.removeLocked(entry.ID)
			atomic.AddUint64(&dlq.dropped, 1)
			result.Dropped++
			dlq.metrics.ObserveReplay("dropped")
			dlq.logger.Warn().Err(sendErr).Str("id", entry.ID).Str("channel", entry.Channel).
				Int("retries", entry.Retries+1).Msg("Dropping dead letter after repeated replay failures")
		default:
			entry.Retries++
			entry.Error = sendErr.Error()
			dlq.dirty = true
			result.Failed++
			dlq.metrics.ObserveReplay("failed")
		}
		dlq.mu.Unlock()
	}

	if result.Attempted > 0 {
		dlq.logger.Info().Int("succeeded", result.Succeeded).Int("failed", result.Failed).
			Int("dropped", result.Dropped).Msg("Dead letter replay finished")
	}
	return result, dlq.Flush()
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	return DLQMetrics{
		Enqueued:    atomic.LoadUint64(&dlq.enqueued),
		Dequeued:    atomic.LoadUint64(&dlq.dequeued),
		Dropped:     atomic.LoadUint64(&dlq.dropped),
		CurrentSize: len(dlq.entries),
		MaxSize:     dlq.config.MaxSize,
	}
}

// flush persists entries to disk (must be called with lock held)
func (dlq *DeadLetterQueue) flush() error {
	filename := filepath.Join(dlq.config.Dir, fileName)

	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, entry := range dlq.entries {
		if err := encoder.Encode(entry); err != nil {
			file.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	dlq.dirty = false
	return nil
}

// load loads entries from disk
func (dlq *DeadLetterQueue) load() error {
	file, err := os.Open(filepath.Join(dlq.config.Dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var entry DLQEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode entry: %w", err)
		}
		dlq.entries = append(dlq.entries, &entry)
	}

	return nil
}

// flushLoop periodically flushes entries to disk
func (dlq *DeadLetterQueue) flushLoop() {
	defer dlq.wg.Done()
	ticker := time.NewTicker(dlq.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.mu.Lock()
			if dlq.dirty {
				if err := dlq.flush(); err != nil {
					dlq.logger.Error().Err(err).Msg("Failed to flush dead letters")
				}
			}
			dlq.mu.Unlock()
		case <-dlq.closeCh:
			return
		}
	}
}

// cleanupLoop periodically removes old entries
func (dlq *DeadLetterQueue) cleanupLoop() {
	defer dlq.wg.Done()
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dlq.cleanup()
		case <-dlq.closeCh:
			return
		}
	}
}

// cleanup removes entries older than MaxAge
func (dlq *DeadLetterQueue) cleanup() {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return
	}

	cutoff := time.Now().Add(-dlq.config.MaxAge)
	remaining := dlq.entries[:0]
	for _, entry := range dlq.entries {
		if entry.Timestamp.After(cutoff) {
			remaining = append(remaining, entry)
		}
	}
	if len(remaining) != len(dlq.entries) {
		dlq.dirty = true
	}
	dlq.entries = remaining
	dlq.metrics.SetDLQSize(len(dlq.entries))
}

// Retry increments the retry count for an entry and re-enqueues it
func (dlq *DeadLetterQueue) Retry(entry *DLQEntry) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}

	entry.Retries++
	entry.Timestamp = time.Now()

	dlq.entries = append(dlq.entries, entry)
	dlq.dirty = true
	dlq.metrics.SetDLQSize(len(dlq.entries))
	return nil
}

// DLQMetrics holds DLQ statistics
type DLQMetrics struct {
	Enqueued    uint64 `json:"enqueued"`
	Dequeued    uint64 `json:"dequeued"`
	Dropped     uint64 `json:"dropped"`
	CurrentSize int    `json:"current_size"`
	MaxSize     int64  `json:"max_size"`
}

// Utilization returns the DLQ utilization percentage (0-100)
func (m DLQMetrics) Utilization() float64 {
	if m.MaxSize == 0 {
		return 0
	}
	return (float64(m.CurrentSize) / float64(m.MaxSize)) * 100.0
}
