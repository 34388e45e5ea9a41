package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

var ErrBatcherStopped = errors.New("batcher is stopped")

// BatcherConfig configures the batching behavior
type BatcherConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
	FlushInterval time.Duration

	// OnError receives flush errors. Flushes run outside the caller's Add,
	// so this is the only place they surface.
	OnError func(err error, records []BatchRecord)
}

// BatchRecord is one buffered payload with its encoded form
type BatchRecord struct {
	Destination types.Destination
	Payload     Payload
	Line        []byte
}

// Batcher accumulates payloads and flushes them in batches
type Batcher struct {
	config  BatcherConfig
	records []BatchRecord
	size    int
	mu      sync.Mutex
	flushMu sync.Mutex
	flushFn func(ctx context.Context, records []BatchRecord) error
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewBatcher creates a new batcher and starts its flush loop
func NewBatcher(config BatcherConfig, flushFn func(ctx context.Context, records []BatchRecord) error) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = 8 * 1024 * 1024
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 30 * time.Second
	}

	b := &Batcher{
		config:  config,
		records: make([]BatchRecord, 0, config.MaxBatchSize),
		flushFn: flushFn,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go b.flushLoop()

	return b
}

// Add buffers a payload, flushing when the batch is full
func (b *Batcher) Add(ctx context.Context, dest types.Destination, payload Payload) error {
	line, err := marshalLine(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBatcherStopped
	}
	b.records = append(b.records, BatchRecord{Destination: dest, Payload: payload, Line: line})
	b.size += len(line) + 1
	full := len(b.records) >= b.config.MaxBatchSize || b.size >= b.config.MaxBatchBytes
	var batch []BatchRecord
	if full {
		batch = b.takeLocked()
	}
	b.mu.Unlock()

	if batch != nil {
		b.flush(ctx, batch)
	}
	return nil
}

// Flush forces a flush of the current batch
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if batch != nil {
		b.flush(ctx, batch)
	}
}

// takeLocked detaches the buffered records (must be called with lock held)
func (b *Batcher) takeLocked() []BatchRecord {
	if len(b.records) == 0 {
		return nil
	}
	batch := b.records
	b.records = make([]BatchRecord, 0, b.config.MaxBatchSize)
	b.size = 0
	return batch
}

// flush writes one batch. Batches are written one at a time so objects
// keep the order payloads arrived in.
func (b *Batcher) flush(ctx context.Context, batch []BatchRecord) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if err := b.flushFn(ctx, batch); err != nil && b.config.OnError != nil {
		b.config.OnError(err, batch)
	}
}

// flushLoop periodically flushes the batch
func (b *Batcher) flushLoop() {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()
	defer close(b.doneCh)

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.stopCh:
			b.Flush(context.Background())
			return
		}
	}
}

// Stop stops the batcher and flushes remaining payloads
func (b *Batcher) Stop() {
	b.once.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopCh)
	})
	<-b.doneCh
}

func marshalLine(payload Payload) ([]byte, error) {
	line, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return line, nil
}

// Size returns the current number of buffered payloads
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
