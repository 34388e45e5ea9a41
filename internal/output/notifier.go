package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

var ErrNotifierClosed = errors.New("notifier is closed")

// OverrideSource returns a tenant's feed override, or nil when there is none
type OverrideSource interface {
	GetOverride(ctx context.Context, tenantID string, eventType types.EventType) (*types.FeedOverride, error)
}

// DestinationStore remembers destinations created on channels
type DestinationStore interface {
	GetDestination(ctx context.Context, tenantID, channel, name string) (*types.Destination, error)
	PutDestination(ctx context.Context, d types.Destination) error
}

// NotifierConfig contains configuration for the notifier
type NotifierConfig struct {
	// Group is the grouping destinations are created under
	Group string `yaml:"group,omitempty"`

	// SendTimeout bounds each delivery attempt
	SendTimeout time.Duration `yaml:"send_timeout,omitempty"`

	// Retry configures retries of a single delivery
	Retry reliability.RetryConfig `yaml:"retry,omitempty"`

	// Parallel delivers to all channels concurrently
	Parallel bool `yaml:"parallel,omitempty"`
}

// DefaultNotifierConfig returns default notifier configuration
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Group:       DefaultGroup,
		SendTimeout: 10 * time.Second,
		Retry: reliability.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
			Jitter:         true,
		},
		Parallel: true,
	}
}

// DispatchResult counts the deliveries of a dispatch, one per event per channel
type DispatchResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (r *DispatchResult) add(o DispatchResult) {
	r.Delivered += o.Delivered
	r.Failed += o.Failed
}

// NotifierStats is a snapshot of notifier counters
type NotifierStats struct {
	Delivered           int64 `json:"delivered"`
	Failed              int64 `json:"failed"`
	DestinationsCreated int64 `json:"destinations_created"`
	Fallbacks           int64 `json:"fallbacks"`
}

// Notifier resolves a feed for each event, applies the tenant's override,
// makes sure the destination exists and sends the payload to every channel.
// Deliveries are isolated: one failure never blocks another.
type Notifier struct {
	config       NotifierConfig
	feeds        *FeedTable
	channels     []DeliveryChannel
	overrides    OverrideSource
	destinations DestinationStore
	deadLetters  *dlq.DeadLetterQueue
	logger       *logging.Logger
	metrics      *metrics.Collector
	tracer       *tracing.Provider

	mu    sync.Mutex
	known map[string]types.Destination
	locks map[string]*sync.Mutex

	closed    atomic.Bool
	delivered atomic.Int64
	failed    atomic.Int64
	created   atomic.Int64
	fallbacks atomic.Int64
}

// NotifierOption configures a Notifier
type NotifierOption func(*Notifier)

// WithOverrides sets where tenant overrides are read from
func WithOverrides(src OverrideSource) NotifierOption {
	return func(n *Notifier) { n.overrides = src }
}

// WithDestinationStore sets where created destinations are remembered
func WithDestinationStore(store DestinationStore) NotifierOption {
	return func(n *Notifier) { n.destinations = store }
}

// WithDeadLetterQueue sends failed deliveries to q
func WithDeadLetterQueue(q *dlq.DeadLetterQueue) NotifierOption {
	return func(n *Notifier) { n.deadLetters = q }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger.WithComponent("notifier")
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector *metrics.Collector) NotifierOption {
	return func(n *Notifier) { n.metrics = collector }
}

// WithTracer sets the tracing provider
func WithTracer(tp *tracing.Provider) NotifierOption {
	return func(n *Notifier) {
		if tp != nil {
			n.tracer = tp
		}
	}
}

// NewNotifier creates a notifier over channels
func NewNotifier(config NotifierConfig, feeds *FeedTable, channels []DeliveryChannel, opts ...NotifierOption) (*Notifier, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no delivery channels configured")
	}
	if feeds == nil {
		feeds = NewFeedTable(DefaultFeeds(), DefaultFallbackFeed())
	}
	if config.Group == "" {
		config.Group = DefaultGroup
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if config.Retry.RetryIf == nil {
		config.Retry.RetryIf = IsRetryableDelivery
	}

	n := &Notifier{
		config:   config,
		feeds:    feeds,
		channels: channels,
		logger:   logging.Nop(),
		tracer:   tracing.Noop(),
		known:    make(map[string]types.Destination),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Dispatch routes one event. A nil event is ignored.
func (n *Notifier) Dispatch(ctx context.Context, event types.Event, tenant types.TenantContext) DispatchResult {
	if event == nil {
		return DispatchResult{}
	}
	if n.closed.Load() {
		n.logger.Warn().Str("tenant", tenant.TenantID).Msg("Dropping event, notifier is closed")
		return DispatchResult{Failed: len(n.channels)}
	}

	eventType := event.EventType()
	feed, fallback := n.feeds.Resolve(eventType)
	if fallback {
		n.fallbacks.Add(1)
		n.logger.Debug().Str("event_type", string(eventType)).Str("destination", feed.Destination).
			Msg("No feed for event type, using fallback")
	}

	var override *types.FeedOverride
	if n.overrides != nil {
		o, err := n.overrides.GetOverride(ctx, tenant.TenantID, eventType)
		if err != nil {
			n.logger.Warn().Err(err).Str("tenant", tenant.TenantID).Str("event_type", string(eventType)).
				Msg("Failed to read feed override, using feed defaults")
		}
		override = o
	}

	payload := BuildPayload(event, tenant, feed, ApplyOverride(feed, override))
	payload.Fallback = fallback
	n.metrics.ObserveEvent(string(eventType))

	if !n.config.Parallel || len(n.channels) == 1 {
		var result DispatchResult
		for _, ch := range n.channels {
			result.add(n.deliver(ctx, ch, tenant, feed, payload))
		}
		return result
	}

	results := make([]DispatchResult, len(n.channels))
	var wg sync.WaitGroup
	for i, ch := range n.channels {
		wg.Add(1)
		go func(i int, ch DeliveryChannel) {
			defer wg.Done()
			results[i] = n.deliver(ctx, ch, tenant, feed, payload)
		}(i, ch)
	}
	wg.Wait()

	var result DispatchResult
	for _, r := range results {
		result.add(r)
	}
	return result
}

// DispatchBatch routes events in order. Each event is dispatched even when
// earlier ones failed.
func (n *Notifier) DispatchBatch(ctx context.Context, tenant types.TenantContext, events []types.Event) DispatchResult {
	var result DispatchResult
	if len(events) == 0 {
		return result
	}

	ctx, span := n.tracer.TraceDispatch(ctx, tenant.TenantID, len(events))
	for _, event := range events {
		result.add(n.Dispatch(ctx, event, tenant))
	}
	if result.Failed > 0 {
		tracing.End(span, fmt.Errorf("%d deliveries failed", result.Failed))
	} else {
		tracing.End(span, nil)
	}
	return result
}

func (n *Notifier) deliver(ctx context.Context, ch DeliveryChannel, tenant types.TenantContext, feed types.FeedDescriptor, payload Payload) DispatchResult {
	start := time.Now()
	ctx, span := n.tracer.TraceDelivery(ctx, ch.Name(), payload.Destination, string(payload.EventType))

	warn := func(err error, msg string) {
		n.logger.Warn().Err(err).Str("tenant", tenant.TenantID).Str("service", payload.ServiceID).
			Str("channel", ch.Name()).Str("destination", payload.Destination).
			Str("event_type", string(payload.EventType)).Msg(msg)
	}

	dest, err := n.ensureDestination(ctx, ch, DestinationRequest{
		TenantID:     tenant.TenantID,
		Name:         payload.Destination,
		Group:        n.config.Group,
		Visibility:   payload.Visibility,
		AllowedRoles: feed.AllowedRoles,
	})
	if err != nil {
		tracing.End(span, err)
		n.fail(ch.Name(), "ensure", types.Destination{TenantID: tenant.TenantID, Channel: ch.Name(), Name: payload.Destination}, payload, err, start)
		warn(err, "Failed to ensure destination")
		return DispatchResult{Failed: 1}
	}

	err = reliability.Retry(ctx, n.config.Retry, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
		defer cancel()
		return ch.Send(sendCtx, dest, payload)
	})
	tracing.End(span, err)
	if err != nil {
		n.fail(ch.Name(), "send", dest, payload, err, start)
		warn(err, "Failed to deliver event")
		return DispatchResult{Failed: 1}
	}

	n.delivered.Add(1)
	n.metrics.ObserveDelivery(ch.Name(), string(payload.EventType), "", time.Since(start))
	return DispatchResult{Delivered: 1}
}

func (n *Notifier) fail(channel, stage string, dest types.Destination, payload Payload, cause error, start time.Time) {
	n.failed.Add(1)
	n.metrics.ObserveDelivery(channel, string(payload.EventType), stage, time.Since(start))

	if n.deadLetters == nil {
		return
	}
	meta := map[string]string{"stage": stage, "tenant": payload.TenantID}
	if _, err := n.deadLetters.Enqueue(channel, dest, payload.EventType, payload, cause, meta); err != nil {
		n.logger.Error().Err(err).Str("channel", channel).Msg("Failed to write dead letter")
	}
}

func destinationKey(tenantID, channel, name string) string {
	return strings.Join([]string{tenantID, channel, name}, "\x1f")
}

// ensureDestination returns a cached destination when its visibility still
// matches, otherwise asks the channel. Concurrent callers for the same
// destination are serialized so it is created once.
func (n *Notifier) ensureDestination(ctx context.Context, ch DeliveryChannel, req DestinationRequest) (types.Destination, error) {
	key := destinationKey(req.TenantID, ch.Name(), req.Name)

	n.mu.Lock()
	lock, ok := n.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		n.locks[key] = lock
	}
	n.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	n.mu.Lock()
	dest, cached := n.known[key]
	n.mu.Unlock()

	if !cached && n.destinations != nil {
		stored, err := n.destinations.GetDestination(ctx, req.TenantID, ch.Name(), req.Name)
		if err != nil {
			n.logger.Warn().Err(err).Str("destination", req.Name).Msg("Failed to read stored destination")
		} else if stored != nil {
			dest, cached = *stored, true
		}
	}
	if cached && dest.Visibility == req.Visibility {
		n.remember(key, dest)
		return dest, nil
	}

	dest, err := ch.EnsureDestination(ctx, req)
	if err != nil {
		return types.Destination{}, err
	}
	if dest.Channel == "" {
		dest.Channel = ch.Name()
	}
	if !cached {
		n.created.Add(1)
		n.metrics.IncDestinationsCreated(ch.Name())
		n.logger.Info().Str("tenant", req.TenantID).Str("channel", ch.Name()).Str("destination", req.Name).
			Str("visibility", string(req.Visibility)).Msg("Created destination")
	}

	n.remember(key, dest)
	if n.destinations != nil {
		if err := n.destinations.PutDestination(ctx, dest); err != nil {
			n.logger.Warn().Err(err).Str("destination", req.Name).Msg("Failed to store destination")
		}
	}
	return dest, nil
}

func (n *Notifier) remember(key string, dest types.Destination) {
	n.mu.Lock()
	n.known[key] = dest
	n.mu.Unlock()
}

// Redeliver sends a dead-lettered payload again on its original channel
func (n *Notifier) Redeliver(ctx context.Context, entry *dlq.DLQEntry) error {
	var ch DeliveryChannel
	for _, c := range n.channels {
		if c.Name() == entry.Channel {
			ch = c
			break
		}
	}
	if ch == nil {
		return fmt.Errorf("channel %s is not configured", entry.Channel)
	}

	var payload Payload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode dead letter payload: %w", err)
	}

	dest := entry.Destination
	if dest.ID == "" {
		var err error
		dest, err = n.ensureDestination(ctx, ch, DestinationRequest{
			TenantID:   payload.TenantID,
			Name:       payload.Destination,
			Group:      n.config.Group,
			Visibility: payload.Visibility,
		})
		if err != nil {
			return err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
	defer cancel()
	return ch.Send(sendCtx, dest, payload)
}

// Channels returns the configured channels
func (n *Notifier) Channels() []DeliveryChannel {
	out := make([]DeliveryChannel, len(n.channels))
	copy(out, n.channels)
	return out
}

// Feeds returns the feed table
func (n *Notifier) Feeds() *FeedTable {
	return n.feeds
}

// Stats returns notifier counters
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		Delivered:           n.delivered.Load(),
		Failed:              n.failed.Load(),
		DestinationsCreated: n.created.Load(),
		Fallbacks:           n.fallbacks.Load(),
	}
}

// Close closes all channels
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, ch := range n.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
