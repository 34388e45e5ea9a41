// Package output routes classified events to per-event-type destinations on
// one or more delivery channels.
package output

import (
	"context"
	"errors"
	"time"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

var ErrChannelClosed = errors.New("delivery channel is closed")

type permanent interface {
	Permanent() bool
}

// IsRetryableDelivery reports whether a failed send may succeed if tried again
func IsRetryableDelivery(err error) bool {
	if err == nil || errors.Is(err, ErrChannelClosed) {
		return false
	}
	var p permanent
	if errors.As(err, &p) && p.Permanent() {
		return false
	}
	return true
}

// DefaultGroup is the grouping under which destinations are created
const DefaultGroup = "gamewatch"

// DeliveryChannel creates destinations and sends payloads to them
type DeliveryChannel interface {
	// Name identifies the channel, e.g. "relay" or "kafka"
	Name() string

	// EnsureDestination returns the tenant's destination, creating it when
	// missing. Calling it again with a new visibility updates the policy.
	EnsureDestination(ctx context.Context, req DestinationRequest) (types.Destination, error)

	// Send delivers one payload
	Send(ctx context.Context, dest types.Destination, payload Payload) error

	// Close releases resources, flushing anything buffered
	Close() error
}

// DestinationRequest describes the destination a feed needs
type DestinationRequest struct {
	TenantID     string           `json:"tenant_id"`
	Name         string           `json:"name"`
	Group        string           `json:"group"`
	Visibility   types.Visibility `json:"visibility"`
	AllowedRoles []string         `json:"allowed_roles,omitempty"`
}

// Field is one labelled value of a payload
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Payload is the structured notification handed to a channel. Channels
// decide how to render it.
type Payload struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	ServiceID   string           `json:"service_id"`
	EventType   types.EventType  `json:"event_type"`
	Destination string           `json:"destination"`
	Visibility  types.Visibility `json:"visibility"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Fields      []Field          `json:"fields,omitempty"`
	Color       int              `json:"color"`
	Timestamp   time.Time        `json:"timestamp"`
	// LocationHidden is set when position fields were withheld by policy
	LocationHidden bool `json:"location_hidden,omitempty"`
	// Fallback is set when the event type had no feed of its own
	Fallback bool `json:"fallback,omitempty"`
}

// Field returns the value of the named field
func (p Payload) Field(name string) (string, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// CompressionType defines the compression algorithm to use
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionGzip   CompressionType = "gzip"
	CompressionSnappy CompressionType = "snappy"
)

// BaseConfig contains configuration shared by channels
type BaseConfig struct {
	// BatchSize is the number of payloads to batch before writing
	BatchSize int `yaml:"batch_size,omitempty"`

	// FlushInterval is how often buffered payloads are written
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`

	// Compression specifies the compression algorithm
	Compression CompressionType `yaml:"compression,omitempty"`

	// Timeout bounds a single send
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultBaseConfig returns a base config with sensible defaults
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		BatchSize:     100,
		FlushInterval: 30 * time.Second,
		Compression:   CompressionNone,
		Timeout:       10 * time.Second,
	}
}
