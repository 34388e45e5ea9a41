package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// RelayConfig contains configuration for the HTTP relay channel. The relay
// is the service that owns the chat platform connection and renders payloads.
type RelayConfig struct {
	BaseConfig `yaml:",inline"`

	// URL is the relay base URL
	URL string `yaml:"url"`

	// Token is sent as a bearer token
	Token string `yaml:"token,omitempty"`

	// RateLimit caps requests per second to the relay
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`
}

// DefaultRelayConfig returns default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BaseConfig: DefaultBaseConfig(),
		RateLimit:  5,
		Burst:      5,
	}
}

// RelayStatusError is a non-2xx reply from the relay
type RelayStatusError struct {
	StatusCode int
	Wait       time.Duration
}

func (e *RelayStatusError) Error() string {
	return fmt.Sprintf("relay returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Permanent reports whether retrying cannot help
func (e *RelayStatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// RetryAfter returns the relay-requested delay
func (e *RelayStatusError) RetryAfter() time.Duration {
	return e.Wait
}

// RelayChannel delivers payloads to an HTTP relay
type RelayChannel struct {
	config  RelayConfig
	client  *http.Client
	limiter *rate.Limiter
	closed  atomic.Bool
}

// NewRelayChannel creates a relay channel. httpClient may be nil.
func NewRelayChannel(config RelayConfig, httpClient *http.Client) (*RelayChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 5
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	config.URL = strings.TrimRight(config.URL, "/")

	return &RelayChannel{
		config:  config,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
	}, nil
}

// Name returns the channel name
func (r *RelayChannel) Name() string {
	return "relay"
}

type relayDestinationRequest struct {
	Group        string           `json:"group"`
	Visibility   types.Visibility `json:"visibility"`
	AllowedRoles []string         `json:"allowed_roles,omitempty"`
}

type relayDestinationReply struct {
	ID string `json:"id"`
}

// EnsureDestination creates or updates the destination on the relay. The
// relay treats the call as idempotent and returns the existing id.
func (r *RelayChannel) EnsureDestination(ctx context.Context, req DestinationRequest) (types.Destination, error) {
	if r.closed.Load() {
		return types.Destination{}, ErrChannelClosed
	}

	endpoint := fmt.Sprintf("%s/tenants/%s/destinations/%s", r.config.URL, url.PathEscape(req.TenantID), url.PathEscape(req.Name))
	body := relayDestinationRequest{Group: req.Group, Visibility: req.Visibility, AllowedRoles: req.AllowedRoles}

	var reply relayDestinationReply
	if err := r.do(ctx, http.MethodPut, endpoint, body, &reply); err != nil {
		return types.Destination{}, fmt.Errorf("failed to ensure destination %s: %w", req.Name, err)
	}
	if reply.ID == "" {
		return types.Destination{}, fmt.Errorf("relay returned no id for destination %s", req.Name)
	}

	return types.Destination{
		TenantID:   req.TenantID,
		Channel:    r.Name(),
		Name:       req.Name,
		Group:      req.Group,
		ID:         reply.ID,
		Visibility: req.Visibility,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Send posts the payload to the destination
func (r *RelayChannel) Send(ctx context.Context, dest types.Destination, payload Payload) error {
	if r.closed.Load() {
		return ErrChannelClosed
	}
	endpoint := fmt.Sprintf("%s/destinations/%s/messages", r.config.URL, url.PathEscape(dest.ID))
	return r.do(ctx, http.MethodPost, endpoint, payload, nil)
}

func (r *RelayChannel) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := &RelayStatusError{StatusCode: resp.StatusCode}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			statusErr.Wait = time.Duration(secs) * time.Second
		}
		return statusErr
	}

	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("failed to decode relay reply: %w", err)
		}
	}
	return nil
}

// Close closes the channel
func (r *RelayChannel) Close() error {
	r.closed.Store(true)
	return nil
}
