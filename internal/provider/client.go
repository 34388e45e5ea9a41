package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/security"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

var errNoCredentials = errors.New("credentials with a service id are required")

const (
	DefaultBaseURL          = "https://api.nitrado.net"
	DefaultTimeout          = 10 * time.Second
	DefaultRateLimit        = 5.0
	DefaultBurst            = 10
	DefaultMaxDownloadBytes = 64 << 20

	maxReplyBytes = 4 << 20
)

// Config holds client configuration
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	RateLimit        float64
	Burst            int
	MaxDownloadBytes int64
	UserAgent        string
	Retry            reliability.RetryConfig
	CircuitBreaker   reliability.CircuitBreakerConfig
}

// Client is a RemoteFileAPI and ServiceLogSource over the provider's REST API.
// Every call is rate limited, bounded by a per-call timeout, retried on
// transient failures and guarded by a circuit breaker per service.
type Client struct {
	http        *http.Client
	baseURL     string
	timeout     time.Duration
	maxDownload int64
	userAgent   string
	limiter     *rate.Limiter
	retry       reliability.RetryConfig
	breakers    *reliability.Breakers
	logger      *logging.Logger
	metrics     *metrics.Collector
}

// NewClient creates a provider client. httpClient, logger and collector may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *logging.Logger, collector *metrics.Collector) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = DefaultMaxDownloadBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gamewatch"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	cfg.Retry.RetryIf = func(err error) bool {
		if errors.Is(err, reliability.ErrCircuitOpen) || errors.Is(err, reliability.ErrTooManyRequests) {
			return false
		}
		return IsRetryable(err)
	}

	breakerCfg := cfg.CircuitBreaker
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || !IsRetryable(err) || errors.Is(err, context.Canceled)
	}

	c := &Client{
		http:        httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		timeout:     cfg.Timeout,
		maxDownload: cfg.MaxDownloadBytes,
		userAgent:   cfg.UserAgent,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		retry:       cfg.Retry,
		logger:      logger.WithComponent("provider"),
		metrics:     collector,
	}
	c.breakers = reliability.NewBreakers(breakerCfg, func(key string, from, to reliability.State) {
		c.logger.Warn().Str("service", key).Str("from", from.String()).Str("to", to.String()).
			Msg("Upstream circuit breaker changed state")
		c.metrics.SetCircuitState("provider:"+key, int(to))
	})
	return c
}

// Breakers exposes the per-service circuit breakers for health reporting
func (c *Client) Breakers() *reliability.Breakers {
	return c.breakers
}

type listReply struct {
	Status string `json:"status"`
	Data   struct {
		Entries []struct {
			Type       string `json:"type"`
			Path       string `json:"path"`
			Name       string `json:"name"`
			Size       int64  `json:"size"`
			ModifiedAt int64  `json:"modified_at"`
		} `json:"entries"`
	} `json:"data"`
}

// ListFiles lists one directory
func (c *Client) ListFiles(ctx context.Context, creds *types.Credentials, dir string) ([]types.FileEntry, error) {
	if creds == nil || creds.ServiceID == "" {
		return nil, errNoCredentials
	}
	q := url.Values{"dir": {dir}}
	endpoint := c.serviceURL(creds, "gameservers/file_server/list", q)

	var reply listReply
	if err := c.call(ctx, "list", creds, func(ctx context.Context) error {
		return c.getJSON(ctx, "list", endpoint, creds.APIToken, &reply)
	}); err != nil {
		return nil, err
	}

	entries := make([]types.FileEntry, 0, len(reply.Data.Entries))
	for _, e := range reply.Data.Entries {
		name := e.Name
		if name == "" {
			name = path.Base(e.Path)
		}
		full := e.Path
		if full == "" {
			full = path.Join(dir, name)
		}
		entries = append(entries, types.FileEntry{
			Name:       name,
			Path:       full,
			Size:       e.Size,
			ModifiedAt: time.Unix(e.ModifiedAt, 0).UTC(),
			IsDir:      e.Type == "dir",
		})
	}
	return entries, nil
}

type downloadReply struct {
	Status string `json:"status"`
	Data   struct {
		Token struct {
			URL   string `json:"url"`
			Token string `json:"token"`
		} `json:"token"`
	} `json:"data"`
}

// DownloadFile fetches a whole file. The provider hands out a short-lived
// download URL first; the content is then fetched from that URL.
func (c *Client) DownloadFile(ctx context.Context, creds *types.Credentials, fullPath string) ([]byte, error) {
	if creds == nil || creds.ServiceID == "" {
		return nil, errNoCredentials
	}
	q := url.Values{"file": {fullPath}}
	endpoint := c.serviceURL(creds, "gameservers/file_server/download", q)

	var data []byte
	err := c.call(ctx, "download", creds, func(ctx context.Context) error {
		var reply downloadReply
		if err := c.getJSON(ctx, "download", endpoint, creds.APIToken, &reply); err != nil {
			return err
		}
		if reply.Data.Token.URL == "" {
			return fmt.Errorf("%w: download token has no url", ErrMalformedReply)
		}

		body, err := c.fetch(ctx, "download", reply.Data.Token.URL, "", c.maxDownload)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

type logsReply struct {
	Status string `json:"status"`
	Data   struct {
		Logs []struct {
			User      string `json:"user"`
			Category  string `json:"category"`
			Message   string `json:"message"`
			CreatedAt string `json:"created_at"`
			Severity  string `json:"severity"`
			Admin     bool   `json:"admin"`
		} `json:"logs"`
	} `json:"data"`
}

// ListServiceLogs fetches the provider's operational log for the service
func (c *Client) ListServiceLogs(ctx context.Context, creds *types.Credentials) ([]types.SystemLogEntry, error) {
	if creds == nil || creds.ServiceID == "" {
		return nil, errNoCredentials
	}
	endpoint := c.serviceURL(creds, "logs", nil)

	var reply logsReply
	if err := c.call(ctx, "logs", creds, func(ctx context.Context) error {
		return c.getJSON(ctx, "logs", endpoint, creds.APIToken, &reply)
	}); err != nil {
		return nil, err
	}

	entries := make([]types.SystemLogEntry, 0, len(reply.Data.Logs))
	for _, l := range reply.Data.Logs {
		created, err := parser.ParseTimestamp(l.CreatedAt)
		if err != nil {
			c.logger.Debug().Str("created_at", l.CreatedAt).Msg("Unparseable service log timestamp")
		}
		entries = append(entries, types.SystemLogEntry{
			Message:   l.Message,
			Severity:  l.Severity,
			Category:  l.Category,
			CreatedAt: created,
			User:      l.User,
			Admin:     l.Admin,
		})
	}
	return entries, nil
}

func (c *Client) serviceURL(creds *types.Credentials, suffix string, q url.Values) string {
	u := fmt.Sprintf("%s/services/%s/%s", c.baseURL, url.PathEscape(creds.ServiceID), suffix)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// call runs one logical operation with retry, circuit breaking and metrics
func (c *Client) call(ctx context.Context, op string, creds *types.Credentials, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.breakers.Execute(ctx, creds.ServiceID, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return fn(callCtx)
		})
	})

	c.metrics.ObserveUpstream(op, outcome(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to %s for service %s: %w", op, creds.ServiceID, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, reliability.ErrCircuitOpen), errors.Is(err, reliability.ErrTooManyRequests):
		return "circuit_open"
	case IsRateLimited(err):
		return "rate_limited"
	case IsUnauthorized(err):
		return "unauthorized"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func (c *Client) getJSON(ctx context.Context, op, endpoint, token string, out interface{}) error {
	data, err := c.fetch(ctx, op, endpoint, token, maxReplyBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, op, endpoint, token string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("operation", op).Str("url", security.RedactURL(endpoint)).
		Int("status", resp.StatusCode).Msg("Upstream request")

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Operation:  op,
			Wait:       retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDownloadTooLarge, limit)
	}
	return data, nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
