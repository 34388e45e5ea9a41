package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	BaseConfig `yaml:",inline"`

	// Addresses is the list of Elasticsearch node URLs
	Addresses []string `yaml:"addresses"`

	// IndexPrefix starts every destination index name
	IndexPrefix string `yaml:"index_prefix,omitempty"`

	// Pipeline is the ingest pipeline to use
	Pipeline string `yaml:"pipeline,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	CloudID  string `yaml:"cloud_id,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`

	// MaxRetries for failed requests inside the client transport
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		BaseConfig:  DefaultBaseConfig(),
		Addresses:   []string{"http://localhost:9200"},
		IndexPrefix: "gamewatch",
		MaxRetries:  3,
	}
}

// payloadMapping keeps text fields searchable and ids exact
const payloadMapping = `{
  "mappings": {
    "properties": {
      "id":          {"type": "keyword"},
      "tenant_id":   {"type": "keyword"},
      "service_id":  {"type": "keyword"},
      "event_type":  {"type": "keyword"},
      "destination": {"type": "keyword"},
      "visibility":  {"type": "keyword"},
      "title":       {"type": "text"},
      "description": {"type": "text"},
      "timestamp":   {"type": "date"},
      "fields": {
        "properties": {
          "name":  {"type": "keyword"},
          "value": {"type": "text"}
        }
      }
    }
  }
}`

// ElasticsearchStatusError is an error reply from the cluster
type ElasticsearchStatusError struct {
	StatusCode int
	Status     string
}

func (e *ElasticsearchStatusError) Error() string {
	return "elasticsearch returned error: " + e.Status
}

// Permanent reports whether retrying cannot help
func (e *ElasticsearchStatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// ElasticsearchChannel indexes payloads, one index per tenant destination
type ElasticsearchChannel struct {
	config ElasticsearchConfig
	client *elasticsearch.Client

	mu      sync.Mutex
	indices map[string]bool

	indexed atomic.Int64
	closed  atomic.Bool
}

// NewElasticsearchChannel creates the client and checks the cluster answers
func NewElasticsearchChannel(config ElasticsearchConfig) (*ElasticsearchChannel, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}
	if config.IndexPrefix == "" {
		config.IndexPrefix = "gamewatch"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  config.Addresses,
		CloudID:    config.CloudID,
		Username:   config.Username,
		Password:   config.Password,
		APIKey:     config.APIKey,
		MaxRetries: config.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, &ElasticsearchStatusError{StatusCode: res.StatusCode, Status: res.Status()}
	}

	return &ElasticsearchChannel{
		config:  config,
		client:  client,
		indices: make(map[string]bool),
	}, nil
}

// Name returns the channel name
func (e *ElasticsearchChannel) Name() string {
	return "elasticsearch"
}

// IndexName returns the index for a tenant's destination. Index names must
// be lowercase and may not contain most punctuation.
func (e *ElasticsearchChannel) IndexName(tenantID, destination string) string {
	name := strings.ToLower(e.config.IndexPrefix + "-" + tenantID + "-" + destination)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

// EnsureDestination creates the destination index with the payload mapping
func (e *ElasticsearchChannel) EnsureDestination(ctx context.Context, req DestinationRequest) (types.Destination, error) {
	if e.closed.Load() {
		return types.Destination{}, ErrChannelClosed
	}

	index := e.IndexName(req.TenantID, req.Name)
	dest := types.Destination{
		TenantID:   req.TenantID,
		Channel:    e.Name(),
		Name:       req.Name,
		Group:      req.Group,
		ID:         index,
		Visibility: req.Visibility,
		CreatedAt:  time.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.indices[index] {
		return dest, nil
	}

	res, err := e.client.Indices.Exists([]string{index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return types.Destination{}, fmt.Errorf("failed to check index %s: %w", index, err)
	}
	drain(res)

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusNotFound:
		created, err := e.client.Indices.Create(index,
			e.client.Indices.Create.WithContext(ctx),
			e.client.Indices.Create.WithBody(strings.NewReader(payloadMapping)))
		if err != nil {
			return types.Destination{}, fmt.Errorf("failed to create index %s: %w", index, err)
		}
		body, _ := io.ReadAll(io.LimitReader(created.Body, 4096))
		created.Body.Close()
		if created.IsError() && !strings.Contains(string(body), "resource_already_exists_exception") {
			return types.Destination{}, fmt.Errorf("failed to create index %s: %w", index,
				&ElasticsearchStatusError{StatusCode: created.StatusCode, Status: created.Status()})
		}
	default:
		return types.Destination{}, &ElasticsearchStatusError{StatusCode: res.StatusCode, Status: res.Status()}
	}

	e.indices[index] = true
	return dest, nil
}

// Send indexes the payload using its id as document id, so a redelivered
// payload overwrites rather than duplicates
func (e *ElasticsearchChannel) Send(ctx context.Context, dest types.Destination, payload Payload) error {
	if e.closed.Load() {
		return ErrChannelClosed
	}

	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      dest.ID,
		DocumentID: payload.ID,
		Body:       bytes.NewReader(doc),
		Refresh:    "false",
	}
	if e.config.Pipeline != "" {
		req.Pipeline = e.config.Pipeline
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	drain(res)

	if res.IsError() {
		return &ElasticsearchStatusError{StatusCode: res.StatusCode, Status: res.Status()}
	}
	e.indexed.Add(1)
	return nil
}

func drain(res *esapi.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

// Indexed returns the number of documents indexed
func (e *ElasticsearchChannel) Indexed() int64 {
	return e.indexed.Load()
}

// Close closes the channel
func (e *ElasticsearchChannel) Close() error {
	e.closed.Store(true)
	return nil
}
