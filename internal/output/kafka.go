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

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	BaseConfig `yaml:",inline"`

	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// TopicPrefix starts every destination topic name
	TopicPrefix string `yaml:"topic_prefix,omitempty"`

	// Partitions and ReplicationFactor apply to topics the channel creates
	Partitions        int32 `yaml:"partitions,omitempty"`
	ReplicationFactor int16 `yaml:"replication_factor,omitempty"`

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16 `yaml:"required_acks,omitempty"`

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string `yaml:"compression_codec,omitempty"`

	// MaxMessageBytes is the maximum size of a single message
	MaxMessageBytes int `yaml:"max_message_bytes,omitempty"`

	// IdempotentWrites enables idempotent producer for exactly-once semantics
	IdempotentWrites bool `yaml:"idempotent_writes,omitempty"`

	// EnableTLS enables TLS for connections
	EnableTLS bool `yaml:"enable_tls,omitempty"`

	// SASL configuration
	SASLEnabled   bool   `yaml:"sasl_enabled,omitempty"`
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`

	// ClientID is the client identifier
	ClientID string `yaml:"client_id,omitempty"`

	// Version is the Kafka protocol version
	Version string `yaml:"version,omitempty"`
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BaseConfig:        DefaultBaseConfig(),
		Brokers:           []string{"localhost:9092"},
		TopicPrefix:       "gamewatch",
		Partitions:        3,
		ReplicationFactor: 1,
		RequiredAcks:      1,
		CompressionCodec:  "none",
		MaxMessageBytes:   1000000, // 1MB
		ClientID:          "gamewatch",
		Version:           "3.0.0",
	}
}

// topicAdmin is the part of sarama.ClusterAdmin the channel uses
type topicAdmin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// KafkaChannel publishes payloads to one topic per destination. Messages
// are keyed by service so a server's events stay ordered in a partition.
type KafkaChannel struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	admin    topicAdmin

	mu     sync.Mutex
	topics map[string]bool

	sent   atomic.Int64
	closed atomic.Bool
}

// NewKafkaChannel connects a producer and a cluster admin to the brokers
func NewKafkaChannel(config KafkaConfig) (*KafkaChannel, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}

	saramaConfig, err := buildSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	admin, err := sarama.NewClusterAdmin(config.Brokers, saramaConfig)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka cluster admin: %w", err)
	}

	return newKafkaChannel(config, producer, admin), nil
}

func newKafkaChannel(config KafkaConfig, producer sarama.SyncProducer, admin topicAdmin) *KafkaChannel {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "gamewatch"
	}
	if config.Partitions <= 0 {
		config.Partitions = 1
	}
	if config.ReplicationFactor <= 0 {
		config.ReplicationFactor = 1
	}
	return &KafkaChannel{
		config:   config,
		producer: producer,
		admin:    admin,
		topics:   make(map[string]bool),
	}
}

func buildSaramaConfig(config KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	saramaConfig.Producer.Idempotent = config.IdempotentWrites
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.ClientID = config.ClientID
	if config.IdempotentWrites {
		saramaConfig.Net.MaxOpenRequests = 1
	}

	switch config.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if config.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = config.MaxMessageBytes
	}
	if config.Timeout > 0 {
		saramaConfig.Producer.Timeout = config.Timeout
		saramaConfig.Admin.Timeout = config.Timeout
	}

	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if config.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword

		switch config.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if config.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
	}

	return saramaConfig, nil
}

// Name returns the channel name
func (k *KafkaChannel) Name() string {
	return "kafka"
}

// TopicName returns the topic for a tenant's destination. Kafka topic names
// allow [a-zA-Z0-9._-]; everything else becomes '_'.
func (k *KafkaChannel) TopicName(tenantID, destination string) string {
	return topicSafe(k.config.TopicPrefix + "." + tenantID + "." + destination)
}

func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// EnsureDestination creates the destination topic when the cluster lacks it
func (k *KafkaChannel) EnsureDestination(ctx context.Context, req DestinationRequest) (types.Destination, error) {
	if k.closed.Load() {
		return types.Destination{}, ErrChannelClosed
	}

	topic := k.TopicName(req.TenantID, req.Name)
	dest := types.Destination{
		TenantID:   req.TenantID,
		Channel:    k.Name(),
		Name:       req.Name,
		Group:      req.Group,
		ID:         topic,
		Visibility: req.Visibility,
		CreatedAt:  time.Now().UTC(),
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.topics[topic] {
		return dest, nil
	}

	existing, err := k.admin.ListTopics()
	if err != nil {
		return types.Destination{}, fmt.Errorf("failed to list topics: %w", err)
	}
	if _, ok := existing[topic]; !ok {
		detail := &sarama.TopicDetail{
			NumPartitions:     k.config.Partitions,
			ReplicationFactor: k.config.ReplicationFactor,
		}
		if err := k.admin.CreateTopic(topic, detail, false); err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return types.Destination{}, fmt.Errorf("failed to create topic %s: %w", topic, err)
		}
	}

	k.topics[topic] = true
	return dest, nil
}

// Send publishes the payload to the destination topic
func (k *KafkaChannel) Send(ctx context.Context, dest types.Destination, payload Payload) error {
	if k.closed.Load() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: dest.ID,
		Key:   sarama.StringEncoder(payload.ServiceID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(payload.EventType)},
			{Key: []byte("visibility"), Value: []byte(payload.Visibility)},
			{Key: []byte("tenant_id"), Value: []byte(payload.TenantID)},
		},
		Timestamp: payload.Timestamp,
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	k.sent.Add(1)
	return nil
}

// Sent returns the number of messages published
func (k *KafkaChannel) Sent() int64 {
	return k.sent.Load()
}

// Close closes the producer and the admin client
func (k *KafkaChannel) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if k.producer != nil {
		if err := k.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.admin != nil {
		if err := k.admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
