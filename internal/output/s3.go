package output

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/security"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// S3Config contains configuration for the S3 archive channel
type S3Config struct {
	BaseConfig `yaml:",inline"`

	// Bucket is the S3 bucket name
	Bucket string `yaml:"bucket"`

	// Region is the AWS region
	Region string `yaml:"region"`

	// Prefix is the key prefix for objects
	Prefix string `yaml:"prefix,omitempty"`

	// StorageClass is the S3 storage class (STANDARD, GLACIER, etc.)
	StorageClass string `yaml:"storage_class,omitempty"`

	// ServerSideEncryption specifies encryption (AES256, aws:kms)
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`

	// MaxBatchBytes flushes a batch early once it grows past this size
	MaxBatchBytes int `yaml:"max_batch_bytes,omitempty"`

	// Static credentials, optional. The default chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	// Endpoint for S3-compatible services (e.g., MinIO)
	Endpoint string `yaml:"endpoint,omitempty"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `yaml:"use_path_style,omitempty"`
}

// DefaultS3Config returns default S3 configuration
func DefaultS3Config() S3Config {
	return S3Config{
		BaseConfig:    DefaultBaseConfig(),
		Region:        "us-east-1",
		Prefix:        "gamewatch/",
		StorageClass:  "STANDARD",
		MaxBatchBytes: 8 * 1024 * 1024,
	}
}

// objectPutter is the part of the S3 client the channel uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Channel archives payloads as NDJSON objects, one object per destination
// per flush. With BatchSize above one, Send only buffers and failed flushes
// go to the dead letter queue.
type S3Channel struct {
	config      S3Config
	client      objectPutter
	compressor  Compressor
	batcher     *Batcher
	deadLetters *dlq.DeadLetterQueue
	logger      *logging.Logger
	metrics     *metrics.Collector
	now         func() time.Time
	seq         atomic.Int64
	objects     atomic.Int64
	closed      atomic.Bool
}

// S3Option configures an S3Channel
type S3Option func(*S3Channel)

// WithS3DeadLetterQueue receives payloads from failed batch flushes
func WithS3DeadLetterQueue(q *dlq.DeadLetterQueue) S3Option {
	return func(s *S3Channel) { s.deadLetters = q }
}

// WithS3Logger sets the logger
func WithS3Logger(logger *logging.Logger) S3Option {
	return func(s *S3Channel) {
		if logger != nil {
			s.logger = logger.WithComponent("s3")
		}
	}
}

// WithS3Metrics sets the metrics collector
func WithS3Metrics(collector *metrics.Collector) S3Option {
	return func(s *S3Channel) { s.metrics = collector }
}

// NewS3Channel creates an S3 channel using the AWS default config chain
func NewS3Channel(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Channel, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Channel(cfg, client, opts...)
}

func newS3Channel(cfg S3Config, client objectPutter, opts ...S3Option) (*S3Channel, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}

	compressor, err := GetCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	s := &S3Channel{
		config:     cfg,
		client:     client,
		compressor: compressor,
		logger:     logging.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.BatchSize > 1 {
		s.batcher = NewBatcher(BatcherConfig{
			MaxBatchSize:  cfg.BatchSize,
			MaxBatchBytes: cfg.MaxBatchBytes,
			FlushInterval: cfg.FlushInterval,
			OnError:       s.flushFailed,
		}, s.writeBatch)
	}
	return s, nil
}

// Name returns the channel name
func (s *S3Channel) Name() string {
	return "s3"
}

// EnsureDestination maps the destination to a key prefix. Nothing is
// created remotely.
func (s *S3Channel) EnsureDestination(ctx context.Context, req DestinationRequest) (types.Destination, error) {
	if s.closed.Load() {
		return types.Destination{}, ErrChannelClosed
	}

	tenant, _ := security.SanitizeIdentifier(req.TenantID)
	name, _ := security.SanitizeIdentifier(req.Name)
	if tenant == "" || name == "" {
		return types.Destination{}, fmt.Errorf("invalid destination %q for tenant %q", req.Name, req.TenantID)
	}

	return types.Destination{
		TenantID:   req.TenantID,
		Channel:    s.Name(),
		Name:       req.Name,
		Group:      req.Group,
		ID:         s.config.Prefix + tenant + "/" + name,
		Visibility: req.Visibility,
		CreatedAt:  s.now().UTC(),
	}, nil
}

// Send archives the payload, buffering it when batching is enabled
func (s *S3Channel) Send(ctx context.Context, dest types.Destination, payload Payload) error {
	if s.closed.Load() {
		return ErrChannelClosed
	}
	if s.batcher != nil {
		return s.batcher.Add(ctx, dest, payload)
	}

	records := []BatchRecord{{Destination: dest, Payload: payload}}
	return s.writeBatch(ctx, records)
}

// writeBatch writes one object per destination, in first-seen order
func (s *S3Channel) writeBatch(ctx context.Context, records []BatchRecord) error {
	var order []string
	groups := make(map[string][]BatchRecord)
	for _, r := range records {
		if _, ok := groups[r.Destination.ID]; !ok {
			order = append(order, r.Destination.ID)
		}
		groups[r.Destination.ID] = append(groups[r.Destination.ID], r)
	}

	var failed int
	var firstErr error
	for _, id := range order {
		if err := s.writeObject(ctx, id, groups[id]); err != nil {
			failed += len(groups[id])
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%d of %d payloads not archived: %w", failed, len(records), firstErr)
	}
	return nil
}

func (s *S3Channel) writeObject(ctx context.Context, destID string, records []BatchRecord) error {
	var buf bytes.Buffer
	for _, r := range records {
		line := r.Line
		if line == nil {
			var err error
			if line, err = marshalLine(r.Payload); err != nil {
				return err
			}
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	data, err := s.compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress batch: %w", err)
	}

	key := s.objectKey(destID)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	}
	if enc := s.config.Compression.ContentEncoding(); enc != "" {
		input.ContentEncoding = aws.String(enc)
	}
	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}
	if s.config.ServerSideEncryption != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(s.config.ServerSideEncryption)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.objects.Add(1)
	s.metrics.ObserveBatch(s.Name(), len(records))
	s.logger.Debug().Str("key", key).Int("payloads", len(records)).Int("bytes", len(data)).Msg("Archived batch")
	return nil
}

// objectKey builds {destID}/YYYY/MM/DD/HH/{unixnano}-{seq}.ndjson[.ext]
func (s *S3Channel) objectKey(destID string) string {
	now := s.now().UTC()
	name := fmt.Sprintf("%d-%d.ndjson%s", now.UnixNano(), s.seq.Add(1), s.config.Compression.Extension())
	return path.Join(strings.TrimSuffix(destID, "/"), now.Format("2006/01/02/15"), name)
}

// flushFailed dead-letters every payload of a batch that could not be written
func (s *S3Channel) flushFailed(err error, records []BatchRecord) {
	s.logger.Error().Err(err).Int("payloads", len(records)).Msg("Failed to archive batch")
	for _, r := range records {
		s.metrics.ObserveDelivery(s.Name(), string(r.Payload.EventType), "flush", 0)
		if s.deadLetters == nil {
			continue
		}
		meta := map[string]string{"stage": "flush", "tenant": r.Payload.TenantID}
		if _, qerr := s.deadLetters.Enqueue(s.Name(), r.Destination, r.Payload.EventType, r.Payload, err, meta); qerr != nil {
			s.logger.Error().Err(qerr).Msg("Failed to write dead letter")
		}
	}
}

// Objects returns the number of objects written
func (s *S3Channel) Objects() int64 {
	return s.objects.Load()
}

// Close flushes buffered payloads
func (s *S3Channel) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.batcher != nil {
		s.batcher.Stop()
	}
	return nil
}
