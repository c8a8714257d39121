// Package s3 archives incidents to S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-playground/validator/v10"
)

// ErrNotFound is returned when an archived object does not exist.
var ErrNotFound = errors.New("s3: object not found")

// Config locates the archive bucket.
type Config struct {
	Region string `json:"region" yaml:"region" validate:"required"`
	Bucket string `json:"bucket" yaml:"bucket" validate:"required"`
	// Prefix is prepended to every key.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Endpoint and UsePathStyle target S3-compatible stores such as MinIO.
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`

	// Credentials are optional; the default AWS chain is used when empty.
	Credentials Credentials `json:"credentials" yaml:"credentials"`
	Encryption  Encryption  `json:"encryption" yaml:"encryption"`

	StorageClass string        `json:"storage_class" yaml:"storage_class"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

type Credentials struct {
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`
}

// Encryption selects server-side encryption. An empty Mode leaves it to the
// bucket policy.
type Encryption struct {
	Mode     string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=AES256 aws:kms"`
	KMSKeyID string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Region:       "us-east-1",
		Bucket:       "threatline-archive",
		StorageClass: string(types.StorageClassStandard),
		MaxAttempts:  3,
		Timeout:      30 * time.Second,
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("s3: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("s3: %w", err)
	}
	if c.StorageClass != "" && !slices.Contains(types.StorageClass("").Values(), types.StorageClass(c.StorageClass)) {
		return fmt.Errorf("s3: unknown storage class %q", c.StorageClass)
	}
	if c.Encryption.KMSKeyID != "" && c.Encryption.Mode != "aws:kms" {
		return errors.New("s3: kms_key_id needs encryption mode aws:kms")
	}
	return nil
}

// ObjectAPI is the part of *s3.Client the archive uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client reads and writes whole objects in one bucket.
type Client struct {
	api    ObjectAPI
	cfg    *Config
	logger *slog.Logger

	puts     atomic.Int64
	bytesPut atomic.Int64
	failures atomic.Int64
}

// Stats counts client operations.
type Stats struct {
	Objects  int64 `json:"objects"`
	Bytes    int64 `json:"bytes"`
	Failures int64 `json:"failures"`
}

// NewClient loads AWS configuration and builds a client for cfg's bucket.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cr := cfg.Credentials; cr.AccessKeyID != "" && cr.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cr.AccessKeyID, cr.SecretAccessKey, cr.SessionToken)))
	}
	if cfg.MaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	c := NewClientWithAPI(api, cfg, logger)
	c.logger.Info("s3 client ready", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return c, nil
}

// NewClientWithAPI wraps an existing object API.
func NewClientWithAPI(api ObjectAPI, cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, cfg: cfg, logger: logger.With("component", "s3", "bucket", cfg.Bucket)}
}

// Object is a body with the headers stored alongside it.
type Object struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// Put writes obj under key, relative to the configured prefix, and returns
// the object's s3:// URI.
func (c *Client) Put(ctx context.Context, key string, obj Object) (string, error) {
	full := c.cfg.Prefix + key
	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(full),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		in.ContentEncoding = aws.String(obj.ContentEncoding)
	}
	if c.cfg.StorageClass != "" {
		in.StorageClass = types.StorageClass(c.cfg.StorageClass)
	}
	if mode := c.cfg.Encryption.Mode; mode != "" {
		in.ServerSideEncryption = types.ServerSideEncryption(mode)
		if c.cfg.Encryption.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(c.cfg.Encryption.KMSKeyID)
		}
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()
	if _, err := c.api.PutObject(ctx, in); err != nil {
		c.failures.Add(1)
		return "", fmt.Errorf("s3: put %s: %w", full, err)
	}

	c.puts.Add(1)
	c.bytesPut.Add(int64(len(obj.Body)))
	c.logger.Debug("object written", "key", full, "bytes", len(obj.Body))
	return "s3://" + c.cfg.Bucket + "/" + full, nil
}

// Get reads the whole object at key. A missing object yields ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	full := c.cfg.Prefix + key

	ctx, cancel := c.bound(ctx)
	defer cancel()
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.cfg.Bucket), Key: aws.String(full)})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, full)
		}
		c.failures.Add(1)
		return nil, fmt.Errorf("s3: get %s: %w", full, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("s3: read %s: %w", full, err)
	}
	return data, nil
}

// HealthCheck reports whether the bucket is reachable with the configured
// credentials.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.cfg.Bucket)}); err != nil {
		return fmt.Errorf("s3: head bucket %s: %w", c.cfg.Bucket, err)
	}
	return nil
}

func (c *Client) Stats() Stats {
	return Stats{Objects: c.puts.Load(), Bytes: c.bytesPut.Load(), Failures: c.failures.Load()}
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}
