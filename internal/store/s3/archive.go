// Package s3 archives closed incidents to S3-compatible object storage
// as gzipped JSON, one object per incident.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"decoynet/internal/correlation"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the S3 connection and archive layout configuration.
type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint for S3-compatible storage
	// (MinIO, LocalStack).
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// Static credentials; IAM is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	RetryMaxAttempts int `yaml:"retry_max_attempts"`
}

// DefaultConfig returns archive defaults.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Bucket:           "decoynet-incidents",
		Prefix:           "incidents/",
		RetryMaxAttempts: 3,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// Archiver uploads closed incidents for long-term retention.
type Archiver struct {
	client *s3.Client
	config Config
	logger *slog.Logger
}

// NewArchiver creates the archiver and its S3 client.
func NewArchiver(ctx context.Context, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	a := &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger,
	}
	logger.Info("incident archiver initialized",
		"bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return a, nil
}

// ArchiveIncident uploads one closed incident. The object key is
// date-partitioned: <prefix>YYYY/MM/DD/<incident-id>.json.gz.
func (a *Archiver) ArchiveIncident(ctx context.Context, incident *correlation.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("s3: failed to marshal incident: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return fmt.Errorf("s3: failed to compress incident: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("s3: failed to compress incident: %w", err)
	}

	key := a.objectKey(incident)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("s3: failed to upload incident %s: %w", incident.ID, err)
	}

	a.logger.Info("incident archived",
		"incident_id", incident.ID,
		"key", key,
		"bytes", buf.Len(),
	)
	return nil
}

func (a *Archiver) objectKey(incident *correlation.Incident) string {
	t := incident.LastUpdatedAt.UTC()
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return fmt.Sprintf("%s%04d/%02d/%02d/%s.json.gz",
		a.config.Prefix, t.Year(), t.Month(), t.Day(), incident.ID)
}
