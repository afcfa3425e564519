// Package workspace archives execution artifacts to S3-compatible
// object storage so they survive sandbox teardown. The store is a
// no-op when no bucket is configured.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
)

// ArtifactStore persists and retrieves workspace files by session.
type ArtifactStore interface {
	Enabled() bool
	Put(ctx context.Context, sessionID, relPath string, data []byte) error
	Get(ctx context.Context, sessionID, relPath string) ([]byte, error)
}

// S3Store archives artifacts under s3://{bucket}/sessions/{id}/{path}.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the store from config. A missing bucket yields a
// disabled store, not an error.
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return &S3Store{}, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.S3Bucket}, nil
}

// Enabled reports whether artifact archival is configured.
func (s *S3Store) Enabled() bool { return s.client != nil }

func (s *S3Store) key(sessionID, relPath string) string {
	return path.Join("sessions", sessionID, relPath)
}

// Put uploads one artifact.
func (s *S3Store) Put(ctx context.Context, sessionID, relPath string, data []byte) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID, relPath)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", relPath, err)
	}
	return nil
}

// Get retrieves an archived artifact.
func (s *S3Store) Get(ctx context.Context, sessionID, relPath string) ([]byte, error) {
	if !s.Enabled() {
		return nil, errdefs.New(errdefs.KindNotFound, "artifact archival is not configured")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID, relPath)),
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound,
			fmt.Sprintf("artifact %s not found in archive", relPath), err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

var _ ArtifactStore = (*S3Store)(nil)
