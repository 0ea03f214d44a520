// Copyright 2026 Fieldworks
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/caarlos0/env/v11"
)

// S3Store uploads attachment blobs to an S3-compatible backend (AWS S3 or
// MinIO). Single bucket; keys map to object keys directly.
type S3Store struct {
	client *s3.Client
	bucket string
	base   *url.URL // optional explicit endpoint base for constructing URLs
	region string
}

// S3Config holds construction parameters. For production use the environment
// variables consumed by OpenS3FromEnv.
type S3Config struct {
	Region    string `env:"FIELDSYNC_S3_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"FIELDSYNC_S3_BUCKET"`
	Endpoint  string `env:"FIELDSYNC_S3_ENDPOINT"`   // optional, e.g. MinIO
	PathStyle bool   `env:"FIELDSYNC_S3_PATH_STYLE"` // default false
}

// NewS3 creates an S3 blob store from S3Config.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	var base *url.URL
	if cfg.Endpoint != "" {
		if u, err := url.Parse(cfg.Endpoint); err == nil {
			base = u
		}
	}
	return &S3Store{client: client, bucket: cfg.Bucket, base: base, region: region}, nil
}

// OpenS3FromEnv constructs an S3 store from FIELDSYNC_S3_* environment
// variables (AWS credentials come from the default chain).
func OpenS3FromEnv(ctx context.Context) (*S3Store, error) {
	var cfg S3Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse s3 config from env: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("FIELDSYNC_S3_BUCKET required for s3 store")
	}
	return NewS3(ctx, cfg)
}

// Upload puts the object and returns its canonical URL.
func (s *S3Store) Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: r}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", err
	}
	return s.objectURL(key), nil
}

func (s *S3Store) objectURL(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.base != nil {
		u := *s.base
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + s.bucket + "/" + key
		return u.String()
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
