// Package storage archives finished documents, such as signed contract
// workflows, on local disk or in an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/buyrs/BM-sub005/internal/config"
)

// Store writes an object under key and returns where it landed.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New builds the store selected by cfg.Driver. An empty driver means local;
// a relative local_dir is resolved against workspace.
func New(ctx context.Context, cfg config.Storage, workspace string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		dir := cfg.LocalDir
		if dir == "" {
			dir = filepath.Join(".bailmobilite", "archive")
		}
		if !filepath.IsAbs(dir) {
			if workspace == "" {
				workspace = "."
			}
			dir = filepath.Join(workspace, dir)
		}
		return &LocalStore{BaseDir: dir}, nil
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, errors.New("storage driver s3 requires storage.s3.bucket")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Store{client: client, bucket: cfg.S3.Bucket, prefix: cfg.S3.Prefix}, nil
	case "none":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newS3Client(ctx context.Context, cfg config.Storage) (*s3.Client, error) {
	region := cfg.S3.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.S3.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3.Endpoint,
					PartitionID:       "aws",
					SigningRegion:     region,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3.PathStyle
	}), nil
}

// SanitizeKey strips leading separators and dot segments so a key can't
// escape the store root.
func SanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// LocalStore writes objects beneath BaseDir.
type LocalStore struct {
	BaseDir string
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = SanitizeKey(key)
	if key == "" {
		return "", errors.New("storage key is required")
	}
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Store writes objects to a bucket, optionally under a key prefix.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = SanitizeKey(key)
	if key == "" {
		return "", errors.New("storage key is required")
	}
	if p := strings.Trim(s.prefix, "/"); p != "" {
		key = p + "/" + key
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Discard drops every object. Used when archiving is switched off.
type Discard struct{}

func (Discard) Put(context.Context, string, []byte, string) (string, error) { return "", nil }
