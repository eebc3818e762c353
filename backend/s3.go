package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	imagecache "github.com/wolfeidau/image-cache"
)

// S3Config holds connection settings for an S3-compatible object store.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string

	// Transport overrides the HTTP transport used by the client.
	// Wrap it with telemetry.NewInstrumentedTransport to record store traffic.
	Transport http.RoundTripper
}

// S3 implements Backend using an S3-compatible object store via the MinIO
// client. The bucket is created at construction if it does not exist.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 creates a new S3 backend and ensures the bucket exists.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:    cfg.UseSSL,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the bucket name.
func (s *S3) Bucket() string {
	return s.bucket
}

// Write stores data at the given key.
func (s *S3) Write(ctx context.Context, key string, r io.Reader) error {
	opts := minio.PutObjectOptions{ContentType: contentTypeForKey(key)}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, -1, opts); err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}

// Read retrieves data at the given key.
func (s *S3) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", key, err)
	}

	// GetObject is lazy. Stat forces the first request so a missing key
	// surfaces here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("statting object %s: %w", key, err)
	}

	return obj, nil
}

// Delete removes data at the given key.
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("removing object %s: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("statting object %s: %w", key, err)
	}
	return true, nil
}

// List returns all keys with the given prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing objects: %w", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// contentTypeForKey derives the upload content type from the key extension.
func contentTypeForKey(key string) string {
	f, err := imagecache.FormatFromPath(key)
	if err != nil {
		return "application/octet-stream"
	}
	return f.ContentType()
}

// Compile-time interface check
var _ Backend = (*S3)(nil)
