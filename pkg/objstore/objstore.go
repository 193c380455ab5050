package objstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/remlabs/remd/pkg/config"
)

// PathPrefix is the root under which tenant objects live. Only paths of the
// form buckets/{tenant_id}/... are processed; everything else is dropped by
// the ingress router.
const PathPrefix = "buckets/"

// TenantFromPath extracts the tenant id from an object path. ok is false for
// paths outside the tenant namespace or with an empty tenant segment.
func TenantFromPath(path string) (tenant string, ok bool) {
	if !strings.HasPrefix(path, PathPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, PathPrefix)
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", false
	}
	return rest[:idx], true
}

// ObjectName strips the buckets/ prefix, leaving {tenant}/{object...}.
func ObjectName(path string) string {
	return strings.TrimPrefix(path, PathPrefix)
}

// BaseName returns the final path segment of a URI, used as the resource
// display name.
func BaseName(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 {
		return uri
	}
	return uri[idx+1:]
}

// Extension returns the lower-cased file extension including the dot, or ""
// when there is none.
func Extension(uri string) string {
	name := BaseName(uri)
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(name[idx:])
}

// Client reads objects out of the store.
type Client interface {
	// Stream opens the object at the given tenant path for reading. The
	// caller closes the reader.
	Stream(ctx context.Context, path string) (io.ReadCloser, error)
}

// MinioClient implements Client against a MinIO-compatible endpoint.
type MinioClient struct {
	mc     *minio.Client
	bucket string
}

// NewMinioClient connects to the configured endpoint.
func NewMinioClient(cfg config.ObjStoreConfig) (*MinioClient, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to object store at %s: %w", cfg.Endpoint, err)
	}
	return &MinioClient{mc: mc, bucket: cfg.Bucket}, nil
}

// Stream opens an object for reading.
func (c *MinioClient) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, ObjectName(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", path, err)
	}
	return obj, nil
}
