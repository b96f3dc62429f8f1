package storage

import (
	"context"
	"io"
)

// ObjectReader is the stream returned for object downloads.
type ObjectReader interface {
	io.ReadCloser
}

// ObjectStorage defines the object storage operations used by the core.
// Implemented by MinIO; tests substitute an in-memory fake.
type ObjectStorage interface {
	// GetObject returns a reader for the object content.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// PutObject uploads an object with a known size.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// RemoveObject deletes a single object.
	RemoveObject(ctx context.Context, bucket, objectKey string) error

	// ListObjects returns all object keys under the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)

	// RemovePrefix deletes every object under the given prefix.
	RemovePrefix(ctx context.Context, bucket, prefix string) error
}
