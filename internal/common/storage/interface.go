package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store surface used for output archives.
type ObjectStorage interface {
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
}
