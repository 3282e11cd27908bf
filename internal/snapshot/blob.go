// Package snapshot provides durable storage for serialized document
// replicas (MinIO blobs) and the externally visible presence sets
// (Redis). The two are combined behind one Store so the session layer
// sees a single snapshot-store capability.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore keeps serialized replica snapshots in an S3-compatible
// bucket, one object per document.
type BlobStore struct {
	client *minio.Client
	bucket string
}

type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewBlobStore(ctx context.Context, cfg BlobConfig) (*BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(documentID string) string {
	return "snapshots/" + documentID
}

// GetSnapshot returns the stored snapshot bytes for a document. The
// second return value is false when no snapshot exists, which is not an
// error: a cold document simply starts empty.
func (s *BlobStore) GetSnapshot(ctx context.Context, documentID string) ([]byte, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(documentID), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot %s: %w", documentID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read snapshot %s: %w", documentID, err)
	}
	return data, true, nil
}

func (s *BlobStore) PutSnapshot(ctx context.Context, documentID string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(documentID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", documentID, err)
	}
	return nil
}

func (s *BlobStore) DeleteSnapshot(ctx context.Context, documentID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(documentID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", documentID, err)
	}
	return nil
}
