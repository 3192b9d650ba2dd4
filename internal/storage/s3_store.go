package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	KeyPrefix string
	UseSSL    bool
}

// S3BlobStore keeps ciphertext blobs in an S3-compatible bucket. Objects
// are opaque to the bucket operator; keys carry no plaintext metadata.
type S3BlobStore struct {
	client    *minio.Client
	bucket    string
	keyPrefix string
}

func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3 bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("s3 bucket create: %w", err)
		}
	}

	return &S3BlobStore{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *S3BlobStore) objectName(id string) string {
	if s.keyPrefix == "" {
		return id + ".blob"
	}
	return s.keyPrefix + "/" + id + ".blob"
}

func (s *S3BlobStore) Put(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(id),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", id, err)
	}
	return nil
}

func (s *S3BlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("empty id")
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 read %s: %w", id, err)
	}
	return data, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(id), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", id, err)
	}
	return nil
}
