package blob

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore 通过 S3 兼容的对象存储处理 s3://bucket/key
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Download(ctx context.Context, rawURL, dstPath string) error {
	bucket, key, err := splitObjectURL(rawURL)
	if err != nil {
		return err
	}
	return s.client.FGetObject(ctx, bucket, key, dstPath, minio.GetObjectOptions{})
}

func (s *MinioStore) Upload(ctx context.Context, rawURL, srcPath, contentType string) error {
	bucket, key, err := splitObjectURL(rawURL)
	if err != nil {
		return err
	}
	_, err = s.client.FPutObject(ctx, bucket, key, srcPath, minio.PutObjectOptions{ContentType: contentType})
	return err
}
