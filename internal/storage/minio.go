package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinIOConfig describes an S3-compatible bucket holding index artifacts.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyID" split_words:"true"`
	SecretAccessKey string `yaml:"secretAccessKey" split_words:"true"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	UseSSL          bool   `yaml:"useSSL" envconfig:"USE_SSL"`
}

// MinIO stores artifacts as objects under a bucket prefix.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIO connects to the bucket described by cfg.
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinIO) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Open streams the named object.
func (m *MinIO) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, m.bucket, m.key(name))
		}
		return nil, err
	}
	return obj, nil
}

// WritePair encodes both artifacts in memory and uploads them only after
// both encodings succeed.
func (m *MinIO) WritePair(ctx context.Context, vecName, metaName string, encode func(vec, meta io.Writer) error) error {
	var vec, meta bytes.Buffer
	if err := encode(&vec, &meta); err != nil {
		return err
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		log.Info().Str("bucket", m.bucket).Msg("creating artifact bucket")
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", m.bucket, err)
		}
	}
	for _, obj := range []struct {
		name string
		buf  *bytes.Buffer
	}{{vecName, &vec}, {metaName, &meta}} {
		size := int64(obj.buf.Len())
		_, err := m.client.PutObject(ctx, m.bucket, m.key(obj.name), obj.buf, size,
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return fmt.Errorf("upload %s: %w", obj.name, err)
		}
		log.Info().Str("bucket", m.bucket).Str("object", m.key(obj.name)).Int64("bytes", size).Msg("uploaded index artifact")
	}
	return nil
}
