package backup

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"tenant-admin/internal/config"
)

// Mirror keeps an off-site copy of completed dumps.
type Mirror interface {
	// Put uploads the file at localPath and returns the remote key.
	Put(ctx context.Context, key, localPath string) (string, error)
	Remove(ctx context.Context, key string) error
}

// S3Mirror stores dumps in an S3 bucket under an optional prefix.
type S3Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   *logrus.Logger
}

func NewS3Mirror(ctx context.Context, cfg config.S3Config, logger *logrus.Logger) (*S3Mirror, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Mirror{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		logger:   logger,
	}, nil
}

func (m *S3Mirror) Put(ctx context.Context, key, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	full := path.Join(m.prefix, key)
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(full),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	m.logger.WithFields(logrus.Fields{"bucket": m.bucket, "key": full}).Info("Backup mirrored to S3")
	return full, nil
}

func (m *S3Mirror) Remove(ctx context.Context, key string) error {
	if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}
