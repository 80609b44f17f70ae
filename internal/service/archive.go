package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"longevity-sync/internal/provider"
	commoncfg "longevity-sync/pkg/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ExportArchiver keeps a copy of uploaded export files
type ExportArchiver interface {
	Archive(ctx context.Context, userID string, f provider.ExportFile) (string, error)
}

// S3Archiver uploads exports to <bucket>/<prefix>/<userID>/<timestamp>-<name>
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	now      func() time.Time
}

func NewS3Archiver(client manager.UploadAPIClient, bucket, prefix string) (*S3Archiver, error) {
	if client == nil {
		return nil, errors.New("s3 upload client nil")
	}
	if bucket == "" {
		return nil, errors.New("bucket is empty")
	}
	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		now:      time.Now,
	}, nil
}

// NewS3Client builds an S3 client; a custom endpoint (MinIO, localstack) uses path-style hosts
func NewS3Client(ctx context.Context, cfg commoncfg.S3Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if cfg.Endpoint != "" {
			return aws.Endpoint{
				PartitionID:       "aws",
				URL:               cfg.Endpoint,
				SigningRegion:     region,
				HostnameImmutable: true,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func (a *S3Archiver) Archive(ctx context.Context, userID string, f provider.ExportFile) (string, error) {
	name := path.Base(f.Name)
	if name == "" || name == "." || name == "/" {
		name = "export"
	}
	key := path.Join(a.prefix, userID, fmt.Sprintf("%s-%s", a.now().UTC().Format("20060102T150405Z"), name))

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   io.NewSectionReader(f.Reader, 0, f.Size),
	})
	if err != nil {
		return "", fmt.Errorf("upload failed key=[%s], bucket=[%s]: %w", key, a.bucket, err)
	}
	return key, nil
}
