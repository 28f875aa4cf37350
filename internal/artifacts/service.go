// Package artifacts archives finished analysis reports in S3-compatible
// object storage. The archive is optional: when no endpoint is configured the
// service is nil and callers skip archiving.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignTTL = 24 * time.Hour

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// ReportKey is the object key for an analysis report.
func ReportKey(analysisID string) string {
	return "analyses/" + analysisID + "/report.json"
}

// PutReport stores the JSON report for an analysis and returns its key.
func (s *Service) PutReport(ctx context.Context, analysisID string, report []byte) (string, error) {
	key := ReportKey(analysisID)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(report), int64(len(report)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put report %s: %w", key, err)
	}
	return key, nil
}

// ReportURL returns a presigned GET link for an archived report.
func (s *Service) ReportURL(ctx context.Context, key string) (string, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return presigned.String(), nil
}
