package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/surfscan/surfscan/internal/logger"
)

// ErrArtifactNotFound is returned when the requested object does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore is the object-store interface used by the workers. Rendered
// artifacts live under scans/{scanId}/...
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeleteScan(ctx context.Context, scanID string) error
}

// MinioConfig configures the S3-compatible artifact store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore stores artifacts in a MinIO (S3-compatible) bucket.
type MinioStore struct {
	client *s3.Client
	bucket string
	log    *logger.Logger
}

// NewMinioStore builds an S3 client pointed at the MinIO endpoint and
// verifies bucket access, creating the bucket when missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig, log *logger.Logger) (*MinioStore, error) {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true // MinIO serves buckets by path, not virtual host
	})

	store := &MinioStore{client: client, bucket: cfg.Bucket, log: log}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.HeadBucket(checkCtx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if _, err := client.CreateBucket(checkCtx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			return nil, fmt.Errorf("failed to verify bucket %s: %w", cfg.Bucket, err)
		}
		log.Infof("created artifact bucket %s", cfg.Bucket)
	}

	return store, nil
}

// Put uploads one artifact.
func (m *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", key, err)
	}
	return nil
}

// Get downloads one artifact.
func (m *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to fetch artifact %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}
	return data, nil
}

// Ping verifies bucket access.
func (m *MinioStore) Ping(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", m.bucket, err)
	}
	return nil
}

// DeleteScan removes every object under scans/{scanID}/. Best effort: each
// failed delete is logged and the walk continues.
func (m *MinioStore) DeleteScan(ctx context.Context, scanID string) error {
	prefix := ScanPrefix(scanID)
	var continuation *string

	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("failed to list artifacts for %s: %w", scanID, err)
		}

		for _, obj := range out.Contents {
			_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(m.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				m.log.WithError(err).Warnf("failed to delete artifact %s", aws.ToString(obj.Key))
			}
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}
	return nil
}

// Artifact key helpers; the layout is part of the external contract.

func ScanPrefix(scanID string) string {
	return fmt.Sprintf("scans/%s/", scanID)
}

func DOMSnapshotKey(scanID string) string {
	return fmt.Sprintf("scans/%s/dom-snapshot.html", scanID)
}

func ExternalScriptKey(scanID string, index int) string {
	return fmt.Sprintf("scans/%s/scripts/external-script-%d.js", scanID, index)
}

func SourceMapKey(scanID string, index int) string {
	return fmt.Sprintf("scans/%s/sourcemaps/map-%d.json", scanID, index)
}

func ScreenshotKey(scanID string) string {
	return fmt.Sprintf("scans/%s/screenshot.png", scanID)
}

func NetworkTraceKey(scanID string) string {
	return fmt.Sprintf("scans/%s/network-trace.json", scanID)
}
