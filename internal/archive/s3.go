package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fleetops/fleetctl/state"
)

// S3Config configures the snapshot archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Archiver uploads queue snapshots to AWS S3 for long-term fleet
// observability.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver loads AWS config and prepares an archiver.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ArchiveSnapshot uploads one snapshot as JSON and returns its s3:// URI.
// Keys are date-partitioned per group so retention policies can prune by day.
func (a *S3Archiver) ArchiveSnapshot(ctx context.Context, snap state.QueueSnapshot) (string, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}

	key := a.objectKey(
		"snapshots",
		snap.GroupID,
		snap.SampledAt.UTC().Format("2006-01-02"),
		snap.SampledAt.UTC().Format("150405.000000000")+".json",
	)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: ptr("application/json"),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *S3Archiver) objectKey(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
