package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// Archive copies snapshot images to and from S3 so a snapshot captured on
// one host can be restored on another.
type Archive struct {
	bucket     string
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

func NewArchive(ctx context.Context, cfg types.S3Config) (*Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Archive{
		bucket:     cfg.Bucket,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

// Upload pushes the three snapshot images under one key prefix and returns
// that prefix.
func (a *Archive) Upload(ctx context.Context, snapshot *types.Snapshot) (string, error) {
	prefix := fmt.Sprintf("snapshots/%s/%s/%s/%s", snapshot.RepoOwner, snapshot.RepoName, snapshot.Branch, snapshot.ExternalId)

	for _, path := range []string{snapshot.MemPath, snapshot.VMStatePath, snapshot.DiskPath} {
		if err := a.uploadFile(ctx, path, prefix+"/"+filepath.Base(path)); err != nil {
			return "", err
		}
	}

	log.Info().
		Str("snapshot", snapshot.ExternalId).
		Str("prefix", prefix).
		Int64("bytes", snapshot.SizeBytes()).
		Msg("snapshot archived")

	return prefix, nil
}

// Download fetches archived images into the snapshot's local paths. Used
// when a restore lands on a host that never captured this snapshot.
func (a *Archive) Download(ctx context.Context, snapshot *types.Snapshot) error {
	if snapshot.S3Key == "" {
		return fmt.Errorf("snapshot %s has no archive key", snapshot.ExternalId)
	}

	for _, path := range []string{snapshot.MemPath, snapshot.VMStatePath, snapshot.DiskPath} {
		if err := a.downloadFile(ctx, snapshot.S3Key+"/"+filepath.Base(path), path); err != nil {
			return err
		}
	}

	return nil
}

func (a *Archive) uploadFile(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return nil
}

func (a *Archive) downloadFile(ctx context.Context, key, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	_, err = a.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to download %s: %w", key, err)
	}

	return nil
}
