// Package archive copies checkpoints to S3-compatible object storage as a
// cold tier next to the primary backend.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// Config locates the archive bucket. Endpoint and static keys are for
// S3-compatible services; leave them empty to use the default AWS chain.
type Config struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// Enabled reports whether an archive bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type downloader interface {
	Download(ctx context.Context, w io.WriterAt, in *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error)
}

// Archiver writes and reads checkpoint objects.
type Archiver struct {
	bucket string
	prefix string
	up     uploader
	down   downloader
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("archive: bucket is empty")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	slog.Info("checkpoint archive enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return &Archiver{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		up:     manager.NewUploader(client),
		down:   manager.NewDownloader(client),
	}, nil
}

// Key is the object key for a checkpoint: prefix/owner/version-id.json.
func (a *Archiver) Key(ownerID string, version int, id string) string {
	return path.Join(a.prefix, ownerID, strconv.Itoa(version)+"-"+id+".json")
}

// Archive uploads cp in its stable JSON shape and returns the object key.
func (a *Archiver) Archive(ctx context.Context, cp *store.Checkpoint) (string, error) {
	data, err := store.MarshalCheckpoint(cp)
	if err != nil {
		return "", err
	}
	key := a.Key(cp.OwnerID, cp.Version, cp.ID)
	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive checkpoint %s: %w", cp.ID, err)
	}
	return key, nil
}

// Fetch downloads and decodes the checkpoint stored under key.
func (a *Archiver) Fetch(ctx context.Context, key string) (*store.Checkpoint, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := a.down.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch archived checkpoint %s: %w", key, err)
	}
	return store.UnmarshalCheckpoint(buf.Bytes())
}
