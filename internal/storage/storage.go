// Package storage provides the object store the site is published to and
// the transcript sources jobs read from, on S3 or on local disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/failure"
)

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Objects is the object store a built site is uploaded to.
type Objects interface {
	Put(ctx context.Context, key string, data []byte, contentType string, overwrite bool) (bool, error)
}

// NewObjects picks S3 when cfg.SiteBucket is set and a local directory
// otherwise.
func NewObjects(ctx context.Context, cfg config.Config) (Objects, error) {
	if cfg.SiteBucket == "" {
		return NewDirStore(cfg.SiteDir), nil
	}
	client, err := NewS3Client(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	return NewS3Store(client, cfg.SiteBucket), nil
}

// Transcripts reads raw transcripts by path.
type Transcripts interface {
	ReadTranscript(ctx context.Context, path string) (string, error)
}

// NewTranscripts picks S3 when cfg.TranscriptBucket is set and
// cfg.TranscriptDir otherwise.
func NewTranscripts(ctx context.Context, cfg config.Config) (Transcripts, error) {
	if cfg.TranscriptBucket == "" {
		return NewDirTranscripts(cfg.TranscriptDir), nil
	}
	client, err := NewS3Client(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	return NewS3Transcripts(client, cfg.TranscriptBucket), nil
}

// cleanKey normalises an object key and rejects keys that escape the root.
func cleanKey(key string) (string, error) {
	key = path.Clean(strings.TrimPrefix(filepath.ToSlash(key), "/"))
	if key == "." || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", failure.Invalid("key", fmt.Sprintf("%q is not a relative path", key))
	}
	return key, nil
}

// DirStore writes objects as files under a root directory.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{root: dir}
}

// Put writes data to root/key. Without overwrite an existing file is left
// alone and Put returns false.
func (d *DirStore) Put(_ context.Context, key string, data []byte, _ string, overwrite bool) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	target := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, failure.New(failure.KindStorageError, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(target, flags, 0o644) //nolint:gosec // published site content
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, failure.New(failure.KindStorageError, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return false, failure.New(failure.KindStorageError, err)
	}
	if err := f.Close(); err != nil {
		return false, failure.New(failure.KindStorageError, err)
	}
	return true, nil
}

// DirTranscripts reads transcripts from files under a root directory.
type DirTranscripts struct {
	root string
}

// NewDirTranscripts creates a source rooted at dir.
func NewDirTranscripts(dir string) *DirTranscripts {
	return &DirTranscripts{root: dir}
}

// ReadTranscript reads root/p.
func (d *DirTranscripts) ReadTranscript(_ context.Context, p string) (string, error) {
	key, err := cleanKey(p)
	if err != nil {
		return "", failure.New(failure.KindTranscriptNotFound, err)
	}
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", failure.Newf(failure.KindTranscriptNotFound, "transcript %s not found", p)
	}
	if err != nil {
		return "", failure.New(failure.KindStorageError, err)
	}
	return string(data), nil
}

// contentType defaults an empty content type for uploads.
func contentType(ct string) *string {
	if ct == "" {
		return aws.String("application/octet-stream")
	}
	return aws.String(ct)
}
