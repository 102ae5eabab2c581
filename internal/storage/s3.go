package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/raphaelgruber/minutegraph/internal/failure"
)

// S3API is the part of *s3.Client the stores use.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store uploads objects to a bucket.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates a store for bucket.
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put uploads data. Without overwrite the upload is conditional on the key
// not existing; a lost condition returns false.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, ct string, overwrite bool) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: contentType(ct),
	}
	if !overwrite {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if preconditionFailed(err) {
			return false, nil
		}
		return false, failure.New(failure.KindStorageError, err)
	}
	return true, nil
}

func preconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusPreconditionFailed
}

// S3Transcripts reads transcripts from a bucket; paths are object keys.
type S3Transcripts struct {
	client S3API
	bucket string
}

// NewS3Transcripts creates a source for bucket.
func NewS3Transcripts(client S3API, bucket string) *S3Transcripts {
	return &S3Transcripts{client: client, bucket: bucket}
}

// ReadTranscript fetches the object at key.
func (s *S3Transcripts) ReadTranscript(ctx context.Context, key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", failure.New(failure.KindTranscriptNotFound, err)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return "", failure.Newf(failure.KindTranscriptNotFound, "transcript s3://%s/%s not found", s.bucket, key)
		}
		return "", failure.New(failure.KindStorageError, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", failure.New(failure.KindStorageError, err)
	}
	return string(data), nil
}
