package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/failure"
)

func TestDirStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewDirStore(dir)

	written, err := store.Put(ctx, "sites/work/j1/index.html", []byte("v1"), "text/html", false)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.Put(ctx, "sites/work/j1/index.html", []byte("v2"), "text/html", false)
	require.NoError(t, err)
	assert.False(t, written, "existing objects are skipped")
	data, err := os.ReadFile(filepath.Join(dir, "sites", "work", "j1", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	written, err = store.Put(ctx, "sites/work/j1/index.html", []byte("v3"), "text/html", true)
	require.NoError(t, err)
	assert.True(t, written)
	data, err = os.ReadFile(filepath.Join(dir, "sites", "work", "j1", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "v3", string(data))
}

func TestCleanKeyRejectsEscapes(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "a/b.html", want: "a/b.html"},
		{key: "/a/./b.html", want: "a/b.html"},
		{key: "../etc/passwd", wantErr: true},
		{key: "a/../../b", wantErr: true},
		{key: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := cleanKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, failure.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirTranscripts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "call.md"), []byte("hello"), 0o644))
	src := NewDirTranscripts(dir)

	got, err := src.ReadTranscript(ctx, "call.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = src.ReadTranscript(ctx, "missing.md")
	assert.True(t, failure.Is(err, failure.KindTranscriptNotFound))
	assert.True(t, failure.Permanent(err))
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)

	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func TestS3StoreConditionalPut(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	store := NewS3Store(client, "sites")

	written, err := store.Put(ctx, "work/j1/brief.html", []byte("v1"), "text/html", false)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, "*", aws.ToString(client.puts[0].IfNoneMatch))
	assert.Equal(t, "text/html", aws.ToString(client.puts[0].ContentType))

	written, err = store.Put(ctx, "work/j1/brief.html", []byte("v2"), "text/html", false)
	require.NoError(t, err)
	assert.False(t, written)

	written, err = store.Put(ctx, "work/j1/brief.html", []byte("v3"), "", true)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Nil(t, client.puts[2].IfNoneMatch)
	assert.Equal(t, "v3", string(client.objects["work/j1/brief.html"]))
}

func TestS3Transcripts(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	client.objects["calls/1.md"] = []byte("raw")
	src := NewS3Transcripts(client, "transcripts")

	got, err := src.ReadTranscript(ctx, "calls/1.md")
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	_, err = src.ReadTranscript(ctx, "calls/2.md")
	assert.True(t, failure.Is(err, failure.KindTranscriptNotFound))
}
