package cache

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := newFakeS3()
	s := newS3Store(fake, Config{History: 2, S3: S3Config{Bucket: "b", Prefix: "kansoku"}}, nil)

	_, err := s.Load(ctx, "g")
	require.ErrorIs(t, err, ErrNotFound)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, s.Save(ctx, Entry{GUID: "g", Data: []byte(v), Timestamp: ts, ETag: v}))
	}
	require.NoError(t, s.Save(ctx, Entry{GUID: "g", Data: []byte("v3"), Timestamp: ts, Tries: 1, ETag: "v3"}))

	got, err := s.Load(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(got.Data))
	assert.Equal(t, 1, got.Tries)
	assert.True(t, got.Timestamp.Equal(ts))

	h, err := s.History(ctx, "g", 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "v3", string(h[0]))
	assert.Equal(t, "v2", string(h[1]))

	guids, err := s.GUIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, guids)

	for k := range fake.objects {
		assert.True(t, strings.HasPrefix(k, "kansoku/"), k)
	}

	require.NoError(t, s.Delete(ctx, "g"))
	assert.Empty(t, fake.objects)
}
