package artifact

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{LastModified: aws.Time(time.Now())}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func TestS3PutGetRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := &S3{client: fake, bucket: "leviathan-artifacts", prefix: "artifacts"}
	ctx := context.Background()

	data := []byte("model output payload")
	ref, err := store.Put(ctx, data, KindModelOutput)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), ref.SHA256)
	assert.Equal(t, "s3://leviathan-artifacts/artifacts/"+ref.SHA256[:2]+"/"+ref.SHA256, ref.URI)

	got, err := store.Get(ctx, ref.SHA256)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, ref.SHA256)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestS3PutSkipsExistingObject(t *testing.T) {
	fake := newFakeS3()
	store := &S3{client: fake, bucket: "b", prefix: ""}
	ctx := context.Background()

	data := []byte("immutable under its hash")
	_, err := store.Put(ctx, data, KindLog)
	require.NoError(t, err)
	_, err = store.Put(ctx, data, KindLog)
	require.NoError(t, err)
	require.Equal(t, 1, fake.puts)
}

func TestS3GetNotFound(t *testing.T) {
	store := &S3{client: newFakeS3(), bucket: "b", prefix: "p"}
	_, err := store.Get(context.Background(), HashBytes([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Exists(context.Background(), HashBytes([]byte("missing")))
	require.NoError(t, err)
	require.False(t, ok)
}
