package artifact

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
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of the S3 client the store uses; tests substitute it.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 is the object-storage back-end. It checks existence before put to skip
// redundant uploads; a lost race against a concurrent identical put is
// harmless because content is immutable under its hash.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 builds the store from the ambient AWS configuration.
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifact: s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	return &S3{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3) key(hash string) string {
	k := shardKey(hash)
	if s.prefix != "" {
		k = s.prefix + "/" + k
	}
	return k
}

func (s *S3) Put(ctx context.Context, data []byte, kind string) (Ref, error) {
	hash := HashBytes(data)
	key := s.key(hash)
	ref := Ref{
		SHA256: hash,
		Kind:   kind,
		URI:    "s3://" + s.bucket + "/" + key,
		Size:   int64(len(data)),
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		if head.LastModified != nil {
			ref.CreatedAt = head.LastModified.UTC()
		}
		return ref, nil
	}
	if !isS3NotFound(err) {
		return Ref{}, fmt.Errorf("artifact: head %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"kind": kind},
	})
	if err != nil {
		return Ref{}, fmt.Errorf("artifact: put %s: %w", key, err)
	}

	ref.CreatedAt = time.Now().UTC()
	return ref, nil
}

func (s *S3) Get(ctx context.Context, hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, ErrNotFound
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact: get %s: %w", hash, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("artifact: read body of %s: %w", hash, err)
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, hash string) (bool, error) {
	if len(hash) < 2 {
		return false, nil
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifact: head %s: %w", hash, err)
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
