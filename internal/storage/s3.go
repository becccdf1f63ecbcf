package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3 caps DeleteObjects at 1000 keys per request
const s3DeleteBatch = 1000

// S3Storage talks to AWS S3 or any S3-compatible endpoint (MinIO, Ceph, COS).
type S3Storage struct {
	client *s3.Client
}

// S3StorageConfig holds configuration for the S3 adapter.
type S3StorageConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Storage resolves credentials from the static keys when set, otherwise
// from the default AWS chain.
func NewS3Storage(ctx context.Context, cfg S3StorageConfig) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Storage{client: client}, nil
}

func classifyS3(op, bucket, key string, err error) error {
	var (
		noKey    *types.NoSuchKey
		notFnd   *types.NotFound
		noBucket *types.NoSuchBucket
		apiErr   smithy.APIError
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFnd):
		return notFound(op, bucket, key)
	case errors.As(err, &noBucket):
		return fatal(op, bucket, key, err)
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return notFound(op, bucket, key)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
			return fatal(op, bucket, key, err)
		}
	}
	return transient(op, bucket, key, err)
}

func (s *S3Storage) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classifyS3("put", bucket, key, err)
	}
	return nil
}

func (s *S3Storage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	rc, err := s.GetObjectStream(ctx, bucket, key, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, transient("get", bucket, key, err)
	}
	return data, nil
}

func (s *S3Storage) GetObjectStream(ctx context.Context, bucket, key string, rng *Range) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		if rng.Length == 0 {
			if _, err := s.HeadObject(ctx, bucket, key); err != nil {
				return nil, err
			}
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		if rng.Length < 0 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-", rng.Offset))
		} else {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.Offset+rng.Length-1))
		}
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, classifyS3("get", bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3Storage) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3("head", bucket, key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3Storage) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3("delete", bucket, key, err)
	}
	return nil
}

func (s *S3Storage) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	for start := 0; start < len(keys); start += s3DeleteBatch {
		end := min(start+s3DeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return classifyS3("delete", bucket, keys[start], err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return transient("delete", bucket, aws.ToString(e.Key), errors.New(aws.ToString(e.Message)))
		}
	}
	return nil
}

func (s *S3Storage) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	var out []ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("list", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	// S3 already lists in UTF-8 binary order; compatible stores may not
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *S3Storage) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	objs, err := s.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return keysOf(objs), nil
}

func (s *S3Storage) Close() error { return nil }
