package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// presignExpiry is the longest expiry SigV4 allows.
const presignExpiry = 7 * 24 * time.Hour

// S3Config configures an S3 or S3-compatible (MinIO) bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	// PublicBaseURL, when set, is used to build object URLs instead of
	// presigned GET URLs.
	PublicBaseURL string
}

// S3BlobStore stores blobs in a single bucket; keys map to object keys.
type S3BlobStore struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	publicBase string
}

func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3BlobStore{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		publicBase: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readAndValidate(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.CreatedAt = time.Now().UTC()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(meta.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(meta.Size),
		ContentType:   aws.String(meta.ContentType),
		Metadata:      objectMetadata(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.Key, err)
	}

	meta.URL, err = s.objectURL(ctx, meta.Key)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *S3BlobStore) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, nil, mapS3Error(key, err)
	}
	meta := metadataFromObject(key, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentType), out.Metadata, out.LastModified)
	meta.URL, _ = s.objectURL(ctx, key)
	return out.Body, &meta, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.GetMetadata(ctx, key); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, key string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, mapS3Error(key, err)
	}
	meta := metadataFromObject(key, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentType), out.Metadata, out.LastModified)
	meta.URL, err = s.objectURL(ctx, key)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *S3BlobStore) ListByTreatment(ctx context.Context, treatmentID string) ([]*BlobMetadata, error) {
	prefix := treatmentPrefix(treatmentID)
	var out []*BlobMetadata
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			meta := metadataFromObject(key, aws.ToInt64(obj.Size), "", nil, obj.LastModified)
			meta.TreatmentID = treatmentID
			if meta.URL, err = s.objectURL(ctx, key); err != nil {
				return nil, err
			}
			out = append(out, &meta)
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func (s *S3BlobStore) objectURL(ctx context.Context, key string) (string, error) {
	if s.publicBase != "" {
		return s.publicBase + "/" + key, nil
	}
	req, err := s.presign.PresignGetObject(ctx,
		&s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)},
		func(o *s3.PresignOptions) { o.Expires = presignExpiry },
	)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func objectMetadata(meta BlobMetadata) map[string]string {
	md := map[string]string{
		"file-name": meta.FileName,
		"sha256":    meta.Hash,
	}
	if meta.TreatmentID != "" {
		md["treatment-id"] = meta.TreatmentID
		md["stage"] = strconv.Itoa(meta.Stage)
	}
	return md
}

func metadataFromObject(key string, size int64, contentType string, md map[string]string, lastModified *time.Time) BlobMetadata {
	meta := BlobMetadata{
		Key:         key,
		Size:        size,
		ContentType: contentType,
		FileName:    md["file-name"],
		Hash:        md["sha256"],
		TreatmentID: md["treatment-id"],
		CreatedAt:   aws.ToTime(lastModified),
	}
	if n, err := strconv.Atoi(md["stage"]); err == nil {
		meta.Stage = n
	}
	return meta
}

func mapS3Error(key string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return fmt.Errorf("s3 object %s: %w", key, err)
}
