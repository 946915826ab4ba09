// Package s3 stores objects in an S3-compatible bucket (AWS, Backblaze B2,
// MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/storage"
)

// Compile-time check to ensure Client implements storage.Storage interface
var _ storage.Storage = (*Client)(nil)

// Client encapsulates an S3-compatible client and default settings.
type Client struct {
	client      *s3.Client
	bucket      string
	partSizeMB  int64
	concurrency int
}

// Opts holds options to initialize the client.
type Opts struct {
	Bucket      string
	Region      string
	Endpoint    string // empty uses the AWS default resolver
	AccessKey   string
	SecretKey   string
	PathStyle   bool
	PartSizeMB  int64 // default 16
	Concurrency int   // default 4
}

func New(ctx context.Context, opts *Opts) (*Client, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if opts.PartSizeMB <= 0 {
		opts.PartSizeMB = 16
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(opts.Endpoint))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = opts.PathStyle })

	return &Client{
		client:      client,
		bucket:      opts.Bucket,
		partSizeMB:  opts.PartSizeMB,
		concurrency: opts.Concurrency,
	}, nil
}

// Upload uploads data from a reader to the specified key with optional metadata.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error {
	if contentType == "" {
		if ext := filepath.Ext(key); ext != "" {
			contentType = mime.TypeByExtension(ext)
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	uploader := manager.NewUploader(c.client, func(m *manager.Uploader) {
		m.PartSize = c.partSizeMB * 1024 * 1024
		m.Concurrency = c.concurrency
	})

	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}

	if _, err := uploader.Upload(ctx, input); err != nil {
		return c.wrap("upload", key, err)
	}
	return nil
}

// Open issues one ranged GET per call; each reader owns its response body.
func (c *Client) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length == 0 {
		return nil, fmt.Errorf("%w: invalid range offset=%d length=%d", fault.ErrRangeNotSatisfiable, offset, length)
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if r := rangeHeader(offset, length); r != "" {
		input.Range = aws.String(r)
	}

	result, err := c.client.GetObject(ctx, input)
	if err != nil {
		return nil, c.wrap("get object", key, err)
	}
	return &storage.ContextReader{Ctx: ctx, R: result.Body}, nil
}

// rangeHeader renders an HTTP Range value; empty means the whole object.
func rangeHeader(offset, length int64) string {
	switch {
	case offset == 0 && length < 0:
		return ""
	case length < 0:
		return fmt.Sprintf("bytes=%d-", offset)
	default:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
}

func (c *Client) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, c.wrap("head object", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         aws.ToString(out.ETag),
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     out.Metadata,
	}, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return c.wrap("delete object", key, err)
	}
	return nil
}

// List lists all objects in the bucket with optional prefix filtering.
// It automatically handles pagination to retrieve all objects.
// Note: ListObjectsV2 does not return metadata. Use Stat for individual objects.
func (c *Client) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, c.wrap("list objects", prefix, err)
		}

		for _, obj := range page.Contents {
			objects = append(objects, storage.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}

	return objects, nil
}

func (c *Client) wrap(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s/%s: %w", op, c.bucket, key, storage.ErrObjectNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		return fmt.Errorf("%w: %s %s/%s", fault.ErrRangeNotSatisfiable, op, c.bucket, key)
	}
	return fmt.Errorf("%w: %s %s/%s: %w", fault.ErrIO, op, c.bucket, key, err)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}
