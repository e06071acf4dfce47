package s3client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/credentials"
	"github.com/s3fs-fuse/s3driver/internal/metrics"
)

// MaxPageSize is the largest number of keys a single list response carries
const MaxPageSize = 1000

// Options configures the connection to the object store
type Options struct {
	Bucket      string
	Region      string
	Endpoint    string
	PathStyle   bool
	Credentials *credentials.Credentials
}

// ObjectInfo is the metadata the backend reports for one object
type ObjectInfo struct {
	Key          string            `json:"key" bson:"key"`
	Size         int64             `json:"size" bson:"size"`
	LastModified time.Time         `json:"last_modified" bson:"last_modified"`
	ContentType  string            `json:"content_type,omitempty" bson:"content_type,omitempty"`
	CacheControl string            `json:"cache_control,omitempty" bson:"cache_control,omitempty"`
	ETag         string            `json:"etag,omitempty" bson:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// ListOptions shapes a list request
type ListOptions struct {
	Delimiter         string
	MaxKeys           int32
	ContinuationToken string
}

// singlePage reports whether the caller bounded the request to one page
func (o ListOptions) singlePage() bool {
	return o.MaxKeys > 0 && o.MaxKeys <= MaxPageSize
}

// ListResult is the (possibly merged) outcome of a list request
type ListResult struct {
	Objects               []ObjectInfo `json:"objects"`
	CommonPrefixes        []string     `json:"common_prefixes,omitempty"`
	IsTruncated           bool         `json:"is_truncated"`
	NextContinuationToken string       `json:"next_continuation_token,omitempty"`
}

// PutOptions carries optional headers for Put
type PutOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

// Grant is one entry of an object ACL
type Grant struct {
	Grantee    string
	Permission string
}

// Client is the gateway to one bucket of an S3 compatible store
type Client struct {
	api     API
	bucket  string
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewClient creates a gateway backed by the AWS SDK
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	cfgOptions := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.Credentials != nil && opts.Credentials.IsValid() {
		cfgOptions = append(cfgOptions, config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			opts.Credentials.AccessKeyID,
			opts.Credentials.SecretAccessKey,
			opts.Credentials.SessionToken,
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return NewFromAPI(s3Client, opts.Bucket), nil
}

// NewFromAPI wraps an existing API implementation
func NewFromAPI(api API, bucket string) *Client {
	return &Client{
		api:    api,
		bucket: bucket,
		log:    logrus.WithFields(logrus.Fields{"component": "s3client", "bucket": bucket}),
	}
}

// WithMetrics attaches a metrics sink
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// WithLogger replaces the logger
func (c *Client) WithLogger(log *logrus.Entry) *Client {
	c.log = log.WithField("bucket", c.bucket)
	return c
}

// Bucket returns the bucket name
func (c *Client) Bucket() string {
	return c.bucket
}

// API returns the underlying service client
func (c *Client) API() API {
	return c.api
}

func (c *Client) observe(op string, start time.Time, err error) {
	if IsNotFound(err) {
		err = nil
	}
	c.metrics.ObserveBackend(op, start, err)
}

// Head retrieves object metadata. A missing object yields ErrNotFound.
func (c *Client) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	c.observe("head", start, err)
	if err != nil {
		return nil, classify("head object", key, err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		ETag:         aws.ToString(out.ETag),
		Metadata:     copyMetadata(out.Metadata),
	}, nil
}

// List lists keys below prefix. Truncated responses are followed and merged
// unless opts bounds MaxKeys to a single page, in which case the first page
// is returned as is.
func (c *Client) List(ctx context.Context, prefix string, opts ListOptions) (*ListResult, error) {
	result := &ListResult{}
	token := opts.ContinuationToken

	for {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(prefix),
		}
		if opts.Delimiter != "" {
			input.Delimiter = aws.String(opts.Delimiter)
		}
		if opts.MaxKeys > 0 {
			input.MaxKeys = aws.Int32(opts.MaxKeys)
		}
		if token != "" {
			input.ContinuationToken = aws.String(token)
		}

		start := time.Now()
		out, err := c.api.ListObjectsV2(ctx, input)
		c.observe("list", start, err)
		if err != nil {
			return nil, classify("list objects", prefix, err)
		}

		for _, obj := range out.Contents {
			result.Objects = append(result.Objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
		for _, cp := range out.CommonPrefixes {
			result.CommonPrefixes = append(result.CommonPrefixes, aws.ToString(cp.Prefix))
		}

		truncated := aws.ToBool(out.IsTruncated)
		next := aws.ToString(out.NextContinuationToken)
		if opts.singlePage() || !truncated || next == "" {
			result.IsTruncated = truncated
			result.NextContinuationToken = next
			return result, nil
		}

		c.log.WithFields(logrus.Fields{
			"prefix": prefix,
			"page":   len(result.Objects),
		}).Debug("Following truncated listing")
		token = next
	}
}

// Get opens a streaming reader on the object. The caller closes it.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	start := time.Now()
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	c.observe("get", start, err)
	if err != nil {
		return nil, nil, classify("get object", key, err)
	}

	info := &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		ETag:         aws.ToString(out.ETag),
		Metadata:     copyMetadata(out.Metadata),
	}
	return out.Body, info, nil
}

// Download writes the object to localPath. A partially written file is
// removed when the transfer fails.
func (c *Client) Download(ctx context.Context, key, localPath string) (*ObjectInfo, error) {
	body, info, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, &LocalIOError{Path: localPath, Err: err}
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(localPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &LocalIOError{Path: localPath, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(localPath)
		return nil, &LocalIOError{Path: localPath, Err: err}
	}
	return info, nil
}

// Put creates or overwrites an object
func (c *Client) Put(ctx context.Context, key string, body io.ReadSeeker, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: copyMetadata(opts.Metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}

	start := time.Now()
	_, err := c.api.PutObject(ctx, input)
	c.observe("put", start, err)
	if err != nil {
		return classify("put object", key, err)
	}
	return nil
}

// Delete removes the object and then verifies it is gone. The returned flag
// reports whether the object is absent afterwards.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	c.observe("delete", start, err)
	if err != nil && !IsNotFound(err) {
		return false, classify("delete object", key, err)
	}

	_, err = c.Head(ctx, key)
	switch {
	case IsNotFound(err):
		return true, nil
	case err != nil:
		return false, err
	default:
		return false, nil
	}
}

// Copy performs a server side copy. A non-empty cacheControl replaces the
// header on the target while keeping the source content type and metadata.
func (c *Client) Copy(ctx context.Context, sourceKey, destKey, cacheControl string) error {
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(destKey),
		CopySource: aws.String(copySource(c.bucket, sourceKey)),
	}

	if cacheControl != "" {
		src, err := c.Head(ctx, sourceKey)
		if err != nil {
			return err
		}
		input.MetadataDirective = types.MetadataDirectiveReplace
		input.CacheControl = aws.String(cacheControl)
		input.Metadata = src.Metadata
		if src.ContentType != "" {
			input.ContentType = aws.String(src.ContentType)
		}
	}

	start := time.Now()
	_, err := c.api.CopyObject(ctx, input)
	c.observe("copy", start, err)
	if err != nil {
		return classify("copy object", sourceKey, err)
	}
	return nil
}

// Rename copies sourceKey to destKey and deletes the source afterwards.
// Object stores have no atomic rename: when the delete fails both keys exist.
func (c *Client) Rename(ctx context.Context, sourceKey, destKey, cacheControl string) error {
	if sourceKey == destKey {
		return nil
	}
	if err := c.Copy(ctx, sourceKey, destKey, cacheControl); err != nil {
		return err
	}

	start := time.Now()
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(sourceKey),
	})
	c.observe("delete", start, err)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"source": sourceKey,
			"target": destKey,
		}).WithError(err).Warn("Rename left source object behind")
		return classify("delete renamed object", sourceKey, err)
	}
	return nil
}

// GetACL returns the grants of an object
func (c *Client) GetACL(ctx context.Context, key string) ([]Grant, error) {
	start := time.Now()
	out, err := c.api.GetObjectAcl(ctx, &s3.GetObjectAclInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	c.observe("get_acl", start, err)
	if err != nil {
		return nil, classify("get object acl", key, err)
	}

	grants := make([]Grant, 0, len(out.Grants))
	for _, g := range out.Grants {
		grant := Grant{Permission: string(g.Permission)}
		if g.Grantee != nil {
			grant.Grantee = aws.ToString(g.Grantee.ID)
			if grant.Grantee == "" {
				grant.Grantee = aws.ToString(g.Grantee.URI)
			}
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

// copySource builds the URL encoded CopySource header value
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
