package s3client

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/metrics"
)

const (
	// MinPartSize is the smallest part size S3 accepts for all but the last part (5MB)
	MinPartSize = 5 * 1024 * 1024
	// DefaultPartSize is the default part size for multipart upload (5MB)
	DefaultPartSize = 5 * 1024 * 1024
	// DefaultMaxAttempts bounds how often an upload is resumed
	DefaultMaxAttempts = 10

	// MetaSHA1 and MetaMD5 hold content digests stored at upload time
	MetaSHA1 = "content-sha1"
	MetaMD5  = "content-md5"
)

// UploadSession is the resumable state of one multipart upload
type UploadSession struct {
	LocalPath    string
	Key          string
	Bucket       string
	ContentType  string
	CacheControl string
	Metadata     map[string]string
	Size         int64
	UploadID     string
	Parts        []types.CompletedPart
}

func (s *UploadSession) hasPart(n int32) bool {
	for _, p := range s.Parts {
		if aws.ToInt32(p.PartNumber) == n {
			return true
		}
	}
	return false
}

// UploaderOptions tunes the multipart uploader
type UploaderOptions struct {
	PartSize    int64
	MaxAttempts int
}

// Uploader uploads local files in parts, resuming failed parts from the
// saved session and aborting the session once the retry budget is spent.
type Uploader struct {
	api         API
	partSize    int64
	maxAttempts int
	log         *logrus.Entry
	metrics     *metrics.Metrics
}

// NewUploader creates an uploader on top of the client's API
func (c *Client) NewUploader(opts UploaderOptions) *Uploader {
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Uploader{
		api:         c.api,
		partSize:    opts.PartSize,
		maxAttempts: opts.MaxAttempts,
		log:         c.log.WithField("component", "uploader"),
		metrics:     c.metrics,
	}
}

// Upload transfers localPath to key in bucket. Empty files are written with
// a single put since multipart sessions reject empty payloads.
func (u *Uploader) Upload(ctx context.Context, localPath, key, bucket, cacheControl string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &LocalIOError{Path: localPath, Err: err}
	}
	defer f.Close()

	session, err := newSession(f, localPath, key, bucket, cacheControl)
	if err != nil {
		return err
	}

	if session.Size == 0 {
		return u.putEmpty(ctx, session)
	}

	var lastErr error
	attempts := 0
	for attempts < u.maxAttempts {
		attempts++
		lastErr = u.attempt(ctx, f, session)
		u.metrics.UploadAttempt(lastErr)
		if lastErr == nil {
			return nil
		}

		u.log.WithFields(logrus.Fields{
			"key":       key,
			"upload_id": session.UploadID,
			"attempt":   attempts,
			"parts":     len(session.Parts),
		}).WithError(lastErr).Warn("Multipart upload attempt failed")

		if ctx.Err() != nil {
			break
		}
	}

	uploadErr := &UploadError{
		Key:      key,
		UploadID: session.UploadID,
		Attempts: attempts,
		Err:      lastErr,
	}
	if session.UploadID != "" {
		uploadErr.AbortErr = u.abort(context.WithoutCancel(ctx), session)
	}
	return uploadErr
}

// attempt resumes the session: it opens it if needed, uploads the parts not
// yet completed and completes the upload.
func (u *Uploader) attempt(ctx context.Context, f *os.File, s *UploadSession) error {
	if s.UploadID == "" {
		input := &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(s.Bucket),
			Key:         aws.String(s.Key),
			ContentType: aws.String(s.ContentType),
			Metadata:    s.Metadata,
		}
		if s.CacheControl != "" {
			input.CacheControl = aws.String(s.CacheControl)
		}
		out, err := u.api.CreateMultipartUpload(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to create multipart upload: %w", err)
		}
		if out.UploadId == nil {
			return fmt.Errorf("upload ID is nil")
		}
		s.UploadID = *out.UploadId
	}

	totalParts := (s.Size + u.partSize - 1) / u.partSize
	for i := int64(0); i < totalParts; i++ {
		partNumber := int32(i + 1)
		if s.hasPart(partNumber) {
			continue
		}

		offset := i * u.partSize
		length := u.partSize
		if offset+length > s.Size {
			length = s.Size - offset
		}

		out, err := u.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(s.Key),
			UploadId:      aws.String(s.UploadID),
			PartNumber:    aws.Int32(partNumber),
			ContentLength: aws.Int64(length),
			Body:          io.NewSectionReader(f, offset, length),
		})
		if err != nil {
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}
		if out.ETag == nil {
			return fmt.Errorf("ETag is nil for part %d", partNumber)
		}

		s.Parts = append(s.Parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	sort.Slice(s.Parts, func(i, j int) bool {
		return aws.ToInt32(s.Parts[i].PartNumber) < aws.ToInt32(s.Parts[j].PartNumber)
	})

	_, err := u.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(s.Key),
		UploadId: aws.String(s.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: s.Parts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

func (u *Uploader) abort(ctx context.Context, s *UploadSession) error {
	_, err := u.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(s.Key),
		UploadId: aws.String(s.UploadID),
	})
	u.metrics.UploadAborted()
	if err != nil {
		u.log.WithFields(logrus.Fields{
			"key":       s.Key,
			"upload_id": s.UploadID,
		}).WithError(err).Error("Failed to abort multipart upload")
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

func (u *Uploader) putEmpty(ctx context.Context, s *UploadSession) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.Key),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String(s.ContentType),
		Metadata:    s.Metadata,
	}
	if s.CacheControl != "" {
		input.CacheControl = aws.String(s.CacheControl)
	}
	if _, err := u.api.PutObject(ctx, input); err != nil {
		return classify("put object", s.Key, err)
	}
	return nil
}

// newSession inspects the local file: size, content type and digests
func newSession(f *os.File, localPath, key, bucket, cacheControl string) (*UploadSession, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, &LocalIOError{Path: localPath, Err: err}
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, &LocalIOError{Path: localPath, Err: err}
	}

	sha := sha1.New()
	sum := md5.New()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, &LocalIOError{Path: localPath, Err: err}
	}
	if _, err := io.Copy(io.MultiWriter(sha, sum), f); err != nil {
		return nil, &LocalIOError{Path: localPath, Err: err}
	}

	return &UploadSession{
		LocalPath:    localPath,
		Key:          key,
		Bucket:       bucket,
		ContentType:  DetectContentType(key, head[:n]),
		CacheControl: cacheControl,
		Size:         stat.Size(),
		Metadata: map[string]string{
			MetaSHA1: hex.EncodeToString(sha.Sum(nil)),
			MetaMD5:  hex.EncodeToString(sum.Sum(nil)),
		},
	}, nil
}

// DetectContentType sniffs the content type of a file. Sniffing cannot tell
// plain text, generic binaries and svg apart from more specific types, so
// those results are replaced by the type registered for the extension.
func DetectContentType(name string, head []byte) string {
	return RefineContentType(name, http.DetectContentType(head))
}

// RefineContentType replaces a missing or generic content type with the type
// registered for the extension of name, if there is one
func RefineContentType(name, contentType string) string {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}

	switch strings.ToLower(base) {
	case "", "text/plain", "application/octet-stream", "binary/octet-stream", "text/xml", "image/svg+xml":
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			return byExt
		}
	}
	return contentType
}
