package s3client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotFound marks an absent object or prefix. It is an expected outcome of
// existence checks, not a failure.
var ErrNotFound = errors.New("object not found")

// InfrastructureError is a backend failure other than absence: network,
// authorization or malformed requests.
type InfrastructureError struct {
	Op  string
	Key string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("failed to %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// UploadError is returned once a multipart upload exhausted its retries.
// AbortErr is set when releasing the backend session failed as well.
type UploadError struct {
	Key      string
	UploadID string
	Attempts int
	Err      error
	AbortErr error
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("failed to upload %q after %d attempts: %v", e.Key, e.Attempts, e.Err)
	if e.AbortErr != nil {
		msg += fmt.Sprintf(" (abort of upload %s failed: %v)", e.UploadID, e.AbortErr)
	}
	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// LocalIOError wraps failures of the local filesystem side of a transfer
type LocalIOError struct {
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local io on %s: %v", e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err denotes a missing object
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// classify converts a raw SDK error into ErrNotFound or *InfrastructureError
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return &InfrastructureError{Op: op, Key: key, Err: err}
}
