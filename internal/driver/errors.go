package driver

import "errors"

var (
	// ErrNotFound is returned when a file or folder does not exist
	ErrNotFound = errors.New("not found")

	// ErrFilterRejected is returned when a listing filter reports an error
	ErrFilterRejected = errors.New("filter rejected entry")

	// ErrInvalidTarget is returned when a folder would be moved or copied
	// into itself, or when the root folder is the subject of a mutation
	ErrInvalidTarget = errors.New("invalid target")

	// ErrHashUnavailable is returned when no stored content hash exists
	ErrHashUnavailable = errors.New("content hash unavailable")

	// ErrUnsupportedHash is returned for hash algorithms other than sha1 and md5
	ErrUnsupportedHash = errors.New("unsupported hash algorithm")
)
