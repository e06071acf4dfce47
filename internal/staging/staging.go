// Package staging tracks temporary local copies of remote objects so that
// every one of them is removed when the owning driver closes.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/metrics"
)

// Registry hands out temp file paths and remembers them until released
type Registry struct {
	mu      sync.Mutex
	dir     string
	paths   map[string]struct{}
	closed  bool
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewRegistry creates a registry placing files in dir (os.TempDir when empty)
func NewRegistry(dir string, m *metrics.Metrics) *Registry {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Registry{
		dir:     dir,
		paths:   make(map[string]struct{}),
		log:     logrus.WithField("component", "staging"),
		metrics: m,
	}
}

// WithLogger replaces the logger
func (r *Registry) WithLogger(log *logrus.Entry) *Registry {
	r.log = log
	return r
}

// Dir returns the staging directory
func (r *Registry) Dir() string {
	return r.dir
}

// Create creates an empty, tracked temp file. ext, if set, is appended as
// the file extension so content sniffing downstream keeps working.
func (r *Registry) Create(ext string) (*os.File, error) {
	name := "s3driver-" + uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	path := filepath.Join(r.dir, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("staging registry is closed")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	r.paths[path] = struct{}{}
	r.metrics.StagedFiles(len(r.paths))
	return f, nil
}

// Track registers an externally created path for removal on Close
func (r *Registry) Track(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[path] = struct{}{}
	r.metrics.StagedFiles(len(r.paths))
}

// Release removes a tracked file now
func (r *Registry) Release(path string) error {
	r.mu.Lock()
	delete(r.paths, path)
	r.metrics.StagedFiles(len(r.paths))
	r.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Tracked reports whether path is currently registered
func (r *Registry) Tracked(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.paths[path]
	return ok
}

// Len returns the number of tracked files
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Close removes every tracked file. Further Create calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	paths := r.paths
	r.paths = make(map[string]struct{})
	r.closed = true
	r.metrics.StagedFiles(0)
	r.mu.Unlock()

	var errs []error
	for path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.log.WithError(err).WithField("path", path).Warn("Failed to remove staged file")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
