// Package server delivers driver files over HTTP and exposes metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/driver"
	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/metrics"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

const shutdownTimeout = 10 * time.Second

// Options configures the HTTP server
type Options struct {
	Listen      string
	MetricsPath string
}

// Server serves files, file info and folder listings of one driver
type Server struct {
	driver     *driver.Driver
	metrics    *metrics.Metrics
	log        *logrus.Entry
	opts       Options
	httpServer *http.Server
}

// New creates a server. A nil metrics sink disables the metrics route.
func New(d *driver.Driver, m *metrics.Metrics, opts Options, log *logrus.Entry) *Server {
	s := &Server{
		driver:  d,
		metrics: m,
		log:     log,
		opts:    opts,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in recovery and access logging
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil && s.opts.MetricsPath != "" {
		router.Handle(s.opts.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/info/{id:.+}", s.handleFileInfo).Methods(http.MethodGet)
	api.HandleFunc("/folders", s.handleListFolder).Methods(http.MethodGet)
	api.HandleFunc("/folders/{id:.+}", s.handleListFolder).Methods(http.MethodGet)
	api.HandleFunc("/url/{id:.+}", s.handlePublicURL).Methods(http.MethodGet)
	api.HandleFunc("/hash/{id:.+}", s.handleHash).Methods(http.MethodGet)

	router.HandleFunc("/files/{id:.+}", s.handleDownload).Methods(http.MethodGet, http.MethodHead)

	logged := handlers.CustomLoggingHandler(io.Discard, router, s.logRequest)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(s.log), handlers.PrintRecoveryStack(true))(logged)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.WithFields(logrus.Fields{
		"method": p.Request.Method,
		"path":   p.URL.Path,
		"status": p.StatusCode,
		"bytes":  p.Size,
	}).Debug("HTTP request")
}

// Start listens until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", s.opts.Listen).Info("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.driver.GetPermissions(r.Context(), id).Read {
		s.writeError(w, http.StatusForbidden, "read access denied")
		return
	}

	if r.Method == http.MethodHead {
		info, err := s.driver.GetFileInfoByIdentifier(r.Context(), id, driver.PropSize, driver.PropMtime, driver.PropMimeType)
		if err != nil {
			s.writeDriverError(w, err)
			return
		}
		w.Header().Set("Content-Type", info.MimeType)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.Header().Set("Last-Modified", info.Mtime.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		return
	}

	body, obj, err := s.driver.StreamFile(r.Context(), id)
	if err != nil {
		s.writeDriverError(w, err)
		return
	}
	defer body.Close()

	h := w.Header()
	if contentType := s3client.RefineContentType(id, obj.ContentType); contentType != "" {
		h.Set("Content-Type", contentType)
	}
	if obj.CacheControl != "" {
		h.Set("Cache-Control", obj.CacheControl)
	}
	if obj.ETag != "" {
		h.Set("ETag", obj.ETag)
	}
	if !obj.LastModified.IsZero() {
		h.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if r.URL.Query().Get("download") != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": identifier.Basename(id),
		}))
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.WithError(err).WithField("id", id).Warn("Streaming interrupted")
	}
}

func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var props []string
	if raw := r.URL.Query().Get("props"); raw != "" {
		props = strings.Split(raw, ",")
	}

	info, err := s.driver.GetFileInfoByIdentifier(r.Context(), id, props...)
	if err != nil {
		s.writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info.Subset(props...))
}

type folderListing struct {
	Folder  string   `json:"folder"`
	Folders []string `json:"folders"`
	Files   []string `json:"files"`
}

func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	folder := identifier.External(identifier.NormalizeFolder(mux.Vars(r)["id"]))
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.driver.FolderExists(r.Context(), folder) {
		s.writeError(w, http.StatusNotFound, "folder not found")
		return
	}

	folders, err := s.driver.GetFoldersInFolder(r.Context(), folder, opts)
	if err != nil {
		s.writeDriverError(w, err)
		return
	}
	files, err := s.driver.GetFilesInFolder(r.Context(), folder, opts)
	if err != nil {
		s.writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, folderListing{Folder: folder, Folders: folders, Files: files})
}

func listOptions(r *http.Request) (driver.ListOptions, error) {
	q := r.URL.Query()
	opts := driver.ListOptions{
		Recursive:  q.Get("recursive") == "true",
		Descending: q.Get("order") == "desc",
	}
	if q.Get("sort") == "name" {
		opts.Sort = driver.SortName
	}
	for name, dst := range map[string]*int{"start": &opts.Start, "limit": &opts.NumberOfItems} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid %s parameter %q", name, raw)
		}
		*dst = n
	}
	return opts, nil
}

func (s *Server) handlePublicURL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.driver.FileExists(r.Context(), id) {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.driver.GetPublicURL(id)})
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	algorithm := r.URL.Query().Get("algorithm")
	if algorithm == "" {
		algorithm = "sha1"
	}
	sum, err := s.driver.Hash(r.Context(), id, algorithm)
	if err != nil {
		s.writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"algorithm": algorithm, "hash": sum})
}

func (s *Server) writeDriverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, driver.ErrNotFound), s3client.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, driver.ErrUnsupportedHash):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, driver.ErrHashUnavailable):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("Driver operation failed")
		s.writeError(w, http.StatusBadGateway, "storage backend error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
	s.log.WithField("error", message).WithField("status", status).Debug("API error")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
