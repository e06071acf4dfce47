package driver

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

// Property names accepted by GetFileInfoByIdentifier
const (
	PropName           = "name"
	PropIdentifier     = "identifier"
	PropCtime          = "ctime"
	PropMtime          = "mtime"
	PropMimeType       = "mimetype"
	PropSize           = "size"
	PropIdentifierHash = "identifier_hash"
	PropFolderHash     = "folder_hash"
	PropExtension      = "extension"
	PropStorage        = "storage"
)

// FileInfo is the metadata of one file
type FileInfo struct {
	Name           string    `json:"name"`
	Identifier     string    `json:"identifier"`
	Ctime          time.Time `json:"ctime"`
	Mtime          time.Time `json:"mtime"`
	MimeType       string    `json:"mimetype"`
	Size           int64     `json:"size"`
	IdentifierHash string    `json:"identifier_hash"`
	FolderHash     string    `json:"folder_hash"`
	Extension      string    `json:"extension"`
	StorageID      int       `json:"storage"`
}

// Subset returns the named properties. No names selects all of them.
func (fi *FileInfo) Subset(props ...string) map[string]interface{} {
	all := map[string]interface{}{
		PropName:           fi.Name,
		PropIdentifier:     fi.Identifier,
		PropCtime:          fi.Ctime,
		PropMtime:          fi.Mtime,
		PropMimeType:       fi.MimeType,
		PropSize:           fi.Size,
		PropIdentifierHash: fi.IdentifierHash,
		PropFolderHash:     fi.FolderHash,
		PropExtension:      fi.Extension,
		PropStorage:        fi.StorageID,
	}
	if len(props) == 0 {
		return all
	}
	out := make(map[string]interface{}, len(props))
	for _, p := range props {
		if v, ok := all[p]; ok {
			out[p] = v
		}
	}
	return out
}

// FileExists reports whether id names an existing file. Empty identifiers
// and folder identifiers are never files.
func (d *Driver) FileExists(ctx context.Context, id string) bool {
	if id == "" || identifier.IsDir(id) {
		return false
	}
	_, err := d.cache.GetMetadata(ctx, identifier.Normalize(id))
	return err == nil
}

// FileExistsInFolder reports whether folder contains a file called name
func (d *Driver) FileExistsInFolder(ctx context.Context, name, folder string) bool {
	return d.FileExists(ctx, d.GetFileInFolder(name, folder))
}

// FolderExistsInFolder reports whether folder contains a folder called name
func (d *Driver) FolderExistsInFolder(ctx context.Context, name, folder string) bool {
	return d.FolderExists(ctx, d.GetFolderInFolder(name, folder))
}

// GetFileInFolder returns the identifier of file name inside folder
func (d *Driver) GetFileInFolder(name, folder string) string {
	return identifier.Join(folder, name)
}

// GetFolderInFolder returns the identifier of folder name inside folder
func (d *Driver) GetFolderInFolder(name, folder string) string {
	return identifier.NormalizeFolder(identifier.Join(folder, name))
}

// GetFileInfoByIdentifier returns the metadata of a file. Requesting the
// mimetype bypasses the cache, since listings do not carry content types.
func (d *Driver) GetFileInfoByIdentifier(ctx context.Context, id string, props ...string) (*FileInfo, error) {
	key := identifier.Normalize(id)
	if key == "" || identifier.IsDir(key) {
		return nil, notFound("file", id)
	}
	wantsMime := wantsProperty(props, PropMimeType)
	if wantsMime {
		d.cache.Invalidate(ctx, key)
	}

	meta, err := d.cache.GetMetadata(ctx, key)
	if err != nil {
		return nil, notFound("file", id)
	}

	mimeType := meta.ContentType
	if wantsMime {
		mimeType = s3client.RefineContentType(key, mimeType)
	}
	return &FileInfo{
		Name:           identifier.Basename(key),
		Identifier:     key,
		Ctime:          meta.LastModified,
		Mtime:          meta.LastModified,
		MimeType:       mimeType,
		Size:           meta.Size,
		IdentifierHash: identifier.Hash(key),
		FolderHash:     identifier.FolderHash(key),
		Extension:      identifier.Extension(key),
		StorageID:      d.cfg.StorageID,
	}, nil
}

func wantsProperty(props []string, name string) bool {
	if len(props) == 0 {
		return true
	}
	for _, p := range props {
		if p == name {
			return true
		}
	}
	return false
}

// GetPublicURL maps id to its public URL. Every path segment is percent
// encoded on its own.
func (d *Driver) GetPublicURL(id string) string {
	host := d.cfg.PublicBaseURL
	if host == "" {
		host = d.cfg.Bucket + ".s3.amazonaws.com"
	}
	base := strings.TrimSuffix(d.cfg.Protocol+host, "/")

	segments := strings.Split(strings.TrimPrefix(id, "/"), "/")
	for i, s := range segments {
		segments[i] = rawURLEncode(s)
	}
	return base + "/" + strings.Join(segments, "/")
}

// rawURLEncode encodes everything except unreserved characters, with
// spaces as %20
func rawURLEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// AddFile uploads localPath into targetFolder. newName defaults to the
// local base name and is sanitized. With removeOriginal set the local file
// is deleted after a successful upload.
func (d *Driver) AddFile(ctx context.Context, localPath, targetFolder, newName string, removeOriginal bool) (string, error) {
	if newName == "" {
		newName = filepath.Base(localPath)
	}
	name, err := identifier.SanitizeFileName(newName)
	if err != nil {
		return "", err
	}
	key := identifier.NormalizeFolder(targetFolder) + name

	if err := d.upload(ctx, localPath, key); err != nil {
		return "", err
	}
	if removeOriginal {
		if err := os.Remove(localPath); err != nil {
			return key, &s3client.LocalIOError{Path: localPath, Err: err}
		}
	}
	return key, nil
}

// ReplaceFile overwrites an existing file with the content of localPath
func (d *Driver) ReplaceFile(ctx context.Context, id, localPath string) error {
	return d.upload(ctx, localPath, identifier.Normalize(id))
}

func (d *Driver) upload(ctx context.Context, localPath, key string) error {
	err := d.uploader.Upload(ctx, localPath, key, d.cfg.Bucket, d.cacheControl())
	d.changed(ctx, key)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"key": key, "source": localPath}).Debug("File uploaded")
	return nil
}

// CreateFile creates an empty file called fileName in parentFolder
func (d *Driver) CreateFile(ctx context.Context, fileName, parentFolder string) (string, error) {
	name, err := identifier.SanitizeFileName(fileName)
	if err != nil {
		return "", err
	}
	key := identifier.NormalizeFolder(parentFolder) + name
	if _, err := d.SetFileContents(ctx, key, nil); err != nil {
		return "", err
	}
	return key, nil
}

// GetFileContents reads a whole file into memory
func (d *Driver) GetFileContents(ctx context.Context, id string) ([]byte, error) {
	body, _, err := d.client.Get(ctx, identifier.Normalize(id))
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// SetFileContents overwrites a file and returns the number of bytes written
func (d *Driver) SetFileContents(ctx context.Context, id string, contents []byte) (int, error) {
	key := identifier.Normalize(id)
	err := d.client.Put(ctx, key, bytes.NewReader(contents), s3client.PutOptions{
		ContentType:  s3client.DetectContentType(key, contents),
		CacheControl: d.cacheControl(),
	})
	d.changed(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(contents), nil
}

// DeleteFile deletes a file and reports whether it is absent afterwards
func (d *Driver) DeleteFile(ctx context.Context, id string) (bool, error) {
	key := identifier.Normalize(id)
	absent, err := d.client.Delete(ctx, key)
	d.changed(ctx, key)
	return absent, err
}

// RenameFile renames a file within its folder
func (d *Driver) RenameFile(ctx context.Context, id, newName string) (string, error) {
	key := identifier.Normalize(id)
	return d.relocateFile(ctx, key, identifier.Dirname(key), newName, true)
}

// MoveFileWithinStorage moves a file into targetFolder as newName
func (d *Driver) MoveFileWithinStorage(ctx context.Context, id, targetFolder, newName string) (string, error) {
	return d.relocateFile(ctx, identifier.Normalize(id), targetFolder, newName, true)
}

// CopyFileWithinStorage copies a file into targetFolder as newName
func (d *Driver) CopyFileWithinStorage(ctx context.Context, id, targetFolder, newName string) (string, error) {
	return d.relocateFile(ctx, identifier.Normalize(id), targetFolder, newName, false)
}

func (d *Driver) relocateFile(ctx context.Context, key, targetFolder, newName string, move bool) (string, error) {
	if newName == "" {
		newName = identifier.Basename(key)
	}
	name, err := identifier.SanitizeFileName(newName)
	if err != nil {
		return "", err
	}
	target := identifier.NormalizeFolder(targetFolder) + name

	if key == target {
		if _, err := d.cache.GetMetadata(ctx, key); err != nil {
			return "", err
		}
		return target, nil
	}
	if move {
		err = d.client.Rename(ctx, key, target, d.cacheControl())
	} else {
		err = d.client.Copy(ctx, key, target, d.cacheControl())
	}
	d.changed(ctx, key, target)
	if err != nil {
		return "", err
	}
	return target, nil
}

// GetFileForLocalProcessing downloads a file to a staged temp path. The
// observer, if any, may substitute the path. Every path handed out is
// removed when the driver closes.
func (d *Driver) GetFileForLocalProcessing(ctx context.Context, id string) (string, error) {
	key := identifier.Normalize(id)
	f, err := d.staging.Create(identifier.Extension(key))
	if err != nil {
		return "", &s3client.LocalIOError{Path: d.staging.Dir(), Err: err}
	}
	path := f.Name()
	f.Close()

	if _, err := d.client.Download(ctx, key, path); err != nil {
		d.staging.Release(path)
		return "", err
	}

	if d.observer != nil {
		if substitute := d.observer.OnLocalProcessingMaterialized(key, path); substitute != "" && substitute != path {
			d.staging.Track(substitute)
			path = substitute
		}
	}
	return path, nil
}

// ReleaseLocalCopy removes a path returned by GetFileForLocalProcessing
// before the driver closes
func (d *Driver) ReleaseLocalCopy(path string) error {
	return d.staging.Release(path)
}

// StreamFile opens a streaming reader on a file. The caller closes it.
func (d *Driver) StreamFile(ctx context.Context, id string) (io.ReadCloser, *s3client.ObjectInfo, error) {
	return d.client.Get(ctx, identifier.Normalize(id))
}

// Hash returns a hash of a file according to the configured mode. In
// identifier mode the algorithm is ignored and the identifier digest is
// returned without touching the store.
func (d *Driver) Hash(ctx context.Context, id, algorithm string) (string, error) {
	key := identifier.Normalize(id)
	if d.cfg.HashMode == HashIdentifier {
		return identifier.Hash(key), nil
	}

	var metaKey string
	switch algorithm {
	case "sha1":
		metaKey = s3client.MetaSHA1
	case "md5":
		metaKey = s3client.MetaMD5
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedHash, algorithm)
	}

	meta, err := d.client.Head(ctx, key)
	if err != nil {
		return "", err
	}
	if stored := meta.Metadata[metaKey]; stored != "" {
		return stored, nil
	}
	if d.cfg.HashMode != HashContent {
		return "", fmt.Errorf("%w: %s of %q", ErrHashUnavailable, algorithm, key)
	}
	return d.streamHash(ctx, key, algorithm)
}

func (d *Driver) streamHash(ctx context.Context, key, algorithm string) (string, error) {
	var h hash.Hash
	if algorithm == "md5" {
		h = md5.New()
	} else {
		h = sha1.New()
	}

	body, _, err := d.client.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()
	if _, err := io.Copy(h, body); err != nil {
		return "", fmt.Errorf("failed to hash %q: %w", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
