// Package mount serves a driver as a FUSE filesystem. Files are staged on
// local disk while open and written back on flush.
package mount

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/driver"
	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

const (
	blockSize   = 4096
	fakeBlocks  = 1000000000
	maxNameLen  = 255
	dirMode     = 0755
	fileMode    = 0644
	readOnlyBit = 0222
)

// Options configures a mount
type Options struct {
	ReadOnly   bool
	AllowOther bool
	FSName     string
}

// FS is the FUSE view of one driver
type FS struct {
	driver *driver.Driver
	uid    uint32
	gid    uint32
	log    *logrus.Entry
}

var _ fs.FS = (*FS)(nil)
var _ fs.FSStatfser = (*FS)(nil)

// New wraps d. Every node is owned by the mounting user.
func New(d *driver.Driver, log *logrus.Entry) *FS {
	return &FS{
		driver: d,
		uid:    uint32(os.Getuid()),
		gid:    uint32(os.Getgid()),
		log:    log,
	}
}

// Root returns the root directory
func (f *FS) Root() (fs.Node, error) {
	return &Dir{fs: f}, nil
}

// Statfs reports fixed large values; the object store has no capacity limit
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	resp.Blocks = fakeBlocks
	resp.Bfree = fakeBlocks
	resp.Bavail = fakeBlocks
	resp.Files = fakeBlocks
	resp.Ffree = fakeBlocks
	resp.Bsize = blockSize
	resp.Frsize = blockSize
	resp.Namelen = maxNameLen
	return nil
}

func (f *FS) mode(ctx context.Context, id string, base os.FileMode) os.FileMode {
	if !f.driver.GetPermissions(ctx, id).Write {
		base &^= readOnlyBit
	}
	return base
}

// Dir is a folder node. The root has an empty prefix.
type Dir struct {
	fs     *FS
	prefix string
}

var _ fs.Node = (*Dir)(nil)
var _ fs.NodeStringLookuper = (*Dir)(nil)
var _ fs.HandleReadDirAller = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeRemover = (*Dir)(nil)
var _ fs.NodeRenamer = (*Dir)(nil)

// Attr returns directory attributes
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | d.fs.mode(ctx, identifier.External(d.prefix), dirMode)
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	if d.prefix == "" {
		return nil
	}
	info, err := d.fs.driver.GetFolderInfoByIdentifier(ctx, d.prefix)
	if err != nil {
		return toErrno(err)
	}
	a.Mtime = info.Mtime
	a.Ctime = info.Ctime
	return nil
}

// Lookup resolves a child. A file shadows a folder of the same name.
func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	key := identifier.Join(d.prefix, name)
	if d.fs.driver.FileExists(ctx, key) {
		return &File{fs: d.fs, key: key}, nil
	}
	if d.fs.driver.FolderExists(ctx, key) {
		return &Dir{fs: d.fs, prefix: identifier.NormalizeFolder(key)}, nil
	}
	return nil, syscall.ENOENT
}

// ReadDirAll lists folders first, then files
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	folder := identifier.External(d.prefix)
	folders, err := d.fs.driver.GetFoldersInFolder(ctx, folder, driver.ListOptions{Sort: driver.SortName})
	if err != nil {
		return nil, toErrno(err)
	}
	files, err := d.fs.driver.GetFilesInFolder(ctx, folder, driver.ListOptions{Sort: driver.SortName})
	if err != nil {
		return nil, toErrno(err)
	}

	dirents := make([]fuse.Dirent, 0, len(folders)+len(files))
	for _, id := range folders {
		dirents = append(dirents, fuse.Dirent{Name: identifier.Basename(id), Type: fuse.DT_Dir})
	}
	for _, id := range files {
		dirents = append(dirents, fuse.Dirent{Name: identifier.Basename(id), Type: fuse.DT_File})
	}
	return dirents, nil
}

// Mkdir creates a folder marker
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	if err := storableName(req.Name); err != nil {
		return nil, err
	}
	id, err := d.fs.driver.CreateFolder(ctx, req.Name, identifier.External(d.prefix), false)
	if err != nil {
		return nil, toErrno(err)
	}
	return &Dir{fs: d.fs, prefix: identifier.NormalizeFolder(id)}, nil
}

// Create creates an empty object and opens it for writing
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	if err := storableName(req.Name); err != nil {
		return nil, nil, err
	}
	key := identifier.Join(d.prefix, req.Name)
	if _, err := d.fs.driver.SetFileContents(ctx, key, nil); err != nil {
		return nil, nil, toErrno(err)
	}

	file := &File{fs: d.fs, key: key}
	h, err := file.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	return file, h, nil
}

// Remove deletes a file, or an empty folder when req.Dir is set
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	key := identifier.Join(d.prefix, req.Name)
	if !req.Dir {
		_, err := d.fs.driver.DeleteFile(ctx, key)
		return toErrno(err)
	}

	empty, err := d.fs.driver.IsFolderEmpty(ctx, key)
	if err != nil {
		return toErrno(err)
	}
	if !empty {
		return syscall.ENOTEMPTY
	}
	_, err = d.fs.driver.DeleteFolder(ctx, key, false)
	return toErrno(err)
}

// Rename moves a file or a folder tree to newDir
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return syscall.EINVAL
	}
	if err := storableName(req.NewName); err != nil {
		return err
	}

	key := identifier.Join(d.prefix, req.OldName)
	parent := identifier.External(target.prefix)
	if d.fs.driver.FileExists(ctx, key) {
		_, err := d.fs.driver.MoveFileWithinStorage(ctx, key, parent, req.NewName)
		return toErrno(err)
	}
	if !d.fs.driver.FolderExists(ctx, key) {
		return syscall.ENOENT
	}
	_, err := d.fs.driver.MoveFolderWithinStorage(ctx, key, parent, req.NewName)
	return toErrno(err)
}

// File is a file node. It remembers its latest open handle so that a
// truncate reaches data that is not flushed yet.
type File struct {
	fs  *FS
	key string

	mu     sync.Mutex
	handle *Handle
}

var _ fs.Node = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.NodeSetattrer = (*File)(nil)
var _ fs.NodeFsyncer = (*File)(nil)

// Attr returns file attributes
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	info, err := f.fs.driver.GetFileInfoByIdentifier(ctx, f.key, driver.PropSize, driver.PropMtime)
	if err != nil {
		return toErrno(err)
	}
	a.Mode = f.fs.mode(ctx, f.key, fileMode)
	a.Size = uint64(info.Size)
	a.Mtime = info.Mtime
	a.Ctime = info.Ctime
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid

	f.mu.Lock()
	if h := f.handle; h != nil {
		if size, ok := h.size(); ok {
			a.Size = uint64(size)
		}
	}
	f.mu.Unlock()
	return nil
}

// Open stages the object locally
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	h, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	if req.Flags&fuse.OpenTruncate != 0 {
		if err := h.truncate(0); err != nil {
			h.discard()
			return nil, err
		}
	}
	return h, nil
}

func (f *File) open(ctx context.Context) (*Handle, error) {
	path, err := f.fs.driver.GetFileForLocalProcessing(ctx, f.key)
	if err != nil {
		return nil, toErrno(err)
	}
	local, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		f.fs.driver.ReleaseLocalCopy(path)
		return nil, syscall.EIO
	}

	h := &Handle{file: f, path: path, local: local}
	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
	return h, nil
}

// Setattr supports size changes only; modes and owners are fixed
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		f.mu.Lock()
		h := f.handle
		f.mu.Unlock()

		if h != nil {
			if err := h.truncate(int64(req.Size)); err != nil {
				return err
			}
		} else if err := f.truncateRemote(ctx, int64(req.Size)); err != nil {
			return err
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

func (f *File) truncateRemote(ctx context.Context, size int64) error {
	if size == 0 {
		_, err := f.fs.driver.SetFileContents(ctx, f.key, nil)
		return toErrno(err)
	}
	h, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer h.Release(ctx, nil)
	if err := h.truncate(size); err != nil {
		return err
	}
	return h.Flush(ctx, nil)
}

// Fsync uploads the open handle, if any
func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	f.mu.Lock()
	h := f.handle
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Flush(ctx, nil)
}

// Handle is an open staged copy of a file
type Handle struct {
	file  *File
	path  string
	mu    sync.Mutex
	local *os.File
	dirty bool
}

var _ fs.HandleReader = (*Handle)(nil)
var _ fs.HandleWriter = (*Handle)(nil)
var _ fs.HandleFlusher = (*Handle)(nil)
var _ fs.HandleReleaser = (*Handle)(nil)

// Read reads from the staged copy
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, req.Size)
	n, err := h.local.ReadAt(buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return syscall.EIO
	}
	resp.Data = buf[:n]
	return nil
}

// Write writes to the staged copy
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.local.WriteAt(req.Data, req.Offset)
	if err != nil {
		return syscall.EIO
	}
	h.dirty = true
	resp.Size = n
	return nil
}

// Flush uploads the staged copy when it was modified
func (h *Handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return nil
	}
	if err := h.local.Sync(); err != nil {
		return syscall.EIO
	}
	if err := h.file.fs.driver.ReplaceFile(ctx, h.file.key, h.path); err != nil {
		h.file.fs.log.WithError(err).WithField("key", h.file.key).Error("Failed to upload file")
		return toErrno(err)
	}
	h.dirty = false
	return nil
}

// Release drops the staged copy. Unflushed writes are lost.
func (h *Handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	h.file.mu.Lock()
	if h.file.handle == h {
		h.file.handle = nil
	}
	h.file.mu.Unlock()
	h.discard()
	return nil
}

func (h *Handle) discard() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.local != nil {
		h.local.Close()
		h.local = nil
	}
	if err := h.file.fs.driver.ReleaseLocalCopy(h.path); err != nil {
		h.file.fs.log.WithError(err).WithField("path", h.path).Warn("Failed to remove staged copy")
	}
}

func (h *Handle) truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.local.Truncate(size); err != nil {
		return syscall.EIO
	}
	h.dirty = true
	return nil
}

func (h *Handle) size() (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.local == nil {
		return 0, false
	}
	st, err := h.local.Stat()
	if err != nil {
		return 0, false
	}
	return st.Size(), true
}

// storableName rejects names the driver would rewrite, since the kernel
// expects the entry under the exact name it asked for
func storableName(name string) error {
	clean, err := identifier.SanitizeFileName(name)
	if err != nil || clean != name {
		return syscall.EINVAL
	}
	return nil
}

func toErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, driver.ErrNotFound), s3client.IsNotFound(err):
		return syscall.ENOENT
	case errors.Is(err, driver.ErrInvalidTarget), errors.Is(err, identifier.ErrInvalidFileName):
		return syscall.EINVAL
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// Mount serves d at mountpoint until ctx is cancelled or the filesystem is
// unmounted externally
func Mount(ctx context.Context, mountpoint string, d *driver.Driver, opts Options, log *logrus.Entry) error {
	name := opts.FSName
	if name == "" {
		name = "s3driver"
	}
	mountOpts := []fuse.MountOption{
		fuse.FSName(name),
		fuse.Subtype("s3driver"),
	}
	if opts.ReadOnly {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}
	if opts.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	c, err := fuse.Mount(mountpoint, mountOpts...)
	if err != nil {
		return err
	}
	defer c.Close()

	log.WithField("mountpoint", mountpoint).Info("Mounted filesystem")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := fuse.Unmount(mountpoint); err != nil {
				log.WithError(err).Warn("Failed to unmount")
			}
		case <-done:
		}
	}()

	return fs.Serve(c, New(d, log))
}
