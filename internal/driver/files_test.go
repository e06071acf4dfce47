package driver

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

func writeLocal(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileExists(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("docs/a.txt", []byte("a"))
	mock.Seed("docs/", nil)

	assert.True(t, d.FileExists(ctx, "docs/a.txt"))
	assert.True(t, d.FileExists(ctx, "/docs//a.txt"))
	assert.False(t, d.FileExists(ctx, "docs/"), "folders are not files")
	assert.False(t, d.FileExists(ctx, ""))
	assert.False(t, d.FileExists(ctx, "docs/b.txt"))

	assert.True(t, d.FileExistsInFolder(ctx, "a.txt", "/docs"))
	assert.False(t, d.FileExistsInFolder(ctx, "a.txt", "/"))
	assert.True(t, d.FolderExistsInFolder(ctx, "docs", "/"))
	assert.Equal(t, "docs/a.txt", d.GetFileInFolder("a.txt", "/docs/"))
	assert.Equal(t, "docs/sub/", d.GetFolderInFolder("sub", "docs"))
}

func TestMissingFileLookupsAreCached(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()

	assert.False(t, d.FileExists(ctx, "ghost.txt"))
	assert.False(t, d.FileExists(ctx, "ghost.txt"))
	assert.Equal(t, 1, mock.Calls(s3client.OpHeadObject))

	_, err := d.SetFileContents(ctx, "ghost.txt", []byte("boo"))
	require.NoError(t, err)
	assert.True(t, d.FileExists(ctx, "ghost.txt"), "mutation invalidates the negative entry")
}

func TestAddEmptyFileUsesDirectPut(t *testing.T) {
	d, mock := newTestDriver(t)
	local := writeLocal(t, "empty.txt", nil)

	id, err := d.AddFile(context.Background(), local, "/docs/", "", false)
	require.NoError(t, err)
	assert.Equal(t, "docs/empty.txt", id)
	assert.Equal(t, 0, mock.Calls(s3client.OpCreateMultipartUpload))
	assert.Equal(t, 1, mock.Calls(s3client.OpPutObject))

	_, err = os.Stat(local)
	assert.NoError(t, err, "original kept")
}

func TestAddFileSanitizesAndRemovesOriginal(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	content := []byte("<html><body>hello</body></html>")
	local := writeLocal(t, "upload.bin", content)

	id, err := d.AddFile(ctx, local, "site", "Über uns.html", true)
	require.NoError(t, err)
	assert.Equal(t, "site/Uber_uns.html", id)
	assert.Equal(t, 1, mock.Calls(s3client.OpCreateMultipartUpload))

	obj, ok := mock.Object(id)
	require.True(t, ok)
	assert.Equal(t, content, obj.Data)
	assert.Contains(t, obj.ContentType, "text/html")

	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, d.FileExists(ctx, id))
}

func TestAddFileRejectsInvalidName(t *testing.T) {
	d, mock := newTestDriver(t)
	local := writeLocal(t, "x.txt", []byte("x"))

	_, err := d.AddFile(context.Background(), local, "/", "...", false)
	assert.ErrorIs(t, err, identifier.ErrInvalidFileName)
	assert.Empty(t, mock.Keys())
}

func TestAddFileMissingLocalFile(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.AddFile(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), "/", "", false)
	var localErr *s3client.LocalIOError
	assert.ErrorAs(t, err, &localErr)
}

func TestReplaceFile(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("a.txt", []byte("old"))
	require.True(t, d.FileExists(ctx, "a.txt"))

	require.NoError(t, d.ReplaceFile(ctx, "/a.txt", writeLocal(t, "new.txt", []byte("brand new"))))
	info, err := d.GetFileInfoByIdentifier(ctx, "a.txt", PropSize)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size)
}

func TestCreateFileAndContents(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	id, err := d.CreateFile(ctx, "notes.txt", "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs/notes.txt", id)

	data, err := d.GetFileContents(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, data)

	n, err := d.SetFileContents(ctx, id, []byte("written"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	data, err = d.GetFileContents(ctx, "/"+id)
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))

	_, err = d.GetFileContents(ctx, "docs/missing.txt")
	assert.True(t, s3client.IsNotFound(err))
}

func TestDeleteFile(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("a.txt", []byte("a"))
	require.True(t, d.FileExists(ctx, "a.txt"))

	absent, err := d.DeleteFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, absent)
	assert.False(t, d.FileExists(ctx, "a.txt"))
}

func TestMoveFileRoundTrip(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	original := []byte("round trip payload")
	mock.Seed("a/file.bin", original)

	moved, err := d.MoveFileWithinStorage(ctx, "a/file.bin", "b/", "")
	require.NoError(t, err)
	assert.Equal(t, "b/file.bin", moved)
	assert.False(t, d.FileExists(ctx, "a/file.bin"))

	back, err := d.MoveFileWithinStorage(ctx, moved, "a", "file.bin")
	require.NoError(t, err)
	assert.Equal(t, "a/file.bin", back)

	data, err := d.GetFileContents(ctx, back)
	require.NoError(t, err)
	assert.Equal(t, original, data)
	assert.False(t, d.FileExists(ctx, moved))
}

func TestRenameAndCopyFile(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("docs/a.txt", []byte("a"))

	renamed, err := d.RenameFile(ctx, "docs/a.txt", "b c.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/b_c.txt", renamed)

	copied, err := d.CopyFileWithinStorage(ctx, renamed, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "b_c.txt", copied)
	assert.True(t, d.FileExists(ctx, renamed))
	assert.True(t, d.FileExists(ctx, copied))

	_, err = d.RenameFile(ctx, "docs/missing.txt", "x.txt")
	assert.True(t, s3client.IsNotFound(err))
}

func TestCopyFileOntoItselfIsNoop(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("a/k.txt", []byte("k"))

	id, err := d.CopyFileWithinStorage(ctx, "a/k.txt", "a/", "")
	require.NoError(t, err)
	assert.Equal(t, "a/k.txt", id)
	assert.Equal(t, 0, mock.Calls(s3client.OpCopyObject))
	assert.Equal(t, []string{"a/k.txt"}, mock.Keys())

	_, err = d.CopyFileWithinStorage(ctx, "a/missing.txt", "a", "")
	assert.True(t, s3client.IsNotFound(err))
	assert.Equal(t, 0, mock.Calls(s3client.OpCopyObject))
}

func TestGetFileInfoByIdentifier(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("images/bytes-1009.png", []byte("\x89PNG\r\n\x1a\n"))

	info, err := d.GetFileInfoByIdentifier(ctx, "/images/bytes-1009.png")
	require.NoError(t, err)
	assert.Equal(t, "bytes-1009.png", info.Name)
	assert.Equal(t, "images/bytes-1009.png", info.Identifier)
	assert.Equal(t, "8b6249ec878b12d3f014e616336fefaac0b4d0dd", info.IdentifierHash)
	assert.Equal(t, "c1a406ab82b5588738d1587da2761746ec584a6c", info.FolderHash)
	assert.Equal(t, "png", info.Extension)
	assert.Equal(t, int64(8), info.Size)
	assert.Equal(t, 7, info.StorageID)

	subset := info.Subset(PropName, PropSize, "unknown")
	assert.Equal(t, map[string]interface{}{PropName: "bytes-1009.png", PropSize: int64(8)}, subset)
	assert.Len(t, info.Subset(), 10)

	_, err = d.GetFileInfoByIdentifier(ctx, "images/")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.GetFileInfoByIdentifier(ctx, "images/none.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFileInfoRefreshesMimeType(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()
	_, err := d.SetFileContents(ctx, "list/a.txt", []byte("plain text"))
	require.NoError(t, err)

	// a listing primes the cache without content types
	_, err = d.GetFilesInFolder(ctx, "list", ListOptions{})
	require.NoError(t, err)

	info, err := d.GetFileInfoByIdentifier(ctx, "list/a.txt", PropSize)
	require.NoError(t, err)
	assert.Empty(t, info.MimeType)

	info, err = d.GetFileInfoByIdentifier(ctx, "list/a.txt", PropMimeType)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", info.MimeType)
}

func TestGetFileInfoRefinesGenericMimeType(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("docs/report.pdf", []byte("%PDF-1.4"))
	mock.Seed("docs/blob.unknownext", []byte{0x00, 0x01})

	info, err := d.GetFileInfoByIdentifier(ctx, "docs/report.pdf", PropMimeType)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", info.MimeType)

	info, err = d.GetFileInfoByIdentifier(ctx, "docs/blob.unknownext", PropMimeType)
	require.NoError(t, err)
	assert.Empty(t, info.MimeType)
}

func TestGetPublicURL(t *testing.T) {
	d, _ := newTestDriver(t)
	assert.Equal(t, "https://test-bucket.s3.amazonaws.com/images/my%20photo%2B1.jpg", d.GetPublicURL("/images/my photo+1.jpg"))

	custom, _ := newTestDriver(t, func(c *Config) {
		c.Protocol = "http://"
		c.PublicBaseURL = "cdn.example.com/"
	})
	assert.Equal(t, "http://cdn.example.com/a/b%C3%A4r.txt", custom.GetPublicURL("a/bär.txt"))
}

type substitutingObserver struct {
	seenID   string
	seenPath string
	subst    string
}

func (o *substitutingObserver) OnLocalProcessingMaterialized(id, path string) string {
	o.seenID = id
	o.seenPath = path
	return o.subst
}

func TestGetFileForLocalProcessing(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	mock.Seed("img/photo.jpg", []byte("jpeg bytes"))

	path, err := d.GetFileForLocalProcessing(ctx, "img/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, ".jpg", filepath.Ext(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	require.NoError(t, d.ReleaseLocalCopy(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = d.GetFileForLocalProcessing(ctx, "img/missing.jpg")
	assert.True(t, s3client.IsNotFound(err))
	entries, err := os.ReadDir(d.Config().TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed download leaves no temp file")
}

func TestLocalProcessingObserverSubstitutesPath(t *testing.T) {
	mockObserver := &substitutingObserver{}
	d, mock := newTestDriver(t)
	d.observer = mockObserver
	ctx := context.Background()
	mock.Seed("img/photo.jpg", []byte("jpeg bytes"))

	mockObserver.subst = writeLocal(t, "processed.jpg", []byte("processed"))
	path, err := d.GetFileForLocalProcessing(ctx, "img/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, mockObserver.subst, path)
	assert.Equal(t, "img/photo.jpg", mockObserver.seenID)

	require.NoError(t, d.Close())
	for _, p := range []string{path, mockObserver.seenPath} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestStreamFile(t *testing.T) {
	d, mock := newTestDriver(t)
	mock.Seed("v/clip.mp4", bytes.Repeat([]byte("v"), 64))

	body, info, err := d.StreamFile(context.Background(), "/v/clip.mp4")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Len(t, data, 64)
	assert.Equal(t, int64(64), info.Size)
}

func TestHashModes(t *testing.T) {
	ctx := context.Background()
	content := []byte("hash me")
	sha := sha1.Sum(content)
	md := md5.Sum(content)

	d, mock := newTestDriver(t)
	mock.Seed("f.txt", content)
	h, err := d.Hash(ctx, "f.txt", "sha1")
	require.NoError(t, err)
	assert.Equal(t, identifier.Hash("f.txt"), h)
	assert.Equal(t, 0, mock.Calls(s3client.OpHeadObject)+mock.Calls(s3client.OpGetObject))

	meta, mock := newTestDriver(t, func(c *Config) { c.HashMode = HashMetadata })
	mock.Seed("f.txt", content)
	_, err = meta.Hash(ctx, "f.txt", "sha1")
	assert.ErrorIs(t, err, ErrHashUnavailable)
	_, err = meta.Hash(ctx, "f.txt", "crc32")
	assert.ErrorIs(t, err, ErrUnsupportedHash)

	_, err = meta.AddFile(ctx, writeLocal(t, "g.txt", content), "/", "", false)
	require.NoError(t, err)
	h, err = meta.Hash(ctx, "g.txt", "sha1")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sha[:]), h)
	h, err = meta.Hash(ctx, "g.txt", "md5")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(md[:]), h)

	full, mock := newTestDriver(t, func(c *Config) { c.HashMode = HashContent })
	mock.Seed("f.txt", content)
	h, err = full.Hash(ctx, "f.txt", "md5")
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(md[:]), h)
	assert.Equal(t, 1, mock.Calls(s3client.OpGetObject))
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()

	open, mock := newTestDriver(t)
	mock.Seed("a.txt", []byte("a"))
	assert.Equal(t, Permissions{Read: true, Write: true}, open.GetPermissions(ctx, "a.txt"))
	assert.Equal(t, 0, mock.Calls(s3client.OpGetObjectAcl))

	d, mock := newTestDriver(t, func(c *Config) { c.EnablePermissionsCheck = true })
	mock.Seed("owned.txt", []byte("a"))
	mock.Seed("readonly.txt", []byte("a"))
	mock.SetGrants("readonly.txt", types.Grant{
		Grantee:    &types.Grantee{URI: strPtr("http://acs.amazonaws.com/groups/global/AllUsers")},
		Permission: types.PermissionRead,
	})

	assert.Equal(t, Permissions{Read: true, Write: true}, d.GetPermissions(ctx, "/"))
	assert.Equal(t, Permissions{Read: true, Write: true}, d.GetPermissions(ctx, "owned.txt"))
	assert.Equal(t, Permissions{Read: true}, d.GetPermissions(ctx, "readonly.txt"))
	assert.Equal(t, Permissions{}, d.GetPermissions(ctx, "missing.txt"), "lookup failure denies access")

	calls := mock.Calls(s3client.OpGetObjectAcl)
	d.GetPermissions(ctx, "owned.txt")
	d.GetPermissions(ctx, "/missing.txt")
	assert.Equal(t, calls, mock.Calls(s3client.OpGetObjectAcl), "results are cached")
}

func strPtr(s string) *string { return &s }
