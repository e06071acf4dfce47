package s3client

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Operation names used for call counting and fault injection
const (
	OpHeadObject              = "HeadObject"
	OpGetObject               = "GetObject"
	OpPutObject               = "PutObject"
	OpDeleteObject            = "DeleteObject"
	OpListObjectsV2           = "ListObjectsV2"
	OpCopyObject              = "CopyObject"
	OpGetObjectAcl            = "GetObjectAcl"
	OpCreateMultipartUpload   = "CreateMultipartUpload"
	OpUploadPart              = "UploadPart"
	OpCompleteMultipartUpload = "CompleteMultipartUpload"
	OpAbortMultipartUpload    = "AbortMultipartUpload"
)

// MockClient is an in-memory implementation of API for unit tests
type MockClient struct {
	bucket   string
	objects  map[string]*MockObject
	uploads  map[string]*mockUpload
	calls    map[string]int
	faults   map[string]*mockFault
	keyFault map[string]error
	nextID   int
	mu       sync.RWMutex

	// PageSize caps the number of entries per list response
	PageSize int32
	// HideFolderMarkers omits zero byte "/" keys from listed objects while
	// still answering head requests for them, as some S3 compatible stores
	// do. Delimiter listings keep reporting them as common prefixes.
	HideFolderMarkers bool
}

// MockObject represents a mock S3 object
type MockObject struct {
	Key          string
	Data         []byte
	ContentType  string
	CacheControl string
	Metadata     map[string]string
	Grants       []types.Grant
	LastModified time.Time
}

type mockUpload struct {
	key          string
	contentType  string
	cacheControl string
	metadata     map[string]string
	parts        map[int32][]byte
}

type mockFault struct {
	remaining int
	err       error
}

// NewMockClient creates a new mock S3 client
func NewMockClient(bucket string) *MockClient {
	return &MockClient{
		bucket:   bucket,
		objects:  make(map[string]*MockObject),
		uploads:  make(map[string]*mockUpload),
		calls:    make(map[string]int),
		faults:   make(map[string]*mockFault),
		keyFault: make(map[string]error),
		PageSize: MaxPageSize,
	}
}

// FailOperation makes the next times calls of op return err. A negative
// count fails every call.
func (m *MockClient) FailOperation(op string, times int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &mockFault{remaining: times, err: err}
}

// FailKey makes every call of op on key return err
func (m *MockClient) FailKey(op, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFault[op+"\x00"+key] = err
}

// ClearFaults removes every injected failure
func (m *MockClient) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string]*mockFault)
	m.keyFault = make(map[string]error)
}

// Calls returns how often op was invoked
func (m *MockClient) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// ResetCalls zeroes the call counters
func (m *MockClient) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// Seed stores an object directly, bypassing counters and faults
func (m *MockClient) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &MockObject{
		Key:          key,
		Data:         append([]byte(nil), data...),
		LastModified: time.Now(),
	}
}

// SetGrants replaces the ACL of an existing object
func (m *MockClient) SetGrants(key string, grants ...types.Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.Grants = grants
	}
}

// Object returns a copy of a stored object
func (m *MockClient) Object(key string) (MockObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return MockObject{}, false
	}
	cp := *obj
	cp.Data = append([]byte(nil), obj.Data...)
	return cp, true
}

// Keys returns every stored key in lexical order
func (m *MockClient) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedKeys()
}

// PendingUploads counts multipart sessions neither completed nor aborted
func (m *MockClient) PendingUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

// record counts the call and returns an injected failure if one is armed
func (m *MockClient) record(op, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err, ok := m.keyFault[op+"\x00"+key]; ok {
		return err
	}
	f, ok := m.faults[op]
	if !ok {
		return nil
	}
	if f.remaining == 0 {
		delete(m.faults, op)
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (m *MockClient) sortedKeys() []string {
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func etag(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HeadObject returns object metadata
func (m *MockClient) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := m.record(OpHeadObject, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found: " + key)}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ContentType:   aws.String(obj.ContentType),
		CacheControl:  aws.String(obj.CacheControl),
		ETag:          aws.String(etag(obj.Data)),
		LastModified:  aws.Time(obj.LastModified),
		Metadata:      copyStrings(obj.Metadata),
	}, nil
}

// GetObject returns the object body
func (m *MockClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := m.record(OpGetObject, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + key)}
	}
	data := append([]byte(nil), obj.Data...)
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(obj.ContentType),
		CacheControl:  aws.String(obj.CacheControl),
		ETag:          aws.String(etag(data)),
		LastModified:  aws.Time(obj.LastModified),
		Metadata:      copyStrings(obj.Metadata),
	}, nil
}

// PutObject stores an object
func (m *MockClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := m.record(OpPutObject, key); err != nil {
		return nil, err
	}

	var data []byte
	if in.Body != nil {
		var err error
		if data, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &MockObject{
		Key:          key,
		Data:         data,
		ContentType:  aws.ToString(in.ContentType),
		CacheControl: aws.ToString(in.CacheControl),
		Metadata:     copyStrings(in.Metadata),
		LastModified: time.Now(),
	}
	return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
}

// DeleteObject removes an object; deleting a missing key succeeds like on S3
func (m *MockClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(in.Key)
	if err := m.record(OpDeleteObject, key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 lists keys in lexical order with delimiter grouping and
// continuation tokens
func (m *MockClient) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	if err := m.record(OpListObjectsV2, prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	delimiter := aws.ToString(in.Delimiter)
	limit := m.PageSize
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if maxKeys := aws.ToInt32(in.MaxKeys); maxKeys > 0 && maxKeys < limit {
		limit = maxKeys
	}

	type entry struct {
		name     string
		isPrefix bool
		obj      *MockObject
	}
	var entries []entry
	seen := make(map[string]bool)
	for _, key := range m.sortedKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		obj := m.objects[key]
		if delimiter != "" {
			rest := key[len(prefix):]
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{name: cp, isPrefix: true})
				}
				continue
			}
		}
		if m.HideFolderMarkers && strings.HasSuffix(key, "/") && len(obj.Data) == 0 {
			continue
		}
		entries = append(entries, entry{name: key, obj: obj})
	}

	if token := aws.ToString(in.ContinuationToken); token != "" {
		start := sort.Search(len(entries), func(i int) bool { return entries[i].name > token })
		entries = entries[start:]
	}

	out := &s3.ListObjectsV2Output{
		Name:   aws.String(m.bucket),
		Prefix: aws.String(prefix),
	}
	page := entries
	if int32(len(entries)) > limit {
		page = entries[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(page[len(page)-1].name)
	} else {
		out.IsTruncated = aws.Bool(false)
	}

	for _, e := range page {
		if e.isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.name)})
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e.name),
			Size:         aws.Int64(int64(len(e.obj.Data))),
			ETag:         aws.String(etag(e.obj.Data)),
			LastModified: aws.Time(e.obj.LastModified),
		})
	}
	out.KeyCount = aws.Int32(int32(len(page)))
	return out, nil
}

// CopyObject copies an object, honouring the metadata directive
func (m *MockClient) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	destKey := aws.ToString(in.Key)
	source, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(in.CopySource), m.bucket+"/"))
	if err != nil {
		return nil, fmt.Errorf("invalid copy source: %w", err)
	}
	if err := m.record(OpCopyObject, source); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.objects[source]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + source)}
	}

	dst := &MockObject{
		Key:          destKey,
		Data:         append([]byte(nil), src.Data...),
		ContentType:  src.ContentType,
		CacheControl: src.CacheControl,
		Metadata:     copyStrings(src.Metadata),
		LastModified: time.Now(),
	}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		dst.ContentType = aws.ToString(in.ContentType)
		dst.CacheControl = aws.ToString(in.CacheControl)
		dst.Metadata = copyStrings(in.Metadata)
	}
	m.objects[destKey] = dst
	return &s3.CopyObjectOutput{}, nil
}

// GetObjectAcl returns the stored grants, defaulting to owner full control
func (m *MockClient) GetObjectAcl(ctx context.Context, in *s3.GetObjectAclInput, _ ...func(*s3.Options)) (*s3.GetObjectAclOutput, error) {
	key := aws.ToString(in.Key)
	if err := m.record(OpGetObjectAcl, key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + key)}
	}
	grants := obj.Grants
	if grants == nil {
		grants = []types.Grant{{
			Grantee:    &types.Grantee{ID: aws.String("owner"), Type: types.TypeCanonicalUser},
			Permission: types.PermissionFullControl,
		}}
	}
	return &s3.GetObjectAclOutput{Grants: grants}, nil
}

// CreateMultipartUpload opens an upload session
func (m *MockClient) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	key := aws.ToString(in.Key)
	if err := m.record(OpCreateMultipartUpload, key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[id] = &mockUpload{
		key:          key,
		contentType:  aws.ToString(in.ContentType),
		cacheControl: aws.ToString(in.CacheControl),
		metadata:     copyStrings(in.Metadata),
		parts:        make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{
		Bucket:   in.Bucket,
		Key:      in.Key,
		UploadId: aws.String(id),
	}, nil
}

// UploadPart stores one part of an open session
func (m *MockClient) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := m.record(OpUploadPart, aws.ToString(in.Key)); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	upload.parts[aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(etag(data))}, nil
}

// CompleteMultipartUpload assembles the listed parts into the object
func (m *MockClient) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	key := aws.ToString(in.Key)
	if err := m.record(OpCompleteMultipartUpload, key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(in.UploadId)
	upload, ok := m.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}

	var buf bytes.Buffer
	if in.MultipartUpload != nil {
		for _, p := range in.MultipartUpload.Parts {
			data, ok := upload.parts[aws.ToInt32(p.PartNumber)]
			if !ok {
				return nil, fmt.Errorf("invalid part %d", aws.ToInt32(p.PartNumber))
			}
			buf.Write(data)
		}
	}

	m.objects[key] = &MockObject{
		Key:          key,
		Data:         buf.Bytes(),
		ContentType:  upload.contentType,
		CacheControl: upload.cacheControl,
		Metadata:     upload.metadata,
		LastModified: time.Now(),
	}
	delete(m.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: in.Key}, nil
}

// AbortMultipartUpload discards a session and its parts
func (m *MockClient) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if err := m.record(OpAbortMultipartUpload, aws.ToString(in.Key)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(in.UploadId)
	if _, ok := m.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	delete(m.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}
