package s3client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/s3driver/internal/credentials"
)

const (
	localstackEndpoint = "http://localhost:4566"
	localstackBucket   = "test-bucket-localstack"
	localstackRegion   = "us-east-1"
)

// isLocalStackAvailable checks if LocalStack is running
func isLocalStackAvailable() bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(localstackEndpoint + "/_localstack/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// setupLocalStackTest connects to LocalStack and makes sure the bucket exists
func setupLocalStackTest(t *testing.T) *Client {
	if os.Getenv("S3DRIVER_LOCALSTACK") == "" || !isLocalStackAvailable() {
		t.Skip("LocalStack is not available; set S3DRIVER_LOCALSTACK=1 and start it on :4566")
	}

	creds := credentials.NewCredentials()
	creds.AccessKeyID = "test"
	creds.SecretAccessKey = "test"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Options{
		Bucket:      localstackBucket,
		Region:      localstackRegion,
		Endpoint:    localstackEndpoint,
		PathStyle:   true,
		Credentials: creds,
	})
	require.NoError(t, err)

	if raw, ok := client.API().(*s3.Client); ok {
		_, _ = raw.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(localstackBucket)})
	}
	return client
}

func TestLocalStackRoundTrip(t *testing.T) {
	client := setupLocalStackTest(t)
	ctx := context.Background()
	key := fmt.Sprintf("roundtrip-%d/file.txt", time.Now().UnixNano())

	require.NoError(t, client.Put(ctx, key, bytes.NewReader([]byte("hello")), PutOptions{ContentType: "text/plain"}))

	info, err := client.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	body, _, err := client.Get(ctx, key)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, "hello", string(data))

	renamed := key + ".renamed"
	require.NoError(t, client.Rename(ctx, key, renamed, "max-age=60"))
	_, err = client.Head(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	gone, err := client.Delete(ctx, renamed)
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestLocalStackMultipart(t *testing.T) {
	client := setupLocalStackTest(t)
	ctx := context.Background()
	key := fmt.Sprintf("multipart-%d.bin", time.Now().UnixNano())

	data := generateTestData(MinPartSize + 1024)
	path := writeTempFile(t, "big.bin", data)

	require.NoError(t, client.NewUploader(UploaderOptions{}).Upload(ctx, path, key, localstackBucket, ""))

	info, err := client.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)

	_, err = client.Delete(ctx, key)
	require.NoError(t, err)
}
