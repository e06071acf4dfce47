package driver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

func seedListing(mock *s3client.MockClient) {
	for _, key := range []string{
		"media/",
		"media/b.jpg",
		"media/A.png",
		"media/c.txt",
		"media/_processed_/",
		"media/_processed_/thumb.jpg",
		"media/docs/",
		"media/docs/manual.pdf",
		"media/docs/drafts/v1.pdf",
		"media/videos/clip.mp4",
	} {
		var data []byte
		if !strings.HasSuffix(key, "/") {
			data = []byte(key)
		}
		mock.Seed(key, data)
	}
}

func TestGetFilesInFolder(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	seedListing(mock)

	files, err := d.GetFilesInFolder(ctx, "media", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/A.png", "media/b.jpg", "media/c.txt"}, files)

	for _, variant := range []string{"/media", "media/", "/media/", "media//"} {
		got, err := d.GetFilesInFolder(ctx, variant, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, files, got, variant)
	}
}

func TestGetFilesInFolderRecursive(t *testing.T) {
	d, mock := newTestDriver(t)
	seedListing(mock)

	files, err := d.GetFilesInFolder(context.Background(), "media/", ListOptions{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"media/A.png",
		"media/_processed_/thumb.jpg",
		"media/b.jpg",
		"media/c.txt",
		"media/docs/drafts/v1.pdf",
		"media/docs/manual.pdf",
		"media/videos/clip.mp4",
	}, files)
}

func TestGetFoldersInFolderSkipsProcessingFolder(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	seedListing(mock)

	folders, err := d.GetFoldersInFolder(ctx, "media", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/docs/", "media/videos/"}, folders)

	folders, err = d.GetFoldersInFolder(ctx, "media", ListOptions{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/docs/", "media/docs/drafts/", "media/videos/"}, folders)

	root, err := d.GetFoldersInFolder(ctx, "/", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/"}, root)
}

func TestCustomProcessingFolder(t *testing.T) {
	d, mock := newTestDriver(t, func(c *Config) { c.ProcessingFolder = "docs" })
	seedListing(mock)

	folders, err := d.GetFoldersInFolder(context.Background(), "media", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/_processed_/", "media/videos/"}, folders)
}

func TestListingFilters(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	seedListing(mock)

	onlyImages := FilterFunc(func(e Entry) (Verdict, error) {
		if strings.HasSuffix(e.Name, ".txt") {
			return Exclude, nil
		}
		return Include, nil
	})
	var seen []Entry
	recorder := FilterFunc(func(e Entry) (Verdict, error) {
		seen = append(seen, e)
		return Include, nil
	})

	files, err := d.GetFilesInFolder(ctx, "media", ListOptions{Filters: []Filter{onlyImages, recorder}})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/A.png", "media/b.jpg"}, files)
	require.Len(t, seen, 2, "excluded entries stop the chain")
	assert.Equal(t, Entry{Name: "A.png", Identifier: "media/A.png", ParentIdentifier: "media/"}, seen[0])

	failing := FilterFunc(func(e Entry) (Verdict, error) {
		return Include, errors.New("index unavailable")
	})
	_, err = d.GetFoldersInFolder(ctx, "media", ListOptions{Filters: []Filter{failing}})
	assert.ErrorIs(t, err, ErrFilterRejected)
}

func TestListingSortAndPaging(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	seedListing(mock)

	byName, err := d.GetFilesInFolder(ctx, "media", ListOptions{Sort: SortName})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/A.png", "media/b.jpg", "media/c.txt"}, byName)

	desc, err := d.GetFilesInFolder(ctx, "media", ListOptions{Sort: SortName, Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/c.txt", "media/b.jpg", "media/A.png"}, desc)

	paged, err := d.GetFilesInFolder(ctx, "media", ListOptions{Start: 1, NumberOfItems: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/b.jpg"}, paged)

	beyond, err := d.GetFilesInFolder(ctx, "media", ListOptions{Start: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestCountInFolder(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	seedListing(mock)

	n, err := d.CountFilesInFolder(ctx, "media", false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = d.CountFilesInFolder(ctx, "media", true)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = d.CountFoldersInFolder(ctx, "media", true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestListingIsCachedUntilMutation(t *testing.T) {
	d, mock := newTestDriver(t)
	ctx := context.Background()
	seedListing(mock)

	_, err := d.GetFilesInFolder(ctx, "media", ListOptions{})
	require.NoError(t, err)
	_, err = d.GetFilesInFolder(ctx, "media", ListOptions{Sort: SortName})
	require.NoError(t, err)
	assert.Equal(t, 1, mock.Calls(s3client.OpListObjectsV2))

	_, err = d.CreateFile(ctx, "d.txt", "media")
	require.NoError(t, err)
	files, err := d.GetFilesInFolder(ctx, "media", ListOptions{})
	require.NoError(t, err)
	assert.Contains(t, files, "media/d.txt")
}

func TestListingPaginatesLargeFolders(t *testing.T) {
	d, mock := newTestDriver(t)
	mock.PageSize = 2
	for _, k := range []string{"big/1", "big/2", "big/3", "big/4", "big/5", "big/6"} {
		mock.Seed(k, []byte(k))
	}

	files, err := d.GetFilesInFolder(context.Background(), "big", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, files, 6)
	assert.Equal(t, 3, mock.Calls(s3client.OpListObjectsV2))
}
