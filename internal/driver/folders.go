package driver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

// FolderInfo describes a folder
type FolderInfo struct {
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Mtime      time.Time `json:"mtime"`
	Ctime      time.Time `json:"ctime"`
	StorageID  int       `json:"storage"`
}

// FolderExists reports whether id names an existing folder. A bounded
// listing is tried first; stores that hide marker objects from listings are
// covered by a head probe on the marker key.
func (d *Driver) FolderExists(ctx context.Context, id string) bool {
	prefix := identifier.NormalizeFolder(id)
	if prefix == "" {
		return true
	}

	result, err := d.cache.List(ctx, prefix, s3client.ListOptions{MaxKeys: 1})
	if err != nil {
		d.log.WithError(err).WithField("prefix", prefix).Warn("Folder listing failed, probing marker")
	} else if len(result.Objects) > 0 || len(result.CommonPrefixes) > 0 {
		return true
	}

	_, err = d.cache.GetMetadata(ctx, prefix)
	return err == nil
}

// IsFolderEmpty reports whether a folder has no entries besides its marker
func (d *Driver) IsFolderEmpty(ctx context.Context, id string) (bool, error) {
	prefix := identifier.NormalizeFolder(id)
	result, err := d.cache.List(ctx, prefix, s3client.ListOptions{MaxKeys: 2})
	if err != nil {
		return false, err
	}
	for _, obj := range result.Objects {
		if obj.Key != prefix {
			return false, nil
		}
	}
	return len(result.CommonPrefixes) == 0, nil
}

// GetFolderInfoByIdentifier describes an existing folder
func (d *Driver) GetFolderInfoByIdentifier(ctx context.Context, id string) (*FolderInfo, error) {
	prefix := identifier.NormalizeFolder(id)
	if !d.FolderExists(ctx, prefix) {
		return nil, notFound("folder", id)
	}

	info := &FolderInfo{
		Identifier: identifier.External(prefix),
		Name:       identifier.Basename(prefix),
		StorageID:  d.cfg.StorageID,
	}
	if prefix != "" {
		if meta, err := d.cache.GetMetadata(ctx, prefix); err == nil {
			info.Mtime = meta.LastModified
			info.Ctime = meta.LastModified
		}
	}
	return info, nil
}

// CreateFolder creates a marker object for name below parent. With
// recursive set every segment of name is sanitized on its own, otherwise
// name is sanitized as one segment.
func (d *Driver) CreateFolder(ctx context.Context, name, parent string, recursive bool) (string, error) {
	var (
		clean string
		err   error
	)
	if recursive {
		clean, err = identifier.SanitizePath(name)
	} else {
		clean, err = identifier.SanitizeFileName(name)
	}
	if err != nil {
		return "", err
	}

	key := identifier.NormalizeFolder(identifier.NormalizeFolder(parent) + clean)
	if err := d.putMarker(ctx, key); err != nil {
		return "", err
	}
	d.log.WithField("folder", key).Debug("Folder created")
	return key, nil
}

func (d *Driver) putMarker(ctx context.Context, key string) error {
	err := d.client.Put(ctx, key, bytes.NewReader(nil), s3client.PutOptions{CacheControl: d.cacheControl()})
	d.changed(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to create folder %q: %w", key, err)
	}
	return nil
}

// DeleteFolder deletes a folder. With recursive set every descendant is
// removed first, deepest entries before their parents. The result reports
// whether the folder marker is absent afterwards.
func (d *Driver) DeleteFolder(ctx context.Context, id string, recursive bool) (bool, error) {
	prefix := identifier.NormalizeFolder(id)
	if prefix == "" {
		return false, fmt.Errorf("%w: cannot delete the root folder", ErrInvalidTarget)
	}

	var touched []string
	defer func() { d.changed(ctx, touched...) }()

	if recursive {
		descendants, err := d.descendants(ctx, prefix)
		if err != nil {
			return false, err
		}
		stages := groupStages(descendants, true)
		for _, stage := range stages {
			touched = append(touched, stage...)
			if err := d.runStage(ctx, stage, func(ctx context.Context, key string) error {
				_, err := d.client.Delete(ctx, key)
				return err
			}); err != nil {
				return false, fmt.Errorf("failed to delete folder %q: %w", prefix, err)
			}
		}
	}

	touched = append(touched, prefix)
	absent, err := d.client.Delete(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("failed to delete folder %q: %w", prefix, err)
	}
	d.log.WithFields(logrus.Fields{
		"folder":    prefix,
		"recursive": recursive,
		"removed":   len(touched),
	}).Debug("Folder deleted")
	return absent, nil
}

// RenameFolder renames a folder in place. The returned map holds the new
// identifier of the folder and of every descendant, keyed by the old one.
func (d *Driver) RenameFolder(ctx context.Context, id, newName string) (map[string]string, error) {
	prefix := identifier.NormalizeFolder(id)
	if prefix == "" {
		return nil, fmt.Errorf("%w: cannot rename the root folder", ErrInvalidTarget)
	}
	clean, err := identifier.SanitizeFileName(newName)
	if err != nil {
		return nil, err
	}
	target := identifier.Dirname(prefix) + clean + "/"
	return d.transferTree(ctx, prefix, target, true)
}

// MoveFolderWithinStorage moves a folder below targetParent as newName
func (d *Driver) MoveFolderWithinStorage(ctx context.Context, id, targetParent, newName string) (map[string]string, error) {
	return d.relocateFolder(ctx, id, targetParent, newName, true)
}

// CopyFolderWithinStorage copies a folder below targetParent as newName
func (d *Driver) CopyFolderWithinStorage(ctx context.Context, id, targetParent, newName string) (map[string]string, error) {
	return d.relocateFolder(ctx, id, targetParent, newName, false)
}

func (d *Driver) relocateFolder(ctx context.Context, id, targetParent, newName string, move bool) (map[string]string, error) {
	prefix := identifier.NormalizeFolder(id)
	if prefix == "" {
		return nil, fmt.Errorf("%w: cannot relocate the root folder", ErrInvalidTarget)
	}
	if newName == "" {
		newName = identifier.Basename(prefix)
	}
	clean, err := identifier.SanitizeFileName(newName)
	if err != nil {
		return nil, err
	}
	target := identifier.NormalizeFolder(targetParent) + clean + "/"
	return d.transferTree(ctx, prefix, target, move)
}

// transferTree renames (move=true) or copies the folder source to target.
// The folder marker goes first, then descendants in stages: folders before
// files, shallow before deep. Entries within one stage run concurrently.
func (d *Driver) transferTree(ctx context.Context, source, target string, move bool) (map[string]string, error) {
	if source == target {
		return map[string]string{source: target}, nil
	}
	if strings.HasPrefix(target, source) {
		return nil, fmt.Errorf("%w: %q is inside %q", ErrInvalidTarget, target, source)
	}
	if !d.FolderExists(ctx, source) {
		return nil, notFound("folder", source)
	}

	descendants, err := d.descendants(ctx, source)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		mapping = make(map[string]string, len(descendants)+1)
		touched []string
	)
	defer func() { d.changed(ctx, touched...) }()

	transfer := func(ctx context.Context, from string) error {
		to := identifier.Rebase(from, source, target)
		var err error
		if move {
			err = d.client.Rename(ctx, from, to, d.cacheControl())
		} else {
			err = d.client.Copy(ctx, from, to, d.cacheControl())
		}
		if err != nil {
			return err
		}
		mu.Lock()
		mapping[from] = to
		touched = append(touched, from, to)
		mu.Unlock()
		return nil
	}

	if err := d.transferMarker(ctx, source, target, transfer); err != nil {
		return mapping, err
	}
	mapping[source] = target

	for _, stage := range groupStages(descendants, false) {
		if err := d.runStage(ctx, stage, transfer); err != nil {
			op := "copy"
			if move {
				op = "move"
			}
			return mapping, fmt.Errorf("failed to %s folder %q to %q: %w", op, source, target, err)
		}
	}

	d.log.WithFields(logrus.Fields{
		"source":  source,
		"target":  target,
		"move":    move,
		"entries": len(mapping),
	}).Debug("Folder transferred")
	return mapping, nil
}

// transferMarker handles the folder's own marker. Folders that only exist as
// an implied prefix get a fresh marker at the target.
func (d *Driver) transferMarker(ctx context.Context, source, target string, transfer func(context.Context, string) error) error {
	if _, err := d.client.Head(ctx, source); err != nil {
		if !s3client.IsNotFound(err) {
			return err
		}
		return d.putMarker(ctx, target)
	}
	return transfer(ctx, source)
}

// descendants lists every key below prefix, excluding the marker itself,
// bypassing the cache. When the flat listing shows no folder markers, the
// store may be hiding them: the folder tree is walked with delimiter listings
// and every folder found is head probed, keeping the markers that exist.
func (d *Driver) descendants(ctx context.Context, prefix string) ([]string, error) {
	result, err := d.client.List(ctx, prefix, s3client.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list folder %q: %w", prefix, err)
	}
	keys := make([]string, 0, len(result.Objects))
	markersListed := false
	candidates := make(map[string]struct{})
	for _, obj := range result.Objects {
		if identifier.IsDir(obj.Key) {
			markersListed = true
		}
		if obj.Key == prefix {
			continue
		}
		keys = append(keys, obj.Key)
		for _, folder := range impliedFolders(prefix, obj.Key) {
			candidates[folder] = struct{}{}
		}
	}
	if markersListed {
		return keys, nil
	}

	walked, err := d.walkFolders(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, folder := range walked {
		candidates[folder] = struct{}{}
	}
	probe := make([]string, 0, len(candidates))
	for folder := range candidates {
		probe = append(probe, folder)
	}

	var mu sync.Mutex
	err = d.runStage(ctx, probe, func(ctx context.Context, folder string) error {
		if _, err := d.client.Head(ctx, folder); err != nil {
			if s3client.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("failed to probe folder %q: %w", folder, err)
		}
		mu.Lock()
		keys = append(keys, folder)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// walkFolders returns every folder below prefix reported as a common prefix
// by delimiter listings, one listing per folder level
func (d *Driver) walkFolders(ctx context.Context, prefix string) ([]string, error) {
	var folders []string
	queue := []string{prefix}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result, err := d.client.List(ctx, current, s3client.ListOptions{Delimiter: "/"})
		if err != nil {
			return nil, fmt.Errorf("failed to list folder %q: %w", current, err)
		}
		for _, p := range result.CommonPrefixes {
			if p == current {
				continue
			}
			folders = append(folders, p)
			queue = append(queue, p)
		}
	}
	return folders, nil
}

// impliedFolders returns the folders between prefix and key, shallow first
func impliedFolders(prefix, key string) []string {
	var folders []string
	rel := strings.TrimPrefix(key, prefix)
	for i := strings.Index(rel, "/"); i >= 0; {
		if i+1 < len(rel) {
			folders = append(folders, prefix+rel[:i+1])
		}
		next := strings.Index(rel[i+1:], "/")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return folders
}

// groupStages orders keys folders first, then files, shallow before deep,
// and splits them into groups of equal kind and depth. With reverse set the
// order is inverted, so that children are handled before their parents.
func groupStages(keys []string, reverse bool) [][]string {
	sorted := append([]string(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return stageLess(sorted[i], sorted[j])
	})
	if reverse {
		for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		}
	}

	var stages [][]string
	for i, key := range sorted {
		if i == 0 || !sameStage(sorted[i-1], key) {
			stages = append(stages, nil)
		}
		stages[len(stages)-1] = append(stages[len(stages)-1], key)
	}
	return stages
}

func stageLess(a, b string) bool {
	aDir, bDir := identifier.IsDir(a), identifier.IsDir(b)
	if aDir != bDir {
		return aDir
	}
	if da, db := identifier.Depth(a), identifier.Depth(b); da != db {
		return da < db
	}
	return a < b
}

func sameStage(a, b string) bool {
	return identifier.IsDir(a) == identifier.IsDir(b) && identifier.Depth(a) == identifier.Depth(b)
}

// runStage applies fn to every key with bounded concurrency
func (d *Driver) runStage(ctx context.Context, keys []string, fn func(context.Context, string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return fn(ctx, key)
		})
	}
	return g.Wait()
}
