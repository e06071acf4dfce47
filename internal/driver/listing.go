package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

// Verdict is the decision of a listing filter
type Verdict int

const (
	// Include keeps the entry
	Include Verdict = iota
	// Exclude drops the entry silently
	Exclude
)

// Entry is a listing candidate presented to filters
type Entry struct {
	Name             string
	Identifier       string
	ParentIdentifier string
	IsFolder         bool
}

// Filter decides about one listing entry. A non-nil error aborts the
// listing with ErrFilterRejected.
type Filter interface {
	Apply(entry Entry) (Verdict, error)
}

// FilterFunc adapts a function to Filter
type FilterFunc func(entry Entry) (Verdict, error)

// Apply calls f
func (f FilterFunc) Apply(entry Entry) (Verdict, error) {
	return f(entry)
}

// SortField selects the listing order
type SortField string

const (
	SortIdentifier SortField = ""
	SortName       SortField = "name"
)

// ListOptions shapes GetFilesInFolder and GetFoldersInFolder
type ListOptions struct {
	// Start skips this many entries
	Start int
	// NumberOfItems caps the result; zero means no cap
	NumberOfItems int
	Recursive     bool
	Filters       []Filter
	Sort          SortField
	Descending    bool
}

// GetFilesInFolder lists the files in folder
func (d *Driver) GetFilesInFolder(ctx context.Context, folder string, opts ListOptions) ([]string, error) {
	entries, err := d.entries(ctx, folder, opts, false)
	if err != nil {
		return nil, err
	}
	return page(entries, opts), nil
}

// GetFoldersInFolder lists the sub folders of folder. The processing folder
// and everything below it are never listed.
func (d *Driver) GetFoldersInFolder(ctx context.Context, folder string, opts ListOptions) ([]string, error) {
	entries, err := d.entries(ctx, folder, opts, true)
	if err != nil {
		return nil, err
	}
	return page(entries, opts), nil
}

// CountFilesInFolder counts the files GetFilesInFolder would return without paging
func (d *Driver) CountFilesInFolder(ctx context.Context, folder string, recursive bool, filters ...Filter) (int, error) {
	entries, err := d.entries(ctx, folder, ListOptions{Recursive: recursive, Filters: filters}, false)
	return len(entries), err
}

// CountFoldersInFolder counts the folders GetFoldersInFolder would return without paging
func (d *Driver) CountFoldersInFolder(ctx context.Context, folder string, recursive bool, filters ...Filter) (int, error) {
	entries, err := d.entries(ctx, folder, ListOptions{Recursive: recursive, Filters: filters}, true)
	return len(entries), err
}

func (d *Driver) entries(ctx context.Context, folder string, opts ListOptions, folders bool) ([]string, error) {
	prefix := identifier.NormalizeFolder(folder)

	listOpts := s3client.ListOptions{}
	if !opts.Recursive {
		listOpts.Delimiter = "/"
	}
	result, err := d.cache.List(ctx, prefix, listOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder %q: %w", identifier.External(prefix), err)
	}

	var candidates []string
	if folders {
		candidates = d.folderCandidates(prefix, result, opts.Recursive)
	} else {
		for _, obj := range result.Objects {
			if !identifier.IsDir(obj.Key) {
				candidates = append(candidates, obj.Key)
			}
		}
	}

	out := make([]string, 0, len(candidates))
	for _, key := range candidates {
		entry := Entry{
			Name:             identifier.Basename(key),
			Identifier:       key,
			ParentIdentifier: identifier.External(identifier.Dirname(key)),
			IsFolder:         folders,
		}
		verdict, err := applyFilters(opts.Filters, entry)
		if err != nil {
			return nil, err
		}
		if verdict == Include {
			out = append(out, key)
		}
	}

	sortEntries(out, opts)
	return out, nil
}

// folderCandidates collects folder keys from markers, common prefixes and,
// for recursive listings, the folders implied by nested keys
func (d *Driver) folderCandidates(prefix string, result *s3client.ListResult, recursive bool) []string {
	seen := make(map[string]struct{})
	add := func(key string) {
		if key == prefix || d.inProcessingFolder(prefix, key) {
			return
		}
		seen[key] = struct{}{}
	}

	for _, p := range result.CommonPrefixes {
		add(p)
	}
	for _, obj := range result.Objects {
		if !recursive {
			if identifier.IsDir(obj.Key) {
				add(obj.Key)
			}
			continue
		}
		for _, folder := range impliedFolders(prefix, obj.Key) {
			add(folder)
		}
		if identifier.IsDir(obj.Key) {
			add(obj.Key)
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

func (d *Driver) inProcessingFolder(prefix, key string) bool {
	for _, segment := range strings.Split(strings.TrimSuffix(strings.TrimPrefix(key, prefix), "/"), "/") {
		if segment == d.cfg.ProcessingFolder {
			return true
		}
	}
	return false
}

func applyFilters(filters []Filter, entry Entry) (Verdict, error) {
	for _, f := range filters {
		verdict, err := f.Apply(entry)
		if err != nil {
			return Exclude, fmt.Errorf("%w: %s: %v", ErrFilterRejected, entry.Identifier, err)
		}
		if verdict == Exclude {
			return Exclude, nil
		}
	}
	return Include, nil
}

func sortEntries(keys []string, opts ListOptions) {
	less := func(i, j int) bool { return keys[i] < keys[j] }
	if opts.Sort == SortName {
		less = func(i, j int) bool {
			a, b := strings.ToLower(identifier.Basename(keys[i])), strings.ToLower(identifier.Basename(keys[j]))
			if a != b {
				return a < b
			}
			return keys[i] < keys[j]
		}
	}
	if opts.Descending {
		asc := less
		less = func(i, j int) bool { return asc(j, i) }
	}
	sort.SliceStable(keys, less)
}

func page(keys []string, opts ListOptions) []string {
	if opts.Start > 0 {
		if opts.Start >= len(keys) {
			return []string{}
		}
		keys = keys[opts.Start:]
	}
	if opts.NumberOfItems > 0 && opts.NumberOfItems < len(keys) {
		keys = keys[:opts.NumberOfItems]
	}
	return keys
}
