// Package identifier converts path-like storage identifiers into the
// canonical key form used against the object store.
//
// Folders always end with "/". The root folder is "/" externally and maps to
// the empty key prefix internally.
package identifier

import (
	"crypto/sha1"
	"encoding/hex"
	"path"
	"strings"
)

// Root is the external identifier of the root folder
const Root = "/"

// Normalize collapses duplicate slashes and strips the leading slash of
// every identifier except the root.
func Normalize(id string) string {
	for strings.Contains(id, "//") {
		id = strings.ReplaceAll(id, "//", "/")
	}
	if id != Root {
		id = strings.TrimPrefix(id, "/")
	}
	return id
}

// NormalizeFolder normalizes id and guarantees a trailing slash. The root
// folder yields the empty prefix.
func NormalizeFolder(id string) string {
	id = Normalize(id)
	if id == Root || id == "" {
		return ""
	}
	if !strings.HasSuffix(id, "/") {
		id += "/"
	}
	return id
}

// External maps an internal folder prefix back to its public identifier
func External(prefix string) string {
	if prefix == "" {
		return Root
	}
	return prefix
}

// IsDir reports whether id denotes a folder
func IsDir(id string) bool {
	return strings.HasSuffix(id, "/")
}

// IsWithin reports whether id equals container or lives below it. Every
// identifier is within the root.
func IsWithin(container, id string) bool {
	container = canonical(container)
	id = canonical(id)
	if container == id {
		return true
	}
	if container != Root {
		container += "/"
	}
	return strings.HasPrefix(id, container)
}

func canonical(id string) string {
	return "/" + strings.Trim(Normalize(id), "/")
}

// Dirname returns the folder prefix containing id, or "" for root level entries
func Dirname(id string) string {
	trimmed := strings.TrimSuffix(Normalize(id), "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

// Basename returns the last path segment of id without a trailing slash
func Basename(id string) string {
	trimmed := strings.TrimSuffix(id, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// Extension returns the file extension of id without the leading dot
func Extension(id string) string {
	if IsDir(id) {
		return ""
	}
	return strings.TrimPrefix(path.Ext(Basename(id)), ".")
}

// Depth counts the separators in id
func Depth(id string) int {
	return strings.Count(id, "/")
}

// Join appends name to folder, keeping exactly one separator between them
func Join(folder, name string) string {
	return Normalize(NormalizeFolder(folder) + strings.TrimPrefix(name, "/"))
}

// Hash returns the content independent digest of an identifier. It depends
// on the identifier string only, so it is stable across uploads.
func Hash(id string) string {
	sum := sha1.Sum([]byte(canonical(id)))
	return hex.EncodeToString(sum[:])
}

// FolderHash hashes the parent folder of id
func FolderHash(id string) string {
	return Hash(Dirname(id))
}

// Rebase replaces the leading oldPrefix of id with newPrefix. The suffix
// after the prefix is left untouched.
func Rebase(id, oldPrefix, newPrefix string) string {
	return newPrefix + strings.TrimPrefix(id, oldPrefix)
}
