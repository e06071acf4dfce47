package driver

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/s3fs-fuse/s3driver/internal/identifier"
	"github.com/s3fs-fuse/s3driver/internal/s3client"
)

// Permissions are the read and write flags of one identifier
type Permissions struct {
	Read  bool `json:"r"`
	Write bool `json:"w"`
}

var fullAccess = Permissions{Read: true, Write: true}

// aclReader is the part of the gateway the resolver needs
type aclReader interface {
	GetACL(ctx context.Context, key string) ([]s3client.Grant, error)
}

// PermissionResolver derives permissions from object ACLs. Results are
// cached for the resolver lifetime and never invalidated.
type PermissionResolver struct {
	acl     aclReader
	enabled bool
	mu      sync.RWMutex
	cache   map[string]Permissions
	log     *logrus.Entry
}

// NewPermissionResolver creates a resolver. With enabled=false every
// identifier is fully accessible.
func NewPermissionResolver(acl aclReader, enabled bool, log *logrus.Entry) *PermissionResolver {
	return &PermissionResolver{
		acl:     acl,
		enabled: enabled,
		cache:   make(map[string]Permissions),
		log:     log,
	}
}

// Resolve returns the permissions of id. ACL lookup failures yield no access.
func (r *PermissionResolver) Resolve(ctx context.Context, id string) Permissions {
	key := identifier.Normalize(id)
	if !r.enabled || key == identifier.Root || key == "" {
		return fullAccess
	}

	r.mu.RLock()
	p, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return p
	}

	p = r.lookup(ctx, key)

	r.mu.Lock()
	r.cache[key] = p
	r.mu.Unlock()
	return p
}

func (r *PermissionResolver) lookup(ctx context.Context, key string) Permissions {
	grants, err := r.acl.GetACL(ctx, key)
	if err != nil {
		r.log.WithError(err).WithField("key", key).Warn("Failed to read object ACL")
		return Permissions{}
	}

	var p Permissions
	for _, g := range grants {
		switch g.Permission {
		case "FULL_CONTROL":
			return fullAccess
		case "READ":
			p.Read = true
		case "WRITE":
			p.Write = true
		}
	}
	return p
}

// GetPermissions returns the permissions of a file or folder
func (d *Driver) GetPermissions(ctx context.Context, id string) Permissions {
	return d.permissions.Resolve(ctx, id)
}
