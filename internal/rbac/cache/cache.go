// Package cache holds the read path for role resolution: in-process TTL
// caches in front of the role store, with a Redis pub/sub channel fanning
// invalidations out to every instance on role-graph mutation.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"authd/internal/rbac/models"
)

// Default TTLs. Roles mutate rarely, effective permissions reflect user-role
// assignments which churn faster.
const (
	DefaultRoleTTL        = 4 * time.Hour
	DefaultPermissionsTTL = 15 * time.Minute

	defaultRoleEntries       = 1024
	defaultPermissionEntries = 16384
)

// Cache is the in-process tier. All methods are safe for concurrent use;
// loads for the same key are collapsed through singleflight so a cold cache
// does not stampede the store.
type Cache struct {
	roles *expirable.LRU[string, *models.Role]
	perms *expirable.LRU[string, []string]
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	roleTTL  time.Duration
	permsTTL time.Duration
}

func WithRoleTTL(ttl time.Duration) Option {
	return func(o *options) { o.roleTTL = ttl }
}

func WithPermissionsTTL(ttl time.Duration) Option {
	return func(o *options) { o.permsTTL = ttl }
}

// New constructs the cache with the default TTLs unless overridden.
func New(opts ...Option) *Cache {
	o := &options{roleTTL: DefaultRoleTTL, permsTTL: DefaultPermissionsTTL}
	for _, opt := range opts {
		opt(o)
	}
	return &Cache{
		roles: expirable.NewLRU[string, *models.Role](defaultRoleEntries, nil, o.roleTTL),
		perms: expirable.NewLRU[string, []string](defaultPermissionEntries, nil, o.permsTTL),
	}
}

// Role returns the cached role or loads and caches it. A load error is
// returned uncached.
func (c *Cache) Role(name string, load func() (*models.Role, error)) (*models.Role, error) {
	if role, ok := c.roles.Get(name); ok {
		return role, nil
	}
	v, err, _ := c.group.Do("role:"+name, func() (any, error) {
		if role, ok := c.roles.Get(name); ok {
			return role, nil
		}
		role, err := load()
		if err != nil {
			return nil, err
		}
		c.roles.Add(name, role)
		return role, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Role), nil
}

// UserPermissions returns the cached effective permission set for a user key
// or loads and caches it.
func (c *Cache) UserPermissions(userKey string, load func() ([]string, error)) ([]string, error) {
	if perms, ok := c.perms.Get(userKey); ok {
		return perms, nil
	}
	v, err, _ := c.group.Do("perms:"+userKey, func() (any, error) {
		if perms, ok := c.perms.Get(userKey); ok {
			return perms, nil
		}
		perms, err := load()
		if err != nil {
			return nil, err
		}
		c.perms.Add(userKey, perms)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// InvalidateUser drops one user's effective permission entry, for role
// assignment changes that touch a single user.
func (c *Cache) InvalidateUser(userKey string) {
	c.perms.Remove(userKey)
}

// PurgeAll drops everything. Called locally on role-graph mutation and
// remotely via the fan-out subscription.
func (c *Cache) PurgeAll() {
	c.roles.Purge()
	c.perms.Purge()
}

// Fanout broadcasts invalidations to the other instances. The payload does
// not matter; receipt means "purge".
type Fanout interface {
	Publish(ctx context.Context, reason string) error
}
