package cloudapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// CachedCatalog caches the cloud's server-type, location, and image
// catalogs at startup, per spec §9's "price table cached at startup,
// refreshed lazily" design note generalized to the whole catalog.
type CachedCatalog struct {
	cloud Cloud

	mu          sync.RWMutex
	serverTypes map[string]struct{}
	locations   map[string]struct{}
	images      []Image
}

// NewCachedCatalog returns a catalog backed by cloud. Call Refresh
// before first use.
func NewCachedCatalog(cloud Cloud) *CachedCatalog {
	return &CachedCatalog{
		cloud:       cloud,
		serverTypes: map[string]struct{}{},
		locations:   map[string]struct{}{},
	}
}

// Refresh reloads the catalog from the cloud.
func (c *CachedCatalog) Refresh(ctx context.Context) error {
	types, err := c.cloud.ListServerTypes(ctx)
	if err != nil {
		return fmt.Errorf("refresh server types: %w", err)
	}
	locs, err := c.cloud.ListLocations(ctx)
	if err != nil {
		return fmt.Errorf("refresh locations: %w", err)
	}
	images, err := c.cloud.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("refresh images: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.serverTypes = make(map[string]struct{}, len(types))
	for _, t := range types {
		c.serverTypes[strings.ToLower(t.Name)] = struct{}{}
	}

	c.locations = make(map[string]struct{}, len(locs))
	for _, l := range locs {
		c.locations[strings.ToLower(l.Name)] = struct{}{}
	}

	c.images = images
	return nil
}

func (c *CachedCatalog) HasServerType(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.serverTypes[strings.ToLower(name)]
	return ok
}

func (c *CachedCatalog) HasLocation(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.locations[strings.ToLower(name)]
	return ok
}

func (c *CachedCatalog) HasImage(idOrName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, img := range c.images {
		if img.ID == idOrName || strings.EqualFold(img.Name, idOrName) {
			return true
		}
	}
	return false
}

// ImageByName resolves a system/app image by exact (case-insensitive)
// name and architecture.
func (c *CachedCatalog) ImageByName(name, arch string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, img := range c.images {
		if (img.Kind == ImageSystem || img.Kind == ImageApp) &&
			strings.EqualFold(img.Name, name) &&
			strings.EqualFold(img.Arch, arch) {
			return img.ID, true
		}
	}
	return "", false
}

// ImageByDescription resolves a snapshot/backup image by description,
// architecture, and kind.
func (c *CachedCatalog) ImageByDescription(desc, arch, kind string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, img := range c.images {
		if string(img.Kind) == kind &&
			strings.EqualFold(img.Description, desc) &&
			strings.EqualFold(img.Arch, arch) {
			return img.ID, true
		}
	}
	return "", false
}
